package cli

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Check the external tools the pipeline depends on",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printTools()
			return nil
		},
	})
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("STACKENGINE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/stackengine/config.json"
	}
	r.printf("Config file: %s\n\n", cfgPath)
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(r.cfg)
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("stackengine %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
