package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"stackengine/internal/classify"
	"stackengine/internal/engine"
	"stackengine/internal/frames"
	"stackengine/internal/watch"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackengine",
		Short: "Calibrate, register and stack astronomical frames",
		Long: `stackengine sorts bias, dark, flat and light frames into groups, builds
master calibration frames, and calibrates, registers and integrates the lights.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newAddCmd(root))
	rootCmd.AddCommand(newGroupsCmd(root))
	rootCmd.AddCommand(newCheckCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newMastersCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newAddCmd(root *Root) *cobra.Command {
	var in inputs
	cmd := &cobra.Command{
		Use:   "add [paths...]",
		Short: "Classify frames and show the group each one joins",
		Long: `Classify files or directories and print the group each frame is assigned to.
Positional paths are classified from their headers and names; use --bias,
--dark, --flat or --light to force the class.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.parsed(cmd)
			srcs := in.sources(args)
			if len(srcs) == 0 {
				return fmt.Errorf("add requires at least one file or directory")
			}
			failed, err := root.load(cmd.Context(), srcs, func(path string, g *frames.Group, err error) {
				if err != nil {
					root.printf("✗ %s: %v\n", path, err)
					return
				}
				root.printf("✓ %s -> %s\n", path, g.Name())
			})
			if err != nil {
				return err
			}
			if err := root.edit(&in); err != nil {
				return err
			}
			root.printf("\n%d group(s), %d file(s) rejected\n", len(root.session.Groups()), failed)
			return nil
		},
	}
	in.register(cmd)
	return cmd
}

func newGroupsCmd(root *Root) *cobra.Command {
	var in inputs
	cmd := &cobra.Command{
		Use:   "groups [paths...]",
		Short: "Show the frame groups built from the inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.parsed(cmd)
			if err := root.prepare(cmd.Context(), &in, args); err != nil {
				return err
			}
			root.printGroups(root.session.Groups())
			return nil
		},
	}
	in.register(cmd)
	return cmd
}

func (r *Root) printGroups(groups []*frames.Group) {
	if len(groups) == 0 {
		r.printf("No frame groups\n")
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Class", "Group", "Filter", "Binning", "Exposure", "Frames", "Master"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	for _, g := range groups {
		master := ""
		if g.Master {
			master = "yes"
		}
		table.Append([]string{
			g.Class.String(),
			g.Name(),
			g.Filter,
			strconv.Itoa(g.Binning),
			fmt.Sprintf("%gs", g.Exposure),
			strconv.Itoa(g.Len()),
			master,
		})
	}
	table.Render()
}

func newCheckCmd(root *Root) *cobra.Command {
	var (
		in    inputs
		tools bool
	)
	cmd := &cobra.Command{
		Use:   "check [paths...]",
		Short: "Validate the configuration and inputs before a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.parsed(cmd)
			if err := root.prepare(cmd.Context(), &in, args); err != nil {
				return err
			}
			report := root.session.Diagnose()
			root.printReport(report)
			if tools {
				root.printf("\n")
				root.printTools()
			}
			if n := len(report.Errors()); n > 0 {
				return fmt.Errorf("%d configuration error(s)", n)
			}
			return nil
		},
	}
	in.register(cmd)
	cmd.Flags().BoolVar(&tools, "tools", true, "also report external tool availability")
	return cmd
}

func (r *Root) printReport(report engine.Report) {
	if len(report.Items) == 0 {
		r.printf("✅ No problems found\n")
		return
	}
	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Severity", "Message"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, d := range report.Items {
		table.Append([]string{d.Severity.String(), d.Message})
	}
	table.SetFooter([]string{
		fmt.Sprintf("%d error(s)", len(report.Errors())),
		fmt.Sprintf("%d warning(s)", len(report.Warnings())),
	})
	table.Render()
}

func (r *Root) printTools() {
	status := r.toolStatus(r.cfg)
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Tool", "Status", "Version", "Path"})
	table.SetBorder(false)
	for _, name := range names {
		st := status[name]
		state := "❌ unavailable"
		if st.Available {
			state = "✅ available"
		}
		table.Append([]string{name, state, st.Version, st.Path})
	}
	table.Render()
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		in            inputs
		stages        []string
		output        string
		reference     string
		calibrateOnly bool
	)
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Build masters and process the light frames",
		Long: `Run the pipeline over the given inputs. Without --stage every stage runs
after the configuration check; with --stage only the named stages run, in
bias, dark, flat, light order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.parsed(cmd)
			classes, err := classList(stages)
			if err != nil {
				return err
			}
			if output != "" {
				root.cfg.Processing.OutputDir = output
			}
			if reference != "" {
				root.cfg.Registration.Reference = reference
			}
			if cmd.Flags().Changed("calibrate-only") {
				root.cfg.Processing.CalibrateOnly = calibrateOnly
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if err := root.prepare(ctx, &in, args); err != nil {
				return err
			}
			return root.runPipeline(ctx, classes)
		},
	}
	in.register(cmd)
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "run only these stages (bias|dark|flat|light)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (overrides config)")
	cmd.Flags().StringVar(&reference, "reference", "", "registration reference image (overrides config)")
	cmd.Flags().BoolVar(&calibrateOnly, "calibrate-only", false, "stop after calibrating the light frames")
	return cmd
}

func (r *Root) runPipeline(ctx context.Context, classes []frames.Class) error {
	events, unsubscribe := r.session.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			r.printEvent(ev)
		}
	}()

	var (
		res *engine.RunResult
		err error
	)
	if len(classes) == 0 {
		res, err = r.session.Run(ctx)
	} else {
		res, err = r.session.RunStages(ctx, classes...)
	}
	unsubscribe()
	<-done

	var diag *engine.DiagnosticsError
	if errors.As(err, &diag) {
		r.printReport(diag.Report)
		return fmt.Errorf("configuration check failed")
	}
	if res != nil {
		r.printResult(res)
	}
	return err
}

func (r *Root) printEvent(ev engine.Event) {
	label := ev.Stage
	if ev.Group != "" {
		label += "/" + ev.Group
	}
	switch ev.Status {
	case engine.StatusStarted:
		r.printf("▶ %s\n", label)
	case engine.StatusCompleted:
		if ev.Message != "" {
			r.printf("✓ %s: %s\n", label, ev.Message)
		} else {
			r.printf("✓ %s\n", label)
		}
	case engine.StatusWarning:
		r.printf("⚠ %s: %s\n", label, ev.Message)
	case engine.StatusFailed:
		r.printf("✗ %s: %s\n", label, ev.Message)
	}
}

func (r *Root) printResult(res *engine.RunResult) {
	r.printf("\nRun %s finished in %s\n", res.ID, res.Finished.Sub(res.Started).Round(time.Millisecond))
	if len(res.Masters) > 0 {
		table := tablewriter.NewWriter(r.out)
		table.SetHeader([]string{"Class", "Group", "Frames", "Path"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		for _, m := range res.Masters {
			table.Append([]string{m.Class.String(), m.Group, strconv.Itoa(m.Frames), m.Path})
		}
		table.Render()
	}
	for _, l := range res.Lights {
		switch {
		case l.Integrated != "":
			r.printf("%s: %s\n", l.Group, l.Integrated)
		default:
			r.printf("%s: %d calibrated frame(s)\n", l.Group, len(l.Calibrated))
		}
	}
	if len(res.Warnings) > 0 {
		r.printf("\n%d warning(s):\n", len(res.Warnings))
		for _, w := range res.Warnings {
			r.printf("  - %s\n", w)
		}
	}
	if !res.Succeeded() {
		r.printf("\n❌ %s\n", res.Error)
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errNoStore
			}
			if len(args) == 1 {
				res, err := root.store.Run(args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				root.printStages(res)
				root.printResult(res)
				return nil
			}
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				root.printf("No runs recorded\n")
				return nil
			}
			table := tablewriter.NewWriter(root.out)
			table.SetHeader([]string{"Run", "Status", "Started", "Duration", "Warnings", "Error"})
			table.SetBorder(false)
			for _, run := range runs {
				table.Append([]string{
					run.ID,
					run.Status,
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String(),
					strconv.Itoa(run.Warnings),
					run.Error,
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func (r *Root) printStages(res *engine.RunResult) {
	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Stage", "Duration", "Error"})
	table.SetBorder(false)
	for _, st := range res.Stages {
		table.Append([]string{st.Stage, st.Duration.Round(time.Millisecond).String(), st.Error})
	}
	table.Render()
}

func newMastersCmd(root *Root) *cobra.Command {
	var (
		class string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "masters",
		Short: "List master frames built by previous runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errNoStore
			}
			c := frames.ParseClass(class)
			if class != "" && !c.Valid() {
				return fmt.Errorf("unknown class %q", class)
			}
			recs, err := root.store.Masters(c, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				root.printf("No master frames recorded\n")
				return nil
			}
			table := tablewriter.NewWriter(root.out)
			table.SetHeader([]string{"Class", "Group", "Frames", "Created", "Path", "Library"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, m := range recs {
				table.Append([]string{
					m.Class.String(),
					m.Group,
					strconv.Itoa(m.Frames),
					m.CreatedAt.Local().Format("2006-01-02 15:04"),
					m.Path,
					m.LibraryPath,
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "only this class (bias|dark|flat|light)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of masters to list")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		in     inputs
		class  string
		master bool
		settle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <directory> [directory...]",
		Short: "Classify frames as they are written into directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.parsed(cmd)
			c := frames.ParseClass(class)
			if class != "" && !c.Valid() {
				return fmt.Errorf("unknown class %q", class)
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return root.watch(ctx, args, in.hints(c), master, settle)
		},
	}
	f := cmd.Flags()
	f.StringVar(&class, "class", "", "force the class of new frames (bias|dark|flat|light)")
	f.BoolVar(&master, "master", false, "treat new frames as pre-built masters")
	f.StringVar(&in.filter, "filter", "", "force the filter name")
	f.IntVar(&in.binning, "binning", 0, "force the binning")
	f.Float64Var(&in.exposure, "exposure", 0, "force the exposure in seconds")
	f.DurationVar(&settle, "settle", watch.DefaultSettle, "how long a file must stay unchanged before it is read")
	return cmd
}

func (r *Root) watch(ctx context.Context, dirs []string, hints classify.Hints, master bool, settle time.Duration) error {
	w, err := watch.New(dirs, settle, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	r.printf("Watching %d director(ies), press Ctrl+C to stop\n", len(dirs))
	for {
		select {
		case <-ctx.Done():
			r.printGroups(r.session.Groups())
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			g, err := r.session.AddFile(ctx, ev.Path, hints, master)
			if err != nil {
				r.printf("✗ %s: %v\n", ev.Path, err)
				continue
			}
			r.printf("✓ %s -> %s (%d frames)\n", ev.Path, g.Name(), g.Len())
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [paths...]",
		Short: "Serve the HTTP API and run event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if err := root.prepare(ctx, &inputs{}, args); err != nil {
				return err
			}
			return root.serveFn(ctx, addr, root.session, root.store, root.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
