package tasks

import (
	"os/exec"
	"sort"
	"strings"

	"stackengine/internal/config"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ToolManager reports on the external programs and libraries a run needs.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	if toolName == "imagemagick" {
		imagick.Initialize()
		defer imagick.Terminate()
		version, _ := imagick.GetVersion()
		return ToolStatus{Available: version != "", Version: version, Path: "libMagickWand"}
	}

	path, err := exec.LookPath(toolName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	var versionArgs []string
	switch toolName {
	case "exiftool":
		versionArgs = []string{"-ver"}
	case tm.cfg.Tools.RegistrationBinary:
		versionArgs = []string{"--version"}
	default:
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(path, versionArgs...).CombinedOutput()
	if err != nil {
		// Some tools exit non-zero on --version but still print it.
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Status checks every tool the configuration refers to.
func (tm *ToolManager) Status() map[string]ToolStatus {
	status := map[string]ToolStatus{
		"imagemagick": tm.CheckTool("imagemagick"),
		"exiftool":    tm.CheckTool("exiftool"),
	}
	if bin := tm.cfg.Tools.RegistrationBinary; bin != "" {
		status[bin] = tm.CheckTool(bin)
	}
	return status
}

// Names returns the keys of a status map in a stable order.
func Names(status map[string]ToolStatus) []string {
	names := make([]string, 0, len(status))
	for n := range status {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
