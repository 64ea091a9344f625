package tasks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"stackengine/internal/config"
	"stackengine/internal/engine"
	"stackengine/internal/fsutil"
)

// DrizzleExt is the extension of drizzle data files written next to
// registered frames.
const DrizzleExt = ".xdrz"

// ToolRegistrar drives an external star alignment binary. The binary is
// called once per request:
//
//	<binary> [args] --reference R --output-dir D --postfix P --suffix S
//	    --interpolation I --clamping C --max-stars N --noise-reduction K
//	    [--triangles] [--drizzle] -- target...
//
// and is expected to write D/<stem>P S for each target, plus
// D/<stem>P.xdrz when drizzle data is requested.
type ToolRegistrar struct {
	binary string
	args   []string
	log    *slog.Logger
}

func NewToolRegistrar(cfg config.Tools, logger *slog.Logger) *ToolRegistrar {
	return &ToolRegistrar{binary: cfg.RegistrationBinary, args: cfg.RegistrationArgs, log: logger}
}

func (r *ToolRegistrar) commandArgs(req engine.RegisterRequest) []string {
	args := append([]string{}, r.args...)
	args = append(args,
		"--reference", req.Reference,
		"--output-dir", req.OutputDir,
		"--postfix", req.Postfix,
		"--suffix", req.Suffix,
		"--interpolation", req.Interpolation,
		"--clamping", strconv.FormatFloat(req.ClampingThreshold, 'f', -1, 64),
		"--max-stars", strconv.Itoa(req.MaxStars),
		"--noise-reduction", strconv.Itoa(req.NoiseReductionRadius),
	)
	if req.UseTriangles {
		args = append(args, "--triangles")
	}
	if req.GenerateDrizzle {
		args = append(args, "--drizzle")
	}
	args = append(args, "--")
	return append(args, req.Targets...)
}

// Register implements engine.Registrar. Targets the tool did not produce
// are still reported so the caller can drop them with a warning.
func (r *ToolRegistrar) Register(ctx context.Context, req engine.RegisterRequest) ([]engine.RegisteredOutput, error) {
	if r.binary == "" {
		return nil, fmt.Errorf("no registration binary configured")
	}
	path, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, fmt.Errorf("registration binary %q: %w", r.binary, err)
	}

	cmd := exec.CommandContext(ctx, path, r.commandArgs(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("running registration tool", "binary", path, "targets", len(req.Targets))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", filepath.Base(path), err, strings.TrimSpace(lastLines(stderr.String(), 5)))
	}

	outs := make([]engine.RegisteredOutput, 0, len(req.Targets))
	for _, t := range req.Targets {
		out := engine.RegisteredOutput{Source: t, Path: fsutil.WithSuffix(req.OutputDir, t, req.Postfix, req.Suffix)}
		if req.GenerateDrizzle {
			if dz := fsutil.WithSuffix(req.OutputDir, t, req.Postfix, DrizzleExt); fsutil.Exists(dz) {
				out.DrizzlePath = dz
			}
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
