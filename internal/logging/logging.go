package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stackengine/internal/config"
)

const currentLogName = "stackengine-current.log"

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(&TraditionalHandler{logger: log.New(io.Discard, "", 0), level: slog.LevelError + 1})
}

// Setup builds the process logger from cfg and installs it as the slog
// default. Output always goes to stdout, and also to a dated file under
// cfg.Logging.LogDir when file output is enabled.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	out := io.Writer(os.Stdout)
	if cfg.Logging.FileOutput {
		file, err := openDailyLog(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, file)
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &TraditionalHandler{logger: log.New(out, "", log.LstdFlags), level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("logging initialized",
		"level", level.String(),
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openDailyLog opens stackengine-YYYY-MM-DD.log in dir for appending and
// points stackengine-current.log at it.
func openDailyLog(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("stackengine-%s.log", day.Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	current := filepath.Join(dir, currentLogName)
	os.Remove(current)
	// A missing link only affects convenience tooling.
	_ = os.Symlink(name, current)
	return file, nil
}

// TraditionalHandler writes records as "[LEVEL] message [k=v ...]" through a
// standard library logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	prefix string // dotted group path applied to record attributes
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)

	n := 0
	write := func(key string, v slog.Value) {
		if n == 0 {
			b.WriteString(" [")
		} else {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", key, v)
		n++
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.prefix+a.Key, a.Value)
		return true
	})
	if n > 0 {
		b.WriteByte(']')
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), b.String())
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	c := *h
	c.attrs = merged
	return &c
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogStageStart logs the beginning of a pipeline stage for one group.
func LogStageStart(logger *slog.Logger, stage, group string, files int) {
	logger.Info("stage started", "stage", stage, "group", group, "files", files)
}

// LogStageComplete logs a finished group with the file it produced.
func LogStageComplete(logger *slog.Logger, stage, group string, duration time.Duration, output string) {
	logger.Info("stage completed",
		"stage", stage,
		"group", group,
		"duration_ms", duration.Milliseconds(),
		"output", output,
	)
}

// LogStageError logs a failed group. An empty group means the whole stage
// failed.
func LogStageError(logger *slog.Logger, stage, group string, duration time.Duration, err error) {
	logger.Error("stage failed",
		"stage", stage,
		"group", group,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogProcessingStep logs one step of external processing inside a stage.
func LogProcessingStep(logger *slog.Logger, stage, step, status string, details map[string]any) {
	logger.Info("processing step",
		"stage", stage,
		"step", step,
		"status", status,
		"details", details,
	)
}
