package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"stackengine/internal/classify"
	"stackengine/internal/config"
	"stackengine/internal/engine"
	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
	"stackengine/internal/server"
	"stackengine/internal/storage"
	"stackengine/internal/tasks"

	"github.com/spf13/cobra"
)

type toolStatusFunc func(*config.Config) map[string]tasks.ToolStatus

type serverFunc func(ctx context.Context, addr string, session *engine.Session, store *storage.Store, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, session *engine.Session, store *storage.Store, log *slog.Logger) error {
	return server.NewServer(addr, session, store, log).Start(ctx)
}

func defaultToolStatus(cfg *config.Config) map[string]tasks.ToolStatus {
	return tasks.NewToolManager(cfg).Status()
}

// Root wires CLI commands to a session.
type Root struct {
	session    *engine.Session
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	out        io.Writer
	toolStatus toolStatusFunc
	serveFn    serverFunc
}

// NewRoot constructs the CLI root. store may be nil, in which case the
// history commands report an error.
func NewRoot(session *engine.Session, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		session:    session,
		cfg:        cfg,
		log:        logger,
		store:      store,
		out:        os.Stdout,
		toolStatus: defaultToolStatus,
		serveFn:    defaultServe,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// inputs are the frame sources shared by add, groups, check and run.
type inputs struct {
	bias     []string
	dark     []string
	flat     []string
	light    []string
	masters  []string
	filter   string
	binning  int
	exposure float64

	useMaster []string
	exclude   []string
	filterSet bool
}

func (in *inputs) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVar(&in.bias, "bias", nil, "bias frames or directory (repeatable)")
	f.StringArrayVar(&in.dark, "dark", nil, "dark frames or directory (repeatable)")
	f.StringArrayVar(&in.flat, "flat", nil, "flat frames or directory (repeatable)")
	f.StringArrayVar(&in.light, "light", nil, "light frames or directory (repeatable)")
	f.StringArrayVar(&in.masters, "master", nil, "pre-built master frame, class read from the file (repeatable)")
	f.StringVar(&in.filter, "filter", "", "force the filter name instead of reading it from the files")
	f.IntVar(&in.binning, "binning", 0, "force the binning (0 reads it from the files)")
	f.Float64Var(&in.exposure, "exposure", 0, "force the exposure in seconds (0 reads it from the files)")
	f.StringSliceVar(&in.useMaster, "use-master", nil, "treat the first frame of every group of these classes as its master")
	f.StringArrayVar(&in.exclude, "exclude", nil, "drop a file from the session after loading (repeatable)")
}

// parsed records which optional hints were set on the command line.
func (in *inputs) parsed(cmd *cobra.Command) {
	in.filterSet = cmd.Flags().Changed("filter")
}

func (in *inputs) hints(class frames.Class) classify.Hints {
	h := classify.Unforced()
	h.Class = class
	h.Binning = in.binning
	h.Exposure = in.exposure
	if in.filterSet {
		h.Filter = in.filter
	}
	return h
}

// source is one path to add with its hints.
type source struct {
	path   string
	hints  classify.Hints
	master bool
}

func (in *inputs) sources(args []string) []source {
	var out []source
	add := func(paths []string, class frames.Class, master bool) {
		for _, p := range paths {
			out = append(out, source{path: p, hints: in.hints(class), master: master})
		}
	}
	add(in.bias, frames.Bias, false)
	add(in.dark, frames.Dark, false)
	add(in.flat, frames.Flat, false)
	add(in.light, frames.Light, false)
	add(in.masters, frames.Unknown, true)
	add(args, frames.Unknown, false)
	return out
}

// load adds every source to the session. report is called for each file
// that was examined. It returns the number of files that could not be
// added.
func (r *Root) load(ctx context.Context, srcs []source, report func(path string, g *frames.Group, err error)) (int, error) {
	failed := 0
	for _, src := range srcs {
		files := []string{src.path}
		if fsutil.IsDir(src.path) {
			list, err := fsutil.ListFrames(src.path)
			if err != nil {
				return failed, fmt.Errorf("list %s: %w", src.path, err)
			}
			files = list
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return failed, err
			}
			g, err := r.session.AddFile(ctx, f, src.hints, src.master)
			if err != nil {
				failed++
				r.log.Warn("frame not added", "file", f, "error", err)
			}
			if report != nil {
				report(f, g, err)
			}
		}
	}
	return failed, nil
}

// loadQuiet adds all sources, logging skipped files.
func (r *Root) loadQuiet(ctx context.Context, srcs []source) error {
	if len(srcs) == 0 {
		return nil
	}
	failed, err := r.load(ctx, srcs, nil)
	if err != nil {
		return err
	}
	if failed > 0 {
		r.printf("%d file(s) skipped, see log for details\n", failed)
	}
	return nil
}

// edit applies the master toggles from the configuration and from
// --use-master, then removes the --exclude paths.
func (r *Root) edit(in *inputs) error {
	classes, err := classList(in.useMaster)
	if err != nil {
		return err
	}
	classes = append(append([]frames.Class(nil), r.cfg.Processing.UseFirstAsMaster...), classes...)
	for _, c := range classes {
		if err := r.session.UpdateMasterFlags(c, true); err != nil {
			return err
		}
	}
	for _, p := range in.exclude {
		ok, err := r.session.RemoveFile(p)
		if err != nil {
			return err
		}
		if !ok {
			r.printf("%s is not part of the session\n", p)
		}
	}
	return nil
}

// prepare loads the inputs and applies the edits.
func (r *Root) prepare(ctx context.Context, in *inputs, args []string) error {
	if err := r.loadQuiet(ctx, in.sources(args)); err != nil {
		return err
	}
	return r.edit(in)
}

func classList(names []string) ([]frames.Class, error) {
	var out []frames.Class
	for _, n := range names {
		c := frames.ParseClass(n)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown frame class %q (want bias, dark, flat or light)", n)
		}
		out = append(out, c)
	}
	return out, nil
}

var errNoStore = errors.New("run history is not available: no database configured")
