package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"stackengine/internal/classify"
	"stackengine/internal/config"
	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
)

// Event statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusWarning   = "warning"
)

// Event reports pipeline progress to subscribers.
type Event struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id,omitempty"`
	Stage   string    `json:"stage"`
	Group   string    `json:"group,omitempty"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
}

// Recorder persists finished runs. storage.Store implements it.
type Recorder interface {
	RecordRun(res *RunResult) error
}

// Session owns the frame registry of one stacking project and drives the
// pipeline over it. All state lives here; there is no package-level engine.
type Session struct {
	cfg        *config.Config
	classifier *classify.Classifier
	svc        Services
	recorder   Recorder
	log        *slog.Logger

	mu        sync.Mutex
	reg       *frames.Registry
	running   bool
	subs      map[int]chan Event
	nextSubID int
}

// NewSession creates a session. classifier may be nil when every file is
// added with fully forced hints; recorder may be nil.
func NewSession(cfg *config.Config, classifier *classify.Classifier, svc Services, recorder Recorder, logger *slog.Logger) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = classify.New(nil, logger)
	}
	return &Session{
		cfg:        cfg,
		classifier: classifier,
		svc:        svc,
		recorder:   recorder,
		log:        logger,
		reg:        frames.NewRegistry(cfg.Processing.DarkTolerance),
		subs:       make(map[int]chan Event),
	}
}

// Config returns the session configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Registry returns a snapshot of the current registry.
func (s *Session) Registry() *frames.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Snapshot()
}

// Groups returns a snapshot of the live groups.
func (s *Session) Groups() []*frames.Group {
	return s.Registry().Groups()
}

// AddFile classifies path and places it in the registry. Duplicate and
// missing paths are rejected before classification. Paths are stored in
// absolute form so one file cannot enter the session twice under different
// spellings. Files cannot be added while a run is in progress.
func (s *Session) AddFile(ctx context.Context, path string, hints classify.Hints, master bool) (*frames.Group, error) {
	path = absPath(path)

	s.mu.Lock()
	err := s.checkAddable(path)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !fsutil.Exists(path) {
		return nil, &MissingFileError{Path: path}
	}

	res, err := s.classifier.Classify(ctx, path, hints)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The lock was released for classification.
	if err := s.checkAddable(path); err != nil {
		return nil, err
	}
	g := s.reg.AddFile(frames.NewFileItem(path, res.Exposure), res.Class, res.Filter, res.Binning, res.Exposure, master)
	s.log.Debug("frame added", "file", path, "group", g.Name(), "master", master)
	return g.Clone(), nil
}

// checkAddable must be called with s.mu held.
func (s *Session) checkAddable(path string) error {
	if s.running {
		return ErrRunInProgress
	}
	if s.reg.HasFile(path) {
		return &DuplicateFileError{Path: path}
	}
	return nil
}

// absPath cleans path and makes it absolute when the working directory is
// known.
func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// AddDirectory adds every frame file under dir. Per-file failures are
// collected and do not stop the walk.
func (s *Session) AddDirectory(ctx context.Context, dir string, hints classify.Hints, master bool) (int, []error) {
	files, err := fsutil.ListFrames(dir)
	if err != nil {
		return 0, []error{fmt.Errorf("list %s: %w", dir, err)}
	}
	added := 0
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.AddFile(ctx, f, hints, master); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	return added, errs
}

// RemoveFile drops a file and compacts the registry. It reports whether
// the file was part of the session.
func (s *Session) RemoveFile(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false, ErrRunInProgress
	}
	ok := s.reg.RemoveFile(absPath(path))
	if ok {
		s.reg.PurgeRemovedElements()
	}
	return ok, nil
}

// DeleteFrameSet removes every group of class.
func (s *Session) DeleteFrameSet(class frames.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.reg.DeleteFrameSet(class)
	return nil
}

// UpdateMasterFlags marks every group of class as holding a master in its
// first frame, or clears the flag.
func (s *Session) UpdateMasterFlags(class frames.Class, useAsMaster bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.reg.UpdateMasterFlags(class, useAsMaster)
	return nil
}

// Clear empties the registry.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.reg.Clear()
	return nil
}

// Subscribe returns a channel of pipeline events and an unsubscribe function.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	unsub := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.mu.Unlock()
	}
	return ch, unsub
}

func (s *Session) broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event channel full", "subscriber", id, "stage", ev.Stage)
		}
	}
}

// ErrRunInProgress is returned when a second run is started concurrently
// or the registry is modified while a run owns it.
var ErrRunInProgress = errors.New("a pipeline run is already in progress")

func (s *Session) beginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.running = true
	return nil
}

func (s *Session) endRun() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// commit replaces the registry with the output of a finished stage. The
// mutators refuse to run while s.running is set, so no concurrent change is
// lost.
func (s *Session) commit(reg *frames.Registry) {
	s.mu.Lock()
	s.reg = reg
	s.mu.Unlock()
}
