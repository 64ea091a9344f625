package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stackengine/internal/engine"
	"stackengine/internal/frames"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for runs and master frames.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            started_at TIMESTAMP NOT NULL,
            finished_at TIMESTAMP NOT NULL,
            reference TEXT,
            warning_count INTEGER,
            error_message TEXT,
            result_json TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS stage_results (
            run_id TEXT NOT NULL,
            stage TEXT NOT NULL,
            duration_ms INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS master_frames (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            class TEXT NOT NULL,
            group_name TEXT NOT NULL,
            filter TEXT,
            binning INTEGER,
            exposure REAL,
            frame_count INTEGER,
            path TEXT NOT NULL,
            library_path TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_master_frames_class ON master_frames(class);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord is the summary row of a persisted run.
type RunRecord struct {
	ID         string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Reference  string
	Warnings   int
	Error      string
}

// MasterRecord is one master frame in the library.
type MasterRecord struct {
	RunID       string
	Class       frames.Class
	Group       string
	Filter      string
	Binning     int
	Exposure    float64
	Frames      int
	Path        string
	LibraryPath string
	CreatedAt   time.Time
}

// RecordRun persists a finished run with its stages and masters. It
// implements engine.Recorder.
func (s *Store) RecordRun(res *engine.RunResult) error {
	if s == nil {
		return nil
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	status := "completed"
	if !res.Succeeded() {
		status = "failed"
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO pipeline_runs (id, status, started_at, finished_at, reference, warning_count, error_message, result_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		res.ID, status, res.Started.UTC(), res.Finished.UTC(), res.Reference, len(res.Warnings), res.Error, string(blob)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM stage_results WHERE run_id=?;`, res.ID); err != nil {
		return err
	}
	for _, st := range res.Stages {
		if _, err := tx.Exec(`INSERT INTO stage_results (run_id, stage, duration_ms, error_message) VALUES (?, ?, ?, ?);`,
			res.ID, st.Stage, st.Duration.Milliseconds(), st.Error); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM master_frames WHERE run_id=?;`, res.ID); err != nil {
		return err
	}
	for _, m := range res.Masters {
		if _, err := tx.Exec(`INSERT INTO master_frames (run_id, class, group_name, filter, binning, exposure, frame_count, path, library_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			res.ID, m.Class.String(), m.Group, m.Filter, m.Binning, m.Exposure, m.Frames, m.Path, m.LibraryPath, res.Finished.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, started_at, finished_at, reference, warning_count, error_message FROM pipeline_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var reference, errorMsg sql.NullString
		var warnings sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.StartedAt, &rec.FinishedAt, &reference, &warnings, &errorMsg); err != nil {
			return nil, err
		}
		rec.Reference = reference.String
		rec.Warnings = int(warnings.Int64)
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run loads the full result of a persisted run.
func (s *Store) Run(id string) (*engine.RunResult, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var blob string
	if err := s.DB.QueryRow(`SELECT result_json FROM pipeline_runs WHERE id=?;`, id).Scan(&blob); err != nil {
		return nil, err
	}
	var res engine.RunResult
	if err := json.Unmarshal([]byte(blob), &res); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &res, nil
}

// Masters lists library entries, newest first. A class of frames.Unknown
// returns every class.
func (s *Store) Masters(class frames.Class, limit int) ([]MasterRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT run_id, class, group_name, filter, binning, exposure, frame_count, path, library_path, created_at FROM master_frames`
	args := []any{}
	if class != frames.Unknown {
		query += ` WHERE class=?`
		args = append(args, class.String())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MasterRecord
	for rows.Next() {
		var rec MasterRecord
		var className string
		var filter, library sql.NullString
		if err := rows.Scan(&rec.RunID, &className, &rec.Group, &filter, &rec.Binning, &rec.Exposure, &rec.Frames, &rec.Path, &library, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Class = frames.ParseClass(className)
		rec.Filter = filter.String
		rec.LibraryPath = library.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
