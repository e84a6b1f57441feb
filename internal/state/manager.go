// Package state keeps the history of pipeline runs in SQLite.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/logger"
)

// ErrRunNotFound is returned when a run id is not in the history.
var ErrRunNotFound = errors.New("run not found")

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one row of the run history
type Run struct {
	ID             string     `json:"id"`
	VideoSource    string     `json:"video_source,omitempty"`
	DetectionsPath string     `json:"detections_path"`
	FramesDir      string     `json:"frames_dir,omitempty"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	PlantsFound    int        `json:"plants_found"`
	OutputDir      string     `json:"output_dir"`
	Error          string     `json:"error,omitempty"`
}

// StageRecord holds timing and counts of one completed stage
type StageRecord struct {
	Stage       string        `json:"stage"`
	InputCount  int           `json:"input_count"`
	OutputCount int           `json:"output_count"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Manager manages the run history
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens (creating if needed) the history database at cfg.DBPath
func NewManager(cfg config.StateConfig, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	m := &Manager{
		db:     db,
		logger: log.Named("state"),
	}
	m.logger.Debug("Run history opened", "path", db.Path())
	return m, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// StartRun records a new run in the running state
func (m *Manager) StartRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO runs (id, video_source, detections_path, frames_dir, status, started_at, output_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		run.ID, run.VideoSource, run.DetectionsPath, run.FramesDir,
		run.Status, run.StartedAt.UTC(), run.OutputDir,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	m.logger.Debug("Run recorded", "run_id", run.ID)
	return nil
}

// FinishRun marks a run completed or failed
func (m *Manager) FinishRun(ctx context.Context, id, status string, plantsFound int, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	res, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, plants_found = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC(), plantsFound, errText, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordStage stores the timing of one stage of a run
func (m *Manager) RecordStage(ctx context.Context, runID string, stage StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stage.CompletedAt.IsZero() {
		stage.CompletedAt = time.Now()
	}

	query := `
		INSERT INTO run_stages (run_id, stage, input_count, output_count, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			input_count = excluded.input_count,
			output_count = excluded.output_count,
			duration_ms = excluded.duration_ms,
			completed_at = excluded.completed_at
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		runID, stage.Stage, stage.InputCount, stage.OutputCount,
		stage.Duration.Milliseconds(), stage.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage: %w", err)
	}
	return nil
}

// GetRun returns one run by id
func (m *Manager) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, `
		SELECT id, video_source, detections_path, frames_dir, status, started_at,
		       finished_at, plants_found, output_dir, error
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 means 50.
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := m.db.GetDB().QueryContext(ctx, `
		SELECT id, video_source, detections_path, frames_dir, status, started_at,
		       finished_at, plants_found, output_dir, error
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetStages returns the recorded stages of a run in completion order
func (m *Manager) GetStages(ctx context.Context, runID string) ([]StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx, `
		SELECT stage, input_count, output_count, duration_ms, completed_at
		FROM run_stages
		WHERE run_id = ?
		ORDER BY completed_at ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stages: %w", err)
	}
	defer rows.Close()

	stages := make([]StageRecord, 0)
	for rows.Next() {
		var s StageRecord
		var ms int64
		if err := rows.Scan(&s.Stage, &s.InputCount, &s.OutputCount, &ms, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		s.Duration = time.Duration(ms) * time.Millisecond
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var video, frames, errText sql.NullString
	var finished sql.NullTime
	if err := s.Scan(&run.ID, &video, &run.DetectionsPath, &frames, &run.Status, &run.StartedAt,
		&finished, &run.PlantsFound, &run.OutputDir, &errText); err != nil {
		return nil, err
	}
	run.VideoSource = video.String
	run.FramesDir = frames.String
	run.Error = errText.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
