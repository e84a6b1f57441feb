package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/logger"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := config.StateConfig{DBPath: filepath.Join(t.TempDir(), "db", "runs.db")}
	mgr, err := NewManager(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestNewManager(t *testing.T) {
	mgr := setupTestManager(t)

	if mgr.db.GetDB() == nil {
		t.Fatal("Database should be initialized")
	}
	if mgr.db.Path() == "" {
		t.Fatal("Database path should be recorded")
	}
}

func TestManager_RunLifecycle(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	err := mgr.StartRun(ctx, Run{
		ID:             "run_1",
		VideoSource:    "garden.mp4",
		DetectionsPath: "/data/detections.json",
		StartedAt:      started,
		OutputDir:      "/out/run_1",
	})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	run, err := mgr.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("Expected status %q, got %q", RunStatusRunning, run.Status)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("Expected started_at %v, got %v", started, run.StartedAt)
	}
	if run.FinishedAt != nil {
		t.Error("Running run should have no finished_at")
	}

	if err := mgr.FinishRun(ctx, "run_1", RunStatusCompleted, 7, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err = mgr.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != RunStatusCompleted || run.PlantsFound != 7 {
		t.Errorf("Unexpected run after finish: %+v", run)
	}
	if run.FinishedAt == nil {
		t.Error("Finished run should have finished_at")
	}
	if run.Error != "" {
		t.Errorf("Expected no error, got %q", run.Error)
	}
}

func TestManager_FailedRunKeepsError(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.StartRun(ctx, Run{ID: "run_f", DetectionsPath: "d.json", OutputDir: "out"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := mgr.FinishRun(ctx, "run_f", RunStatusFailed, 0, errors.New("similarity: model down")); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err := mgr.GetRun(ctx, "run_f")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != RunStatusFailed || run.Error != "similarity: model down" {
		t.Errorf("Unexpected failed run: %+v", run)
	}
}

func TestManager_RunNotFound(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if _, err := mgr.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
	if err := mgr.FinishRun(ctx, "missing", RunStatusCompleted, 0, nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestManager_ListRuns(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		err := mgr.StartRun(ctx, Run{
			ID:             id,
			DetectionsPath: "d.json",
			OutputDir:      "out/" + id,
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
	}

	runs, err := mgr.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run_c" || runs[1].ID != "run_b" {
		t.Errorf("Expected newest first, got %s, %s", runs[0].ID, runs[1].ID)
	}

	all, err := mgr.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 runs, got %d", len(all))
	}
}

func TestManager_RecordStage(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.StartRun(ctx, Run{ID: "run_s", DetectionsPath: "d.json", OutputDir: "out"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	records := []StageRecord{
		{Stage: "ingest", InputCount: 10, OutputCount: 8, Duration: 1500 * time.Millisecond, CompletedAt: t0},
		{Stage: "track_filter", InputCount: 8, OutputCount: 5, Duration: 20 * time.Millisecond, CompletedAt: t0.Add(time.Second)},
	}
	for _, r := range records {
		if err := mgr.RecordStage(ctx, "run_s", r); err != nil {
			t.Fatalf("RecordStage failed: %v", err)
		}
	}
	// re-recording a stage overwrites it
	records[1].OutputCount = 4
	if err := mgr.RecordStage(ctx, "run_s", records[1]); err != nil {
		t.Fatalf("RecordStage failed: %v", err)
	}

	stages, err := mgr.GetStages(ctx, "run_s")
	if err != nil {
		t.Fatalf("GetStages failed: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("Expected 2 stages, got %d", len(stages))
	}
	if stages[0].Stage != "ingest" || stages[0].Duration != 1500*time.Millisecond {
		t.Errorf("Unexpected first stage: %+v", stages[0])
	}
	if stages[1].OutputCount != 4 {
		t.Errorf("Expected overwritten output count 4, got %d", stages[1].OutputCount)
	}
}

func TestManager_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	mgr, err := NewManager(config.StateConfig{DBPath: path}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := mgr.StartRun(ctx, Run{ID: "run_p", DetectionsPath: "d.json", OutputDir: "out"}); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	mgr.Close()

	mgr, err = NewManager(config.StateConfig{DBPath: path}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.GetRun(ctx, "run_p"); err != nil {
		t.Errorf("Run should survive reopen: %v", err)
	}
}
