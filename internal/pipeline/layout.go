package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/plant-curator/internal/imaging"
	"github.com/vzahanych/plant-curator/internal/records"
)

// Stage names, also used for directory and result file names.
const (
	StageIngest      = "ingest"
	StageTrackFilter = "track_filter"
	StageIntraTrack  = "intra_track"
	StageSimilarity  = "similarity"
	StageQuality     = "quality"
	StageValidation  = "validation"
)

// Stages lists the stages in execution order.
var Stages = []string{StageIngest, StageTrackFilter, StageIntraTrack, StageSimilarity, StageQuality, StageValidation}

// Image sub-directories and file prefixes of the stages that copy crops.
var stageImages = map[string]struct{ dir, prefix string }{
	StageIntraTrack: {"selected_crops", "selected_track"},
	StageSimilarity: {"unique_crops", "unique_track"},
	StageQuality:    {"high_quality_crops", "high_quality_track"},
	StageValidation: {"validated_crops", "validated_track"},
}

// Names of the summary documents.
const (
	CompleteResultsFile  = "complete_pipeline_results.json"
	DetectionSummaryFile = "plant_detection_summary.json"
	PlantSummaryFile     = "plant_summary.json"
)

// NewRunID returns run_<UTC timestamp>_<random suffix>.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
}

// Layout is the directory tree of one run.
type Layout struct {
	Root string
}

// NewLayout places a run under outputDir.
func NewLayout(outputDir, runID string) Layout {
	return Layout{Root: filepath.Join(outputDir, runID)}
}

// Create makes the run directory, every stage directory and the summary
// directory.
func (l Layout) Create() error {
	for _, stage := range Stages {
		if err := os.MkdirAll(l.StageDir(stage), 0755); err != nil {
			return fmt.Errorf("failed to create stage directory: %w", err)
		}
	}
	if err := os.MkdirAll(l.SummaryDir(), 0755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	return nil
}

// StageDir returns stage_<name>.
func (l Layout) StageDir(stage string) string {
	return filepath.Join(l.Root, "stage_"+stage)
}

// StageResults returns the path of <stage>_results.json.
func (l Layout) StageResults(stage string) string {
	return filepath.Join(l.StageDir(stage), stage+"_results.json")
}

// ImageDir returns the directory a stage copies its surviving crops into, or
// "" for stages that copy nothing.
func (l Layout) ImageDir(stage string) string {
	img, ok := stageImages[stage]
	if !ok {
		return ""
	}
	return filepath.Join(l.StageDir(stage), img.dir)
}

// PlantSummary returns the path of the validation stage's plant summary.
func (l Layout) PlantSummary() string {
	return filepath.Join(l.StageDir(StageValidation), PlantSummaryFile)
}

// SummaryDir returns the summary directory.
func (l Layout) SummaryDir() string {
	return filepath.Join(l.Root, "summary")
}

// SummaryFile returns a path inside the summary directory.
func (l Layout) SummaryFile(name string) string {
	return filepath.Join(l.SummaryDir(), name)
}

// writeJSON writes v as indented JSON, creating parent directories.
func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// copyCrops copies each crop into the stage's image directory as
// <prefix>_<track id>.jpg and points the returned crops at the copies.
func (l Layout) copyCrops(stage string, crops []records.Crop) ([]records.Crop, error) {
	dir := l.ImageDir(stage)
	if dir == "" {
		return crops, nil
	}
	prefix := stageImages[stage].prefix

	out := make([]records.Crop, len(crops))
	for i, c := range crops {
		name := fmt.Sprintf("%s_%d.jpg", prefix, c.TrackID)
		dst := filepath.Join(dir, name)
		if err := imaging.CopyFile(c.Path, dst); err != nil {
			return nil, fmt.Errorf("failed to copy crop of track %d: %w", c.TrackID, err)
		}
		c.Path = dst
		c.FileName = name
		out[i] = c
	}
	return out, nil
}
