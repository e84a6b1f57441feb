package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/events"
	"github.com/vzahanych/plant-curator/internal/ingest"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/state"
)

type fakeScorer struct{}

func (fakeScorer) Score(ctx context.Context, data []byte) (float64, error) { return 0.8, nil }

// fakeEmbedder hands out orthogonal vectors so no two crops look alike.
type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(ctx context.Context, data []byte) ([]float64, error) {
	v := make([]float64, 8)
	v[f.calls%8] = 1
	f.calls++
	return v, nil
}

type fakeJudge struct{}

func (fakeJudge) Ask(ctx context.Context, prompt string, image []byte) (string, error) {
	if prompt == config.DefaultIdentificationPrompt {
		return `{"common_name": "Maple", "scientific_name": "Acer", "plant_type": "tree", "confidence": 80}`, nil
	}
	return "answer: yes, score: 82", nil
}

type fakeHistory struct {
	started  []state.Run
	finished map[string]string
	stages   []string
	plants   map[string]int
	lastErr  error
}

func (h *fakeHistory) StartRun(ctx context.Context, run state.Run) error {
	h.started = append(h.started, run)
	return nil
}

func (h *fakeHistory) FinishRun(ctx context.Context, id, status string, plantsFound int, runErr error) error {
	if h.finished == nil {
		h.finished = make(map[string]string)
		h.plants = make(map[string]int)
	}
	h.finished[id] = status
	h.plants[id] = plantsFound
	h.lastErr = runErr
	return nil
}

func (h *fakeHistory) RecordStage(ctx context.Context, runID string, s state.StageRecord) error {
	h.stages = append(h.stages, s.Stage)
	return nil
}

func checkerboard(size int, amp uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 128 - amp
			if (x/2+y/2)%2 == 0 {
				v = 128 + amp
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

type object struct {
	TrackID    int       `json:"track_id"`
	ClassID    int       `json:"class_id"`
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	CropPath   string    `json:"crop_path"`
}

type frame struct {
	Frame   int      `json:"frame"`
	Objects []object `json:"objects"`
}

// writeScenario writes a detection log with three tracks: two stable
// four-detection tracks far apart in the frame and one single-detection track.
func writeScenario(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "crops"), 0755))

	writeCrop := func(track, frameIdx int, amp uint8) string {
		rel := filepath.Join("crops", fmt.Sprintf("t%d_f%d.png", track, frameIdx))
		f, err := os.Create(filepath.Join(dir, rel))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, checkerboard(120, amp)))
		require.NoError(t, f.Close())
		return rel
	}

	var frames []frame
	for _, fi := range []int{0, 20, 40, 60} {
		fr := frame{Frame: fi}
		fr.Objects = append(fr.Objects,
			object{TrackID: 1, ClassID: 58, BBox: []float64{100, 100, 300, 300}, Confidence: 0.8, CropPath: writeCrop(1, fi, 60)},
			object{TrackID: 2, ClassID: 58, BBox: []float64{1500, 700, 1700, 900}, Confidence: 0.7, CropPath: writeCrop(2, fi, 50)},
		)
		if fi == 20 {
			fr.Objects = append(fr.Objects,
				object{TrackID: 3, ClassID: 58, BBox: []float64{800, 400, 1000, 600}, Confidence: 0.9, CropPath: writeCrop(3, fi, 40)})
		}
		frames = append(frames, fr)
	}

	doc := map[string]interface{}{
		"video_source": "garden_walk.mp4",
		"fps":          30,
		"frame_width":  1920,
		"frame_height": 1080,
		"frames":       frames,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "detections.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Pipeline.OutputDir = t.TempDir()
	cfg.Validation.APIEndpoint = "http://judge.local/generate"
	cfg.Validation.RequestDelay = 0
	return cfg
}

func newPipeline(cfg *config.Config, h History, bus events.Publisher) *Pipeline {
	models := Models{Embedder: &fakeEmbedder{}, Scorer: fakeScorer{}, Judge: fakeJudge{}}
	return New(cfg, models, h, bus, logger.NewNopLogger())
}

func TestNewRunID(t *testing.T) {
	id := NewRunID(time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^run_20260501T083000Z_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewRunID(time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)))
}

func TestPipeline_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	history := &fakeHistory{}
	bus := events.NewEventBus(200, nil)
	defer bus.Close()
	all := bus.SubscribeAll()

	rep, err := newPipeline(cfg, history, bus).Run(context.Background(), Input{DetectionsPath: writeScenario(t)})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rep.Status)
	assert.Equal(t, "garden_walk.mp4", rep.VideoSource)

	flow := rep.Metrics.DataFlow
	assert.Equal(t, 9, flow.InitialDetections)
	assert.Equal(t, 2, flow.ValidTracks)
	assert.Equal(t, 2, flow.SelectedCrops)
	assert.Equal(t, 2, flow.UniqueCrops)
	assert.Equal(t, 2, flow.HighQualityCrops)
	assert.LessOrEqual(t, flow.ValidatedPlants, 2)
	assert.Equal(t, 2, flow.ValidatedPlants)
	assert.Len(t, rep.StageMetrics, len(Stages))

	layout := NewLayout(cfg.Pipeline.OutputDir, rep.RunID)
	for _, stage := range Stages {
		assert.FileExists(t, layout.StageResults(stage))
	}
	assert.FileExists(t, filepath.Join(layout.ImageDir(StageIntraTrack), "selected_track_1.jpg"))
	assert.FileExists(t, filepath.Join(layout.ImageDir(StageValidation), "validated_track_2.jpg"))
	assert.NoFileExists(t, filepath.Join(layout.ImageDir(StageIntraTrack), "selected_track_3.jpg"))
	assert.FileExists(t, layout.PlantSummary())
	assert.FileExists(t, layout.SummaryFile(CompleteResultsFile))

	data, err := os.ReadFile(layout.SummaryFile(DetectionSummaryFile))
	require.NoError(t, err)
	var summary DetectionSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, rep.RunID, summary.SessionInfo.RunID)
	assert.Equal(t, 2, summary.DetectionSummary.TotalPlantsFound)
	assert.Equal(t, map[string]int{"tree": 2}, summary.DetectionSummary.PlantTypesDetected)
	require.Len(t, summary.DetectedPlants, 2)
	assert.Equal(t, 1, summary.DetectedPlants[0].TrackID)
	assert.Equal(t, "Maple", summary.DetectedPlants[0].CommonName)
	assert.Equal(t, filepath.Join(layout.ImageDir(StageValidation), "validated_track_1.jpg"), summary.DetectedPlants[0].ImagePath)

	require.Len(t, history.started, 1)
	assert.Equal(t, "garden_walk.mp4", history.started[0].VideoSource)
	assert.Equal(t, state.RunStatusCompleted, history.finished[rep.RunID])
	assert.Equal(t, 2, history.plants[rep.RunID])
	assert.Equal(t, Stages, history.stages)

	var types []events.EventType
	for len(all) > 0 {
		types = append(types, (<-all).Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeRunStarted, types[0])
	assert.Equal(t, events.EventTypeRunCompleted, types[len(types)-1])
	assert.Contains(t, types, events.EventTypeValidationProgress)
}

func TestPipeline_WithoutCopiesOrIntermediates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.CopyStageImages = false
	cfg.Pipeline.SaveIntermediateResults = false
	detections := writeScenario(t)

	history := &fakeHistory{}
	rep, err := newPipeline(cfg, history, nil).Run(context.Background(), Input{DetectionsPath: detections, VideoSource: "override.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "override.mp4", rep.VideoSource)
	require.Len(t, history.started, 1)
	assert.Equal(t, "override.mp4", history.started[0].VideoSource)

	layout := NewLayout(cfg.Pipeline.OutputDir, rep.RunID)
	assert.NoFileExists(t, layout.StageResults(StageTrackFilter))
	assert.NoDirExists(t, layout.ImageDir(StageIntraTrack))
	assert.FileExists(t, layout.SummaryFile(CompleteResultsFile))

	require.NotNil(t, rep.Summary)
	for _, p := range rep.Summary.DetectedPlants {
		assert.Equal(t, filepath.Dir(detections), filepath.Dir(filepath.Dir(p.ImagePath)), "plants point at the source crops")
	}
}

func TestPipeline_FailureIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	detections := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(detections, []byte(`{"video_source": "x.mp4", "frames": []}`), 0644))

	history := &fakeHistory{}
	bus := events.NewEventBus(50, nil)
	defer bus.Close()
	failed := bus.Subscribe(events.EventTypeRunFailed)

	rep, err := newPipeline(cfg, history, bus).Run(context.Background(), Input{DetectionsPath: detections})
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrNoUsableFrames)
	assert.Contains(t, err.Error(), "stage ingest")

	require.NotNil(t, rep)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, StageIngest, rep.FailedStage)

	data, err := os.ReadFile(NewLayout(cfg.Pipeline.OutputDir, rep.RunID).SummaryFile(CompleteResultsFile))
	require.NoError(t, err)
	var persisted Report
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, StatusFailed, persisted.Status)
	assert.NotEmpty(t, persisted.Error)

	assert.Equal(t, state.RunStatusFailed, history.finished[rep.RunID])
	assert.True(t, errors.Is(history.lastErr, ingest.ErrNoUsableFrames))
	assert.Len(t, failed, 1)
}

func TestPipeline_MissingLog(t *testing.T) {
	cfg := testConfig(t)
	_, err := newPipeline(cfg, nil, nil).Run(context.Background(), Input{DetectionsPath: filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}

func TestPipeline_Cancelled(t *testing.T) {
	cfg := testConfig(t)
	detections := writeScenario(t)
	history := &fakeHistory{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newPipeline(cfg, history, nil).Run(ctx, Input{DetectionsPath: detections})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, state.RunStatusFailed, history.finished[rep.RunID])
}

type rejectingJudge struct{}

func (rejectingJudge) Ask(ctx context.Context, prompt string, image []byte) (string, error) {
	return "answer: no, score: 10", nil
}

func readSummaries(t *testing.T, layout Layout) (validationTotal int, run DetectionSummary, complete Report) {
	t.Helper()
	var plant struct {
		Total int `json:"total_plants_found"`
	}
	data, err := os.ReadFile(layout.PlantSummary())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &plant))

	data, err = os.ReadFile(layout.SummaryFile(DetectionSummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &run))

	data, err = os.ReadFile(layout.SummaryFile(CompleteResultsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &complete))
	return plant.Total, run, complete
}

func TestRevalidate(t *testing.T) {
	cfg := testConfig(t)
	history := &fakeHistory{}
	rep, err := newPipeline(cfg, history, nil).Run(context.Background(), Input{DetectionsPath: writeScenario(t)})
	require.NoError(t, err)
	require.Equal(t, 2, history.plants[rep.RunID])
	layout := NewLayout(cfg.Pipeline.OutputDir, rep.RunID)

	res, err := Revalidate(context.Background(), cfg, rejectingJudge{}, nil, history, logger.NewNopLogger(), layout)
	require.NoError(t, err)
	assert.Empty(t, res.Validated)
	assert.Len(t, res.Results, 2)
	assert.Equal(t, 0, res.Summary.TotalPlantsFound)
	assert.FileExists(t, layout.StageResults(StageValidation))

	stageTotal, runSummary, complete := readSummaries(t, layout)
	assert.Equal(t, 0, stageTotal)
	assert.Equal(t, stageTotal, runSummary.DetectionSummary.TotalPlantsFound)
	assert.Empty(t, runSummary.DetectedPlants)
	assert.Equal(t, StatusCompleted, complete.Status)
	require.NotNil(t, complete.Metrics)
	assert.Equal(t, 0, complete.Metrics.DataFlow.ValidatedPlants)
	assert.Equal(t, 2, complete.Metrics.DataFlow.HighQualityCrops)
	assert.Equal(t, "garden_walk.mp4", complete.VideoSource)

	entries, err := os.ReadDir(layout.ImageDir(StageValidation))
	if err == nil {
		assert.Empty(t, entries)
	} else {
		assert.ErrorIs(t, err, os.ErrNotExist)
	}

	assert.Equal(t, state.RunStatusCompleted, history.finished[rep.RunID])
	assert.Equal(t, 0, history.plants[rep.RunID])
}

func TestRevalidate_AcceptsAgain(t *testing.T) {
	cfg := testConfig(t)
	rep, err := newPipeline(cfg, nil, nil).Run(context.Background(), Input{DetectionsPath: writeScenario(t)})
	require.NoError(t, err)
	layout := NewLayout(cfg.Pipeline.OutputDir, rep.RunID)

	_, err = Revalidate(context.Background(), cfg, rejectingJudge{}, nil, nil, logger.NewNopLogger(), layout)
	require.NoError(t, err)
	res, err := Revalidate(context.Background(), cfg, fakeJudge{}, nil, nil, logger.NewNopLogger(), layout)
	require.NoError(t, err)
	assert.Len(t, res.Validated, 2)

	stageTotal, runSummary, _ := readSummaries(t, layout)
	assert.Equal(t, 2, stageTotal)
	assert.Equal(t, 2, runSummary.DetectionSummary.TotalPlantsFound)
	require.Len(t, runSummary.DetectedPlants, 2)
	assert.FileExists(t, runSummary.DetectedPlants[0].ImagePath)
}

func TestRevalidate_MissingQualityResults(t *testing.T) {
	cfg := testConfig(t)
	layout := NewLayout(cfg.Pipeline.OutputDir, "run_missing")

	_, err := Revalidate(context.Background(), cfg, fakeJudge{}, nil, nil, logger.NewNopLogger(), layout)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
