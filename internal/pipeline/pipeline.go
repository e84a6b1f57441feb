// Package pipeline runs the curation stages in order over one detection log
// and persists every stage's output under a per-run directory.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vzahanych/plant-curator/internal/ai"
	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/events"
	"github.com/vzahanych/plant-curator/internal/ingest"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/quality"
	"github.com/vzahanych/plant-curator/internal/records"
	"github.com/vzahanych/plant-curator/internal/selection"
	"github.com/vzahanych/plant-curator/internal/similarity"
	"github.com/vzahanych/plant-curator/internal/state"
	"github.com/vzahanych/plant-curator/internal/tracks"
	"github.com/vzahanych/plant-curator/internal/validation"
)

// Models bundles the external collaborators used by the stages.
type Models struct {
	Embedder ai.Embedder
	Scorer   ai.QualityScorer
	Judge    ai.Judge
}

// History records runs. *state.Manager implements it.
type History interface {
	StartRun(ctx context.Context, run state.Run) error
	FinishRun(ctx context.Context, id, status string, plantsFound int, runErr error) error
	RecordStage(ctx context.Context, runID string, stage state.StageRecord) error
}

// Input locates the inputs of one run.
type Input struct {
	DetectionsPath string
	FramesDir      string
	VideoSource    string // overrides the log's video_source when set
}

// Pipeline is the orchestrator. It is safe to call Run repeatedly; each call
// gets its own run id and directory.
type Pipeline struct {
	cfg     *config.Config
	models  Models
	history History
	bus     events.Publisher
	logger  *logger.Logger
	now     func() time.Time
}

// New creates a pipeline. history and bus may be nil.
func New(cfg *config.Config, models Models, history History, bus events.Publisher, log *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		models:  models,
		history: history,
		bus:     bus,
		logger:  log.Named("pipeline"),
		now:     time.Now,
	}
}

// run carries the state of one invocation of Run.
type run struct {
	report *Report
	layout Layout
	flow   DataFlow
}

// Run executes every stage. On a stage error the run is marked failed, the
// partial report is persisted and the wrapped error returned together with
// the report.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Report, error) {
	started := p.now()
	runID := NewRunID(started)
	layout := NewLayout(p.cfg.Pipeline.OutputDir, runID)

	r := &run{
		layout: layout,
		report: &Report{
			RunID:          runID,
			DetectionsPath: in.DetectionsPath,
			VideoSource:    in.VideoSource,
			OutputDir:      layout.Root,
			StartedAt:      started,
			StageMetrics:   make(map[string]StageReport),
			StageResults:   make(map[string]interface{}),
		},
	}
	log := p.logger.With("run_id", runID)

	if err := layout.Create(); err != nil {
		return nil, err
	}

	log.Info("Starting pipeline run", "detections", in.DetectionsPath, "frames_dir", in.FramesDir, "output", layout.Root)

	// loaded before the run is recorded so the history carries the video name
	lg, loadErr := ingest.LoadLog(in.DetectionsPath)
	if loadErr == nil && r.report.VideoSource == "" {
		r.report.VideoSource = lg.VideoSource
	}

	if p.history != nil {
		err := p.history.StartRun(ctx, state.Run{
			ID:             runID,
			VideoSource:    r.report.VideoSource,
			DetectionsPath: in.DetectionsPath,
			FramesDir:      in.FramesDir,
			StartedAt:      started,
			OutputDir:      layout.Root,
		})
		if err != nil {
			log.Warn("Failed to record run start", "error", err)
		}
	}
	p.publish(events.EventTypeRunStarted, map[string]interface{}{
		"run_id":     runID,
		"detections": in.DetectionsPath,
	})

	if loadErr != nil {
		r.report.FailedStage = StageIngest
		return r.report, p.fail(ctx, r, loadErr)
	}

	final, err := p.execute(ctx, r, lg, in)
	if err != nil {
		return r.report, p.fail(ctx, r, err)
	}

	rep := r.report
	rep.Status = StatusCompleted
	rep.FinishedAt = p.now()
	rep.Metrics = rep.computeMetrics(r.flow)
	rep.Summary = newDetectionSummary(rep, final.Summary)

	if err := writeJSON(layout.SummaryFile(CompleteResultsFile), rep); err != nil {
		return rep, p.fail(ctx, r, err)
	}
	if err := writeJSON(layout.SummaryFile(DetectionSummaryFile), rep.Summary); err != nil {
		return rep, p.fail(ctx, r, err)
	}

	plants := final.Summary.TotalPlantsFound
	if p.history != nil {
		if err := p.history.FinishRun(ctx, runID, state.RunStatusCompleted, plants, nil); err != nil {
			log.Warn("Failed to record run completion", "error", err)
		}
	}
	p.publish(events.EventTypeRunCompleted, map[string]interface{}{
		"run_id":       runID,
		"plants_found": plants,
		"duration":     rep.FinishedAt.Sub(started).String(),
	})

	log.Info("Pipeline completed",
		"plants_found", plants,
		"duration", rep.FinishedAt.Sub(started),
		"output", layout.Root,
	)
	return rep, nil
}

// execute runs the stages in order and returns the validation result.
func (p *Pipeline) execute(ctx context.Context, r *run, lg *ingest.DetectionLog, in Input) (*validation.Result, error) {
	var ing *ingest.Result
	err := p.stage(ctx, r, StageIngest, len(lg.Frames), func(dir string) (interface{}, int, error) {
		res, err := ingest.New(p.cfg.Detector, p.logger).Run(ctx, lg, ingest.Options{
			FramesDir: in.FramesDir,
			OutputDir: dir,
		})
		if err != nil {
			return nil, 0, err
		}
		ing = res
		r.flow.InitialDetections = res.Metrics.TotalDetections
		r.flow.FilteredDetections = res.Metrics.TrackedDetections
		return res, len(res.Crops), nil
	})
	if err != nil {
		return nil, err
	}

	var admitted []records.Crop
	err = p.stage(ctx, r, StageTrackFilter, len(ing.Crops), func(string) (interface{}, int, error) {
		res, err := tracks.NewGate(p.cfg.Filtering, p.logger).Run(ctx, ing.Detections, ing.Crops)
		if err != nil {
			return nil, 0, err
		}
		admitted = res.Crops
		r.flow.ValidTracks = len(res.ValidTracks)
		return res, len(res.Crops), nil
	})
	if err != nil {
		return nil, err
	}

	var selected []records.Crop
	err = p.stage(ctx, r, StageIntraTrack, len(admitted), func(string) (interface{}, int, error) {
		res, err := selection.NewSelector(p.cfg.Selection, p.models.Scorer, p.logger).Run(ctx, admitted)
		if err != nil {
			return nil, 0, err
		}
		if res.Selected, err = p.copyImages(r, StageIntraTrack, res.Selected); err != nil {
			return nil, 0, err
		}
		selected = res.Selected
		r.flow.SelectedCrops = len(selected)
		return res, len(selected), nil
	})
	if err != nil {
		return nil, err
	}

	var unique []records.Crop
	err = p.stage(ctx, r, StageSimilarity, len(selected), func(string) (interface{}, int, error) {
		res, err := similarity.NewDeduplicator(p.cfg.Similarity, p.models.Embedder, p.logger).Run(ctx, selected)
		if err != nil {
			return nil, 0, err
		}
		if res.Unique, err = p.copyImages(r, StageSimilarity, res.Unique); err != nil {
			return nil, 0, err
		}
		unique = res.Unique
		r.flow.UniqueCrops = len(unique)
		return res, len(unique), nil
	})
	if err != nil {
		return nil, err
	}

	var good []records.Crop
	err = p.stage(ctx, r, StageQuality, len(unique), func(string) (interface{}, int, error) {
		res, err := quality.NewGate(p.cfg.Quality, p.models.Scorer, p.logger).Run(ctx, unique)
		if err != nil {
			return nil, 0, err
		}
		if res.Passed, err = p.copyImages(r, StageQuality, res.Passed); err != nil {
			return nil, 0, err
		}
		good = res.Passed
		r.flow.HighQualityCrops = len(good)
		return res, len(good), nil
	})
	if err != nil {
		return nil, err
	}

	var final *validation.Result
	err = p.stage(ctx, r, StageValidation, len(good), func(string) (interface{}, int, error) {
		res, err := Validate(ctx, p.cfg, p.models.Judge, p.bus, p.logger, good, r.layout)
		if err != nil {
			return nil, 0, err
		}
		final = res
		r.flow.ValidatedPlants = len(res.Validated)
		return res, len(res.Validated), nil
	})
	if err != nil {
		return nil, err
	}

	return final, nil
}

// Validate runs the validation stage alone and writes its image copies and
// plant summary into layout. It backs both the full pipeline and the
// re-validation tool.
func Validate(ctx context.Context, cfg *config.Config, judge ai.Judge, bus events.Publisher, log *logger.Logger, crops []records.Crop, layout Layout) (*validation.Result, error) {
	res, err := validation.NewValidator(cfg.Validation, judge, bus, log).Run(ctx, crops)
	if err != nil {
		return nil, err
	}

	if cfg.Pipeline.CopyStageImages {
		if res.Validated, err = layout.copyCrops(StageValidation, res.Validated); err != nil {
			return nil, err
		}
		res.Summary = validation.Summarize(res.Validated)
	}

	if err := writeJSON(layout.PlantSummary(), res.Summary); err != nil {
		return nil, err
	}
	return res, nil
}

// Revalidate reruns the validation stage of an existing run from its
// persisted quality results. The validated copies, both run summaries and
// the history row are replaced with the new outcome. history may be nil.
func Revalidate(ctx context.Context, cfg *config.Config, judge ai.Judge, bus events.Publisher, history History, log *logger.Logger, layout Layout) (*validation.Result, error) {
	var prior struct {
		Passed []records.Crop `json:"high_quality_crops"`
	}
	if err := readJSON(layout.StageResults(StageQuality), &prior); err != nil {
		return nil, err
	}
	var rep Report
	if err := readJSON(layout.SummaryFile(CompleteResultsFile), &rep); err != nil {
		return nil, err
	}

	log.Info("Re-validating run", "run_id", rep.RunID, "run_dir", layout.Root, "crops", len(prior.Passed))

	// copies of crops accepted by the previous verdicts must not survive
	if err := os.RemoveAll(layout.ImageDir(StageValidation)); err != nil {
		return nil, fmt.Errorf("failed to clear validated crops: %w", err)
	}

	start := time.Now()
	res, err := Validate(ctx, cfg, judge, bus, log, prior.Passed, layout)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if err := writeJSON(layout.StageResults(StageValidation), res); err != nil {
		return nil, err
	}

	flow := DataFlow{HighQualityCrops: len(prior.Passed)}
	if rep.Metrics != nil {
		flow = rep.Metrics.DataFlow
	}
	flow.ValidatedPlants = len(res.Validated)

	if rep.StageMetrics == nil {
		rep.StageMetrics = make(map[string]StageReport)
	}
	if rep.StageResults == nil {
		rep.StageResults = make(map[string]interface{})
	}
	rep.StageResults[StageValidation] = res
	rep.StageMetrics[StageValidation] = StageReport{
		ProcessingSeconds: elapsed.Seconds(),
		Input:             len(prior.Passed),
		Output:            len(res.Validated),
		Metrics:           res.Metrics,
	}
	rep.Status = StatusCompleted
	rep.Error = ""
	rep.FailedStage = ""
	rep.Metrics = rep.computeMetrics(flow)
	rep.Summary = newDetectionSummary(&rep, res.Summary)

	if err := writeJSON(layout.SummaryFile(CompleteResultsFile), &rep); err != nil {
		return nil, err
	}
	if err := writeJSON(layout.SummaryFile(DetectionSummaryFile), rep.Summary); err != nil {
		return nil, err
	}

	if history != nil {
		err := history.FinishRun(ctx, rep.RunID, state.RunStatusCompleted, res.Summary.TotalPlantsFound, nil)
		if err != nil {
			log.Warn("Failed to record re-validation", "run_id", rep.RunID, "error", err)
		}
	}
	return res, nil
}

// stage wraps one stage with timing, events, persistence and history.
func (p *Pipeline) stage(ctx context.Context, r *run, name string, input int, fn func(dir string) (interface{}, int, error)) error {
	if err := ctx.Err(); err != nil {
		r.report.FailedStage = name
		return err
	}

	p.publish(events.EventTypeStageStarted, map[string]interface{}{
		"run_id": r.report.RunID,
		"stage":  name,
		"input":  input,
	})

	start := time.Now()
	result, output, err := fn(r.layout.StageDir(name))
	elapsed := time.Since(start)
	if err != nil {
		r.report.FailedStage = name
		return err
	}

	r.report.StageResults[name] = result
	r.report.StageMetrics[name] = StageReport{
		ProcessingSeconds: elapsed.Seconds(),
		Input:             input,
		Output:            output,
		Metrics:           stageMetrics(result),
	}

	if p.cfg.Pipeline.SaveIntermediateResults {
		if err := writeJSON(r.layout.StageResults(name), result); err != nil {
			r.report.FailedStage = name
			return err
		}
	}

	if p.history != nil {
		err := p.history.RecordStage(ctx, r.report.RunID, state.StageRecord{
			Stage:       name,
			InputCount:  input,
			OutputCount: output,
			Duration:    elapsed,
		})
		if err != nil {
			p.logger.Warn("Failed to record stage", "stage", name, "error", err)
		}
	}

	p.publish(events.EventTypeStageCompleted, map[string]interface{}{
		"run_id":   r.report.RunID,
		"stage":    name,
		"input":    input,
		"output":   output,
		"duration": elapsed.String(),
	})
	return nil
}

func (p *Pipeline) copyImages(r *run, stage string, crops []records.Crop) ([]records.Crop, error) {
	if !p.cfg.Pipeline.CopyStageImages {
		return crops, nil
	}
	return r.layout.copyCrops(stage, crops)
}

// fail marks the run failed, persists the partial report, records the run and
// returns the wrapped error.
func (p *Pipeline) fail(ctx context.Context, r *run, err error) error {
	rep := r.report
	rep.Status = StatusFailed
	rep.Error = err.Error()
	rep.FinishedAt = p.now()

	wrapped := fmt.Errorf("pipeline run %s failed: %w", rep.RunID, err)
	if rep.FailedStage != "" {
		wrapped = fmt.Errorf("pipeline run %s failed at stage %s: %w", rep.RunID, rep.FailedStage, err)
	}

	p.logger.Error("Pipeline failed", "run_id", rep.RunID, "stage", rep.FailedStage, "error", err)

	if werr := writeJSON(r.layout.SummaryFile(CompleteResultsFile), rep); werr != nil {
		p.logger.Error("Failed to persist partial results", "run_id", rep.RunID, "error", werr)
	}

	// the run is recorded even when ctx was cancelled
	bg := context.WithoutCancel(ctx)
	if p.history != nil {
		if herr := p.history.FinishRun(bg, rep.RunID, state.RunStatusFailed, 0, err); herr != nil {
			p.logger.Warn("Failed to record run failure", "run_id", rep.RunID, "error", herr)
		}
	}

	p.publish(events.EventTypeRunFailed, map[string]interface{}{
		"run_id": rep.RunID,
		"stage":  rep.FailedStage,
		"error":  err.Error(),
	})
	return wrapped
}

func (p *Pipeline) publish(t events.EventType, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:      t,
		Source:    "pipeline",
		Timestamp: time.Now(),
		Data:      data,
	})
}

// stageMetrics extracts the metrics block of a stage result.
func stageMetrics(result interface{}) interface{} {
	switch res := result.(type) {
	case *ingest.Result:
		return res.Metrics
	case *tracks.Result:
		return res.Metrics
	case *selection.Result:
		return res.Metrics
	case *similarity.Result:
		return res.Metrics
	case *quality.Result:
		return res.Metrics
	case *validation.Result:
		return res.Metrics
	}
	return nil
}
