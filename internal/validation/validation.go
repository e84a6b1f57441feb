// Package validation asks an external vision-language judge whether each
// high-quality crop is a usable plant photo and, for accepted crops, what
// plant it shows.
package validation

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vzahanych/plant-curator/internal/ai"
	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/events"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/records"
)

// progressEvery is how many completions pass between progress events.
const progressEvery = 10

// APIStats counts logical judge calls. A call that succeeds after retries
// counts once as successful.
type APIStats struct {
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	SuccessRate     float64 `json:"success_rate"`
}

// Metrics summarises one validation run.
type Metrics struct {
	InputImages        int     `json:"input_images"`
	ValidatedImages    int     `json:"validated_images"`
	ValidationPassRate float64 `json:"validation_pass_rate"`
	ProcessingSeconds  float64 `json:"processing_time"`
	ProcessingRate     float64 `json:"processing_rate"`
	Workers            int     `json:"parallel_workers"`
	MinValidationScore int     `json:"min_validation_score"`
}

// RunConfig is the part of the configuration echoed into the results.
type RunConfig struct {
	APIEndpoint               string `json:"api_endpoint"`
	MinValidationScore        int    `json:"min_validation_score"`
	EnablePlantIdentification bool   `json:"enable_plant_identification"`
	EnableParallel            bool   `json:"enable_parallel"`
	MaxWorkers                int    `json:"max_workers"`
}

// Result is the validation output. Validated keeps input order; the summary
// holds the ranked view.
type Result struct {
	Validated       []records.Crop                   `json:"validated_crops"`
	Results         map[int]records.ValidationResult `json:"validation_results"`
	Identifications map[int]records.Identification   `json:"plant_identifications"`
	Summary         Summary                          `json:"summary"`
	Config          RunConfig                        `json:"validation_config"`
	APIStats        APIStats                         `json:"api_statistics"`
	Metrics         Metrics                          `json:"stage_metrics"`
}

// Validator runs the judge over a set of crops, sequentially or with a bounded
// worker pool.
type Validator struct {
	cfg    config.ValidationConfig
	judge  ai.Judge
	bus    events.Publisher
	logger *logger.Logger

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewValidator creates a validator. bus may be nil.
func NewValidator(cfg config.ValidationConfig, judge ai.Judge, bus events.Publisher, log *logger.Logger) *Validator {
	return &Validator{cfg: cfg, judge: judge, bus: bus, logger: log.Named("validation")}
}

// Run validates every crop. Per-crop failures reject the crop; only context
// cancellation aborts the run.
func (v *Validator) Run(ctx context.Context, crops []records.Crop) (*Result, error) {
	v.total.Store(0)
	v.succeeded.Store(0)
	v.failed.Store(0)

	res := &Result{
		Validated:       []records.Crop{},
		Results:         make(map[int]records.ValidationResult, len(crops)),
		Identifications: make(map[int]records.Identification),
		Config: RunConfig{
			APIEndpoint:               v.cfg.APIEndpoint,
			MinValidationScore:        v.cfg.MinValidationScore,
			EnablePlantIdentification: v.cfg.EnablePlantIdentification,
			EnableParallel:            v.cfg.EnableParallel,
			MaxWorkers:                v.cfg.MaxWorkers,
		},
	}

	if len(crops) == 0 {
		v.logger.Warn("No high-quality crops to validate")
		res.Summary = Summarize(nil)
		res.Metrics.MinValidationScore = v.cfg.MinValidationScore
		return res, nil
	}

	start := time.Now()
	workers := 1
	var results []records.ValidationResult
	var err error
	if v.cfg.EnableParallel && len(crops) > 1 {
		workers = v.cfg.MaxWorkers
		if workers < 1 {
			workers = 1
		}
		v.logger.Info("Starting parallel validation", "images", len(crops), "workers", workers)
		results, err = v.runParallel(ctx, crops, workers, start)
	} else {
		v.logger.Info("Starting sequential validation", "images", len(crops))
		results, err = v.runSequential(ctx, crops, start)
	}
	if err != nil {
		return nil, err
	}

	for i, c := range crops {
		r := results[i]
		res.Results[c.TrackID] = r
		if !r.Passed {
			v.logger.Debug("Crop rejected", "track_id", c.TrackID, "score", r.Score, "error", r.Error)
			continue
		}
		accepted := c
		rc := r
		accepted.Validation = &rc
		res.Validated = append(res.Validated, accepted)
		if r.Identification != nil {
			res.Identifications[c.TrackID] = *r.Identification
		}
	}

	elapsed := time.Since(start).Seconds()
	res.Summary = Summarize(res.Validated)
	res.APIStats = v.Stats()
	res.Metrics = Metrics{
		InputImages:        len(crops),
		ValidatedImages:    len(res.Validated),
		ValidationPassRate: float64(len(res.Validated)) / math.Max(1, float64(len(crops))),
		ProcessingSeconds:  elapsed,
		Workers:            workers,
		MinValidationScore: v.cfg.MinValidationScore,
	}
	if elapsed > 0 {
		res.Metrics.ProcessingRate = float64(len(crops)) / elapsed
	}

	v.logger.Info("Validation completed",
		"validated", res.Metrics.ValidatedImages,
		"input", res.Metrics.InputImages,
		"identified", res.Summary.PlantsWithIdentification,
		"api_success_rate", res.APIStats.SuccessRate,
		"duration", time.Since(start),
	)

	return res, nil
}

func (v *Validator) runSequential(ctx context.Context, crops []records.Crop, start time.Time) ([]records.ValidationResult, error) {
	results := make([]records.ValidationResult, len(crops))
	for i, c := range crops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v.logger.Debug("Validating crop", "index", i+1, "total", len(crops), "track_id", c.TrackID)
		results[i] = v.Validate(ctx, c)
		v.progress(i+1, len(crops), start)

		if i < len(crops)-1 {
			if err := sleep(ctx, v.cfg.RequestDelay); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// runParallel fans crops out to a bounded pool. Each goroutine owns its
// result slot; the completion counter drives progress events.
func (v *Validator) runParallel(ctx context.Context, crops []records.Crop, workers int, start time.Time) ([]records.ValidationResult, error) {
	results := make([]records.ValidationResult, len(crops))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range crops {
		if err := gctx.Err(); err != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = v.Validate(gctx, crops[i])
			v.progress(int(completed.Add(1)), len(crops), start)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Validate asks the judge about one crop and, when it is accepted and
// identification is enabled, asks for an identification.
func (v *Validator) Validate(ctx context.Context, c records.Crop) records.ValidationResult {
	var r records.ValidationResult

	image, err := os.ReadFile(c.Path)
	if err != nil {
		r.Error = fmt.Sprintf("read image: %v", err)
		return r
	}

	reply, err := v.ask(ctx, v.cfg.ValidationPrompt, image)
	if err != nil {
		r.Error = fmt.Sprintf("api request failed: %v", err)
		return r
	}
	r.RawResponse = reply

	answer, score, err := ParseVerdict(reply)
	if err != nil {
		r.Error = "parse: " + err.Error()
		return r
	}
	r.Answer = answer
	r.Score = score
	r.Passed = answer && score >= v.cfg.MinValidationScore

	if !r.Passed || !v.cfg.EnablePlantIdentification {
		return r
	}

	if err := sleep(ctx, v.cfg.RequestDelay); err != nil {
		r.IdentificationError = err.Error()
		return r
	}

	idReply, err := v.ask(ctx, v.cfg.IdentificationPrompt, image)
	if err != nil {
		r.IdentificationError = fmt.Sprintf("identification request failed: %v", err)
		return r
	}
	r.IdentificationResponse = idReply

	id, err := ParseIdentification(idReply)
	if err != nil {
		r.IdentificationError = err.Error()
		return r
	}
	r.Identification = id
	return r
}

func (v *Validator) ask(ctx context.Context, prompt string, image []byte) (string, error) {
	v.total.Add(1)
	reply, err := v.judge.Ask(ctx, prompt, image)
	if err != nil {
		v.failed.Add(1)
		return "", err
	}
	v.succeeded.Add(1)
	return reply, nil
}

// Stats returns the judge call counters of the latest run.
func (v *Validator) Stats() APIStats {
	s := APIStats{
		TotalCalls:      v.total.Load(),
		SuccessfulCalls: v.succeeded.Load(),
		FailedCalls:     v.failed.Load(),
	}
	s.SuccessRate = float64(s.SuccessfulCalls) / math.Max(1, float64(s.TotalCalls))
	return s
}

func (v *Validator) progress(done, total int, start time.Time) {
	if done%progressEvery != 0 && done != total {
		return
	}

	elapsed := time.Since(start).Seconds()
	var rate, eta float64
	if elapsed > 0 {
		rate = float64(done) / elapsed
	}
	if rate > 0 {
		eta = float64(total-done) / rate
	}
	percent := float64(done) / float64(total) * 100

	v.logger.Info("Validation progress",
		"completed", done,
		"total", total,
		"percent", fmt.Sprintf("%.1f", percent),
		"rate_per_sec", fmt.Sprintf("%.1f", rate),
		"eta_sec", fmt.Sprintf("%.0f", eta),
	)

	if v.bus == nil {
		return
	}
	v.bus.Publish(events.Event{
		Type:      events.EventTypeValidationProgress,
		Source:    "validation",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"completed":   done,
			"total":       total,
			"percent":     percent,
			"rate":        rate,
			"eta_seconds": eta,
		},
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
