// Package quality applies image-quality checks to deduplicated crops and keeps
// only those passing every enabled check.
package quality

import (
	"context"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"

	"github.com/vzahanych/plant-curator/internal/ai"
	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/imaging"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/records"
)

// Check names as recorded in QualityAssessment.EnabledChecks.
const (
	CheckLearned    = "learned_quality"
	CheckSharpness  = "sharpness"
	CheckBrightness = "brightness"
	CheckContrast   = "contrast"
	CheckResolution = "resolution"
)

// Statistics aggregates metric means and per-check pass rates over every
// assessed crop.
type Statistics struct {
	AvgLearnedQuality  float64 `json:"avg_learned_quality"`
	AvgSharpness       float64 `json:"avg_sharpness_score"`
	AvgBrightness      float64 `json:"avg_brightness"`
	AvgContrast        float64 `json:"avg_contrast"`
	LearnedPassRate    float64 `json:"learned_quality_pass_rate"`
	SharpnessPassRate  float64 `json:"sharpness_pass_rate"`
	BrightnessPassRate float64 `json:"brightness_pass_rate"`
	ContrastPassRate   float64 `json:"contrast_pass_rate"`
	ResolutionPassRate float64 `json:"resolution_pass_rate"`
}

// Metrics summarises one quality run.
type Metrics struct {
	InputImages       int      `json:"input_images"`
	HighQualityImages int      `json:"high_quality_images"`
	QualityPassRate   float64  `json:"quality_pass_rate"`
	EnabledChecks     []string `json:"quality_criteria_used"`
}

// Result is the quality gate output.
type Result struct {
	Passed      []records.Crop                    `json:"high_quality_crops"`
	Assessments map[int]records.QualityAssessment `json:"quality_assessments"`
	Statistics  Statistics                        `json:"quality_statistics"`
	Criteria    config.QualityConfig              `json:"quality_criteria"`
	Metrics     Metrics                           `json:"stage_metrics"`
}

// Gate runs the quality checks.
type Gate struct {
	cfg    config.QualityConfig
	scorer ai.QualityScorer
	logger *logger.Logger
}

// NewGate creates a quality gate. scorer is only consulted for crops that
// carry no learned score yet.
func NewGate(cfg config.QualityConfig, scorer ai.QualityScorer, log *logger.Logger) *Gate {
	return &Gate{cfg: cfg, scorer: scorer, logger: log.Named("quality")}
}

// EnabledChecks lists the checks switched on in the configuration.
func (g *Gate) EnabledChecks() []string {
	checks := []string{}
	if g.cfg.EnableLearnedQuality {
		checks = append(checks, CheckLearned)
	}
	if g.cfg.EnableSharpnessCheck {
		checks = append(checks, CheckSharpness)
	}
	if g.cfg.EnableBrightnessCheck {
		checks = append(checks, CheckBrightness)
	}
	if g.cfg.EnableContrastCheck {
		checks = append(checks, CheckContrast)
	}
	if g.cfg.EnableResolutionCheck {
		checks = append(checks, CheckResolution)
	}
	return checks
}

// Run assesses every crop and returns those that pass, in input order.
func (g *Gate) Run(ctx context.Context, crops []records.Crop) (*Result, error) {
	g.logger.Info("Starting quality assessment", "images", len(crops), "checks", g.EnabledChecks())

	res := &Result{
		Passed:      []records.Crop{},
		Assessments: make(map[int]records.QualityAssessment, len(crops)),
		Criteria:    g.cfg,
	}

	for _, c := range crops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		qa := g.Assess(ctx, c)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Assessments[c.TrackID] = qa

		if !qa.Valid {
			g.logger.Debug("Crop rejected", "track_id", c.TrackID, "reasons", qa.FailureReasons)
			continue
		}
		passed := c
		passed.Quality = &qa
		res.Passed = append(res.Passed, passed)
	}

	res.Statistics = summarize(res.Assessments)
	res.Metrics = Metrics{
		InputImages:       len(crops),
		HighQualityImages: len(res.Passed),
		QualityPassRate:   float64(len(res.Passed)) / math.Max(1, float64(len(crops))),
		EnabledChecks:     g.EnabledChecks(),
	}

	g.logger.Info("Quality assessment completed",
		"passed", res.Metrics.HighQualityImages,
		"input", res.Metrics.InputImages,
		"pass_rate", res.Metrics.QualityPassRate,
	)

	return res, nil
}

// Assess runs the enabled checks on one crop. Disabled checks pass.
func (g *Gate) Assess(ctx context.Context, c records.Crop) records.QualityAssessment {
	qa := records.QualityAssessment{
		TrackID:       c.TrackID,
		FileName:      c.FileName,
		EnabledChecks: g.EnabledChecks(),
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return failed(qa, fmt.Errorf("read image: %w", err))
	}
	qa.FileSize = int64(len(data))

	img, err := imaging.Decode(data)
	if err != nil {
		return failed(qa, err)
	}

	gray := imaging.ToGray(img)
	qa.Width, qa.Height = gray.Width, gray.Height
	qa.Sharpness = gray.Sharpness()
	qa.Brightness = gray.Brightness()
	qa.Contrast = gray.Contrast()

	qa.SharpnessOK = !g.cfg.EnableSharpnessCheck || qa.Sharpness >= g.cfg.MinSharpness
	qa.BrightnessOK = !g.cfg.EnableBrightnessCheck ||
		(qa.Brightness >= g.cfg.MinBrightness && qa.Brightness <= g.cfg.MaxBrightness)
	qa.ContrastOK = !g.cfg.EnableContrastCheck || qa.Contrast >= g.cfg.MinContrastStd
	qa.ResolutionOK = !g.cfg.EnableResolutionCheck ||
		(qa.Width >= g.cfg.MinResolution[0] && qa.Height >= g.cfg.MinResolution[1])

	qa.LearnedOK = true
	if g.cfg.EnableLearnedQuality {
		score, err := g.learned(ctx, c, data)
		if err != nil {
			qa.LearnedOK = false
			qa.Error = fmt.Sprintf("learned quality: %v", err)
		} else {
			qa.LearnedQuality = score
			qa.LearnedOK = score >= g.cfg.MinQualityScore
		}
	}

	if !qa.LearnedOK {
		if qa.Error != "" {
			qa.FailureReasons = append(qa.FailureReasons, "learned quality unavailable")
		} else {
			qa.FailureReasons = append(qa.FailureReasons, fmt.Sprintf("low learned quality (%.3f)", qa.LearnedQuality))
		}
	}
	if !qa.SharpnessOK {
		qa.FailureReasons = append(qa.FailureReasons, fmt.Sprintf("too blurry (%.1f)", qa.Sharpness))
	}
	if !qa.BrightnessOK {
		qa.FailureReasons = append(qa.FailureReasons, fmt.Sprintf("poor brightness (%.1f)", qa.Brightness))
	}
	if !qa.ContrastOK {
		qa.FailureReasons = append(qa.FailureReasons, fmt.Sprintf("low contrast (%.1f)", qa.Contrast))
	}
	if !qa.ResolutionOK {
		qa.FailureReasons = append(qa.FailureReasons, fmt.Sprintf("low resolution %dx%d", qa.Width, qa.Height))
	}

	qa.Valid = qa.LearnedOK && qa.SharpnessOK && qa.BrightnessOK && qa.ContrastOK && qa.ResolutionOK
	return qa
}

// learned reuses the selection-stage score when there is one.
func (g *Gate) learned(ctx context.Context, c records.Crop, data []byte) (float64, error) {
	if c.QualityScored {
		return c.QualityScore, nil
	}
	return g.scorer.Score(ctx, data)
}

func failed(qa records.QualityAssessment, err error) records.QualityAssessment {
	qa.Valid = false
	qa.Error = err.Error()
	qa.FailureReasons = []string{"unloadable image"}
	return qa
}

func summarize(assessments map[int]records.QualityAssessment) Statistics {
	n := len(assessments)
	if n == 0 {
		return Statistics{}
	}

	var learned, sharp, bright, contrast []float64
	var learnedOK, sharpOK, brightOK, contrastOK, resOK int
	for _, qa := range assessments {
		learned = append(learned, qa.LearnedQuality)
		sharp = append(sharp, qa.Sharpness)
		bright = append(bright, qa.Brightness)
		contrast = append(contrast, qa.Contrast)
		if qa.LearnedOK {
			learnedOK++
		}
		if qa.SharpnessOK {
			sharpOK++
		}
		if qa.BrightnessOK {
			brightOK++
		}
		if qa.ContrastOK {
			contrastOK++
		}
		if qa.ResolutionOK {
			resOK++
		}
	}

	rate := func(k int) float64 { return float64(k) / float64(n) }
	return Statistics{
		AvgLearnedQuality:  stat.Mean(learned, nil),
		AvgSharpness:       stat.Mean(sharp, nil),
		AvgBrightness:      stat.Mean(bright, nil),
		AvgContrast:        stat.Mean(contrast, nil),
		LearnedPassRate:    rate(learnedOK),
		SharpnessPassRate:  rate(sharpOK),
		BrightnessPassRate: rate(brightOK),
		ContrastPassRate:   rate(contrastOK),
		ResolutionPassRate: rate(resOK),
	}
}
