// Package selection picks one representative crop per admitted track.
package selection

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/vzahanych/plant-curator/internal/ai"
	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/imaging"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/records"
)

// TrackSelection describes the choice made for one track.
type TrackSelection struct {
	TrackID         int     `json:"track_id"`
	TotalCrops      int     `json:"total_crops"`
	ScoredCrops     int     `json:"scored_crops"`
	SelectedCrop    string  `json:"selected_crop"`
	QualityScore    float64 `json:"quality_score"`
	CompositeScore  float64 `json:"composite_score"`
	SelectionReason string  `json:"selection_reason"`
}

// Metrics summarises one selection run.
type Metrics struct {
	ProcessedTracks   int     `json:"processed_tracks"`
	TotalInputCrops   int     `json:"total_input_crops"`
	SelectedCrops     int     `json:"selected_crops"`
	SelectionRate     float64 `json:"selection_rate"`
	AvgCropsPerTrack  float64 `json:"avg_crops_per_track"`
	SkippedCandidates int     `json:"skipped_candidates"`
}

// Result is the selection output, one crop per track in ascending track order.
type Result struct {
	Selected    []records.Crop         `json:"selected_crops"`
	Selections  map[int]TrackSelection `json:"track_selection_info"`
	EmptyTracks []int                  `json:"tracks_without_loadable_crop"`
	Criteria    config.SelectionConfig `json:"selection_criteria"`
	Metrics     Metrics                `json:"stage_metrics"`
}

// Selector ranks the crops of each track by composite score.
type Selector struct {
	cfg    config.SelectionConfig
	scorer ai.QualityScorer
	logger *logger.Logger
}

// NewSelector creates a selector. scorer provides the learned quality score.
func NewSelector(cfg config.SelectionConfig, scorer ai.QualityScorer, log *logger.Logger) *Selector {
	return &Selector{cfg: cfg, scorer: scorer, logger: log.Named("intra_track")}
}

// Run selects the best crop of every track present in crops.
func (s *Selector) Run(ctx context.Context, crops []records.Crop) (*Result, error) {
	groups := make(map[int][]records.Crop)
	for _, c := range crops {
		groups[c.TrackID] = append(groups[c.TrackID], c)
	}
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	s.logger.Info("Starting intra-track selection", "tracks", len(ids), "crops", len(crops))

	res := &Result{
		Selected:    []records.Crop{},
		Selections:  make(map[int]TrackSelection, len(ids)),
		EmptyTracks: []int{},
		Criteria:    s.cfg,
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cands := groups[id]
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].FrameIndex != cands[j].FrameIndex {
				return cands[i].FrameIndex < cands[j].FrameIndex
			}
			return cands[i].BBoxIndex < cands[j].BBoxIndex
		})

		best, scored, err := s.selectTrack(ctx, cands)
		if err != nil {
			return nil, err
		}
		res.Metrics.SkippedCandidates += len(cands) - scored

		if best == nil {
			s.logger.Warn("No loadable crop for track", "track_id", id, "candidates", len(cands))
			res.EmptyTracks = append(res.EmptyTracks, id)
			continue
		}

		if scored == 1 {
			best.SelectionReason = "only_crop_for_track"
		} else {
			best.SelectionReason = fmt.Sprintf("best_of_%d_crops", scored)
		}

		res.Selected = append(res.Selected, *best)
		res.Selections[id] = TrackSelection{
			TrackID:         id,
			TotalCrops:      len(cands),
			ScoredCrops:     scored,
			SelectedCrop:    best.FileName,
			QualityScore:    best.QualityScore,
			CompositeScore:  best.CompositeScore,
			SelectionReason: best.SelectionReason,
		}
		s.logger.Debug("Track representative selected", "track_id", id, "file", best.FileName,
			"composite", best.CompositeScore, "reason", best.SelectionReason)
	}

	m := &res.Metrics
	m.ProcessedTracks = len(ids)
	m.TotalInputCrops = len(crops)
	m.SelectedCrops = len(res.Selected)
	m.SelectionRate = float64(m.SelectedCrops) / math.Max(1, float64(m.TotalInputCrops))
	m.AvgCropsPerTrack = float64(m.TotalInputCrops) / math.Max(1, float64(m.ProcessedTracks))

	s.logger.Info("Intra-track selection completed",
		"selected", m.SelectedCrops,
		"tracks", m.ProcessedTracks,
		"crops", m.TotalInputCrops,
	)

	return res, nil
}

// selectTrack scores candidates in order and returns the first maximum along
// with the number of candidates that could be scored.
func (s *Selector) selectTrack(ctx context.Context, cands []records.Crop) (*records.Crop, int, error) {
	var best *records.Crop
	scored := 0

	for _, c := range cands {
		scoredCrop, err := s.score(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			s.logger.Debug("Skipping candidate", "track_id", c.TrackID, "file", c.FileName, "error", err)
			continue
		}
		scored++
		if best == nil || scoredCrop.CompositeScore > best.CompositeScore {
			best = scoredCrop
		}
	}
	return best, scored, nil
}

func (s *Selector) score(ctx context.Context, c records.Crop) (*records.Crop, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, err
	}

	quality, err := s.scorer.Score(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("quality model: %w", err)
	}

	w, h := c.FrameWidth, c.FrameHeight
	if w <= 0 || h <= 0 {
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}

	out := c
	out.QualityScore = quality
	out.QualityScored = true
	out.CentralityScore = Centrality(c.BBox, w, h)
	out.AreaScore = AreaScore(c.BBox, w, h)
	out.CompositeScore = Composite(s.cfg, quality, c.Confidence, out.CentralityScore, out.AreaScore)
	return &out, nil
}
