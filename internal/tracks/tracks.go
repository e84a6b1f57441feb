// Package tracks aggregates detections per track and admits the tracks that
// look like stable observations of a real object.
package tracks

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/records"
)

// Rejection explains why a track was not admitted. Reason names the first
// criterion the track failed.
type Rejection struct {
	TrackID   int     `json:"track_id"`
	Reason    string  `json:"reason"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Metrics summarises one gate run.
type Metrics struct {
	TotalTracks           int     `json:"total_tracks"`
	ValidTracks           int     `json:"valid_tracks"`
	FilterRate            float64 `json:"filter_rate"`
	AvgDetectionsPerTrack float64 `json:"avg_detections_per_track"`
	AvgTrackDuration      float64 `json:"avg_track_duration"`
	InputCrops            int     `json:"input_crops"`
	FilteredCrops         int     `json:"filtered_crops"`
}

// Result is the gate output. Crops holds only crops of admitted tracks.
type Result struct {
	Stats       map[int]records.TrackStats `json:"track_statistics"`
	ValidTracks []int                      `json:"valid_tracks"`
	Rejections  []Rejection                `json:"rejections"`
	Criteria    config.FilteringConfig     `json:"filtering_criteria"`
	Crops       []records.Crop             `json:"-"`
	Metrics     Metrics                    `json:"stage_metrics"`
}

// Gate computes track statistics and applies the admission thresholds.
type Gate struct {
	cfg    config.FilteringConfig
	logger *logger.Logger
}

// NewGate creates a gate with the given thresholds.
func NewGate(cfg config.FilteringConfig, log *logger.Logger) *Gate {
	return &Gate{cfg: cfg, logger: log.Named("track_filter")}
}

// Run groups detections by track, admits tracks and filters crops to the
// admitted set. Untracked detections are ignored.
func (g *Gate) Run(ctx context.Context, detections []records.Detection, crops []records.Crop) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.logger.Info("Starting track filtering", "detections", len(detections), "crops", len(crops))

	stats := Aggregate(detections)
	res := &Result{
		Stats:       stats,
		ValidTracks: []int{},
		Rejections:  []Rejection{},
		Criteria:    g.cfg,
	}

	ids := make([]int, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	valid := make(map[int]bool)
	for _, id := range ids {
		if rej := g.Check(stats[id]); rej != nil {
			g.logger.Debug("Track rejected", "rejection", rej.String())
			res.Rejections = append(res.Rejections, *rej)
			continue
		}
		valid[id] = true
		res.ValidTracks = append(res.ValidTracks, id)
	}

	for _, c := range crops {
		if valid[c.TrackID] {
			res.Crops = append(res.Crops, c)
		}
	}

	m := &res.Metrics
	m.TotalTracks = len(stats)
	m.ValidTracks = len(res.ValidTracks)
	m.FilterRate = float64(m.ValidTracks) / math.Max(1, float64(m.TotalTracks))
	m.InputCrops = len(crops)
	m.FilteredCrops = len(res.Crops)
	if len(stats) > 0 {
		var dets, dur float64
		for _, s := range stats {
			dets += float64(s.DetectionCount)
			dur += s.Duration
		}
		m.AvgDetectionsPerTrack = dets / float64(len(stats))
		m.AvgTrackDuration = dur / float64(len(stats))
	}

	g.logger.Info("Track filtering completed",
		"valid_tracks", m.ValidTracks,
		"total_tracks", m.TotalTracks,
		"crops", m.FilteredCrops,
	)

	return res, nil
}

// Check returns nil when the track passes every threshold, otherwise the first
// failed criterion in the order count, duration, mean confidence, confidence
// spread, bbox consistency.
func (g *Gate) Check(s records.TrackStats) *Rejection {
	c := g.cfg
	switch {
	case s.DetectionCount < c.MinDetectionsPerTrack:
		return &Rejection{s.TrackID, "insufficient_detections", float64(s.DetectionCount), float64(c.MinDetectionsPerTrack)}
	case s.Duration < c.MinTrackDuration:
		return &Rejection{s.TrackID, "insufficient_duration", s.Duration, c.MinTrackDuration}
	case s.AvgConfidence < c.MinConfidenceAvg:
		return &Rejection{s.TrackID, "low_average_confidence", s.AvgConfidence, c.MinConfidenceAvg}
	case s.StdConfidence > c.MaxConfidenceStd:
		return &Rejection{s.TrackID, "high_confidence_variance", s.StdConfidence, c.MaxConfidenceStd}
	case s.ConsistencyScore < c.MinBBoxConsistency:
		return &Rejection{s.TrackID, "low_bbox_consistency", s.ConsistencyScore, c.MinBBoxConsistency}
	}
	return nil
}

// Aggregate computes statistics for every track present in detections.
func Aggregate(detections []records.Detection) map[int]records.TrackStats {
	groups := make(map[int][]records.Detection)
	for _, d := range detections {
		if !d.Tracked() {
			continue
		}
		id := d.Track()
		groups[id] = append(groups[id], d)
	}

	out := make(map[int]records.TrackStats, len(groups))
	for id, dets := range groups {
		out[id] = Compute(id, dets)
	}
	return out
}

// Compute returns the statistics of one track. The detections are sorted
// chronologically (frame, then position in frame) before consecutive boxes
// are compared.
func Compute(trackID int, dets []records.Detection) records.TrackStats {
	sorted := make([]records.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FrameIndex != sorted[j].FrameIndex {
			return sorted[i].FrameIndex < sorted[j].FrameIndex
		}
		return sorted[i].BBoxIndex < sorted[j].BBoxIndex
	})

	s := records.TrackStats{TrackID: trackID, DetectionCount: len(sorted)}
	if len(sorted) == 0 {
		return s
	}

	confs := make([]float64, len(sorted))
	areas := make([]float64, len(sorted))
	minTS, maxTS := math.Inf(1), math.Inf(-1)
	s.FirstFrame, s.LastFrame = sorted[0].FrameIndex, sorted[0].FrameIndex
	classes := make(map[int]int)

	for i, d := range sorted {
		confs[i] = d.Confidence
		areas[i] = d.BBoxArea
		minTS = math.Min(minTS, d.Timestamp)
		maxTS = math.Max(maxTS, d.Timestamp)
		if d.FrameIndex < s.FirstFrame {
			s.FirstFrame = d.FrameIndex
		}
		if d.FrameIndex > s.LastFrame {
			s.LastFrame = d.FrameIndex
		}
		classes[d.ClassID]++
	}

	s.Duration = maxTS - minTS
	s.AvgConfidence, s.StdConfidence = meanStd(confs)
	s.AvgBBoxArea, s.StdBBoxArea = meanStd(areas)
	s.ConsistencyScore = Consistency(sorted)
	s.DominantClass, s.ClassConsistency = dominant(classes, len(sorted))
	return s
}

// Consistency is the mean IoU of consecutive boxes; 1 for a single detection.
func Consistency(sorted []records.Detection) float64 {
	if len(sorted) <= 1 {
		return 1
	}
	var sum float64
	for i := 1; i < len(sorted); i++ {
		sum += sorted[i-1].BBox.IoU(sorted[i].BBox)
	}
	return sum / float64(len(sorted)-1)
}

// meanStd returns the mean and population standard deviation; the deviation
// of a single value is 0.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 1 {
		return xs[0], 0
	}
	mean, variance := stat.PopMeanVariance(xs, nil)
	return mean, math.Sqrt(variance)
}

// dominant returns the modal class and its share. Ties go to the smallest id.
func dominant(counts map[int]int, total int) (int, float64) {
	best, bestN := 0, -1
	for class, n := range counts {
		if n > bestN || (n == bestN && class < best) {
			best, bestN = class, n
		}
	}
	return best, float64(bestN) / float64(total)
}

// String renders a rejection for logs.
func (r Rejection) String() string {
	return fmt.Sprintf("track %d: %s (%.3f vs %.3f)", r.TrackID, r.Reason, r.Value, r.Threshold)
}
