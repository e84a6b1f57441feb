// Package similarity removes cross-track duplicates: different tracks that
// observed the same plant.
package similarity

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/vzahanych/plant-curator/internal/ai"
	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/records"
)

// Metrics summarises one deduplication run.
type Metrics struct {
	InputImages          int     `json:"input_images"`
	UniqueImages         int     `json:"unique_images"`
	SimilarGroupsFound   int     `json:"similar_groups_found"`
	EmbeddingFailures    int     `json:"embedding_failures"`
	DuplicateRemovalRate float64 `json:"duplicate_removal_rate"`
	SimilarityThreshold  float64 `json:"similarity_threshold"`
}

// Result is the deduplication output. Unique keeps ascending track order.
type Result struct {
	Unique       []records.Crop            `json:"unique_crops"`
	Groups       []records.SimilarityGroup `json:"similar_groups"`
	FailedTracks []int                     `json:"embedding_failed_tracks"`
	Config       config.SimilarityConfig   `json:"similarity_config"`
	Metrics      Metrics                   `json:"stage_metrics"`
}

// Deduplicator groups near-identical crops from different tracks and keeps one
// survivor per group.
type Deduplicator struct {
	cfg      config.SimilarityConfig
	embedder ai.Embedder
	logger   *logger.Logger
}

// NewDeduplicator creates a deduplicator. When embedder also implements
// ai.BatchEmbedder, embeddings are requested in batches of cfg.BatchSize.
func NewDeduplicator(cfg config.SimilarityConfig, embedder ai.Embedder, log *logger.Logger) *Deduplicator {
	return &Deduplicator{cfg: cfg, embedder: embedder, logger: log.Named("similarity")}
}

// Run deduplicates crops.
func (d *Deduplicator) Run(ctx context.Context, crops []records.Crop) (*Result, error) {
	res := &Result{
		Unique:       []records.Crop{},
		Groups:       []records.SimilarityGroup{},
		FailedTracks: []int{},
		Config:       d.cfg,
	}
	res.Metrics.InputImages = len(crops)
	res.Metrics.SimilarityThreshold = d.cfg.Threshold

	if len(crops) == 0 {
		d.logger.Warn("No selected crops to process")
		return res, nil
	}

	sorted := make([]records.Crop, len(crops))
	copy(sorted, crops)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TrackID < sorted[j].TrackID })

	d.logger.Info("Extracting embeddings", "images", len(sorted))

	embedded, err := d.embed(ctx, sorted)
	if err != nil {
		return nil, err
	}
	for _, c := range sorted {
		if c.Embedding == nil {
			res.FailedTracks = append(res.FailedTracks, c.TrackID)
		}
	}
	res.Metrics.EmbeddingFailures = len(res.FailedTracks)

	groups := FindGroups(embedded, d.cfg)

	removed := make(map[int]bool)
	for gi, members := range groups {
		best := Survivor(embedded, members)
		g := records.SimilarityGroup{
			GroupID:          gi + 1,
			Size:             len(members),
			SelectedIndex:    best,
			SelectedTrackID:  embedded[best].TrackID,
			RemovedTrackIDs:  []int{},
			SimilarityScores: []float64{},
		}
		for _, idx := range members {
			if idx == best {
				continue
			}
			removed[idx] = true
			g.RemovedTrackIDs = append(g.RemovedTrackIDs, embedded[idx].TrackID)
			g.SimilarityScores = append(g.SimilarityScores, Cosine(embedded[best].Embedding, embedded[idx].Embedding))
		}
		d.logger.Debug("Duplicate group", "group_id", g.GroupID, "survivor", g.SelectedTrackID, "removed", g.RemovedTrackIDs)
		res.Groups = append(res.Groups, g)
	}

	for i, c := range embedded {
		if !removed[i] {
			res.Unique = append(res.Unique, c)
		}
	}

	m := &res.Metrics
	m.UniqueImages = len(res.Unique)
	m.SimilarGroupsFound = len(res.Groups)
	m.DuplicateRemovalRate = float64(m.InputImages-m.UniqueImages) / math.Max(1, float64(m.InputImages))

	d.logger.Info("Similarity detection completed",
		"unique", m.UniqueImages,
		"input", m.InputImages,
		"groups", m.SimilarGroupsFound,
		"embedding_failures", m.EmbeddingFailures,
	)

	return res, nil
}

// embed fills the Embedding of every crop it can and returns those crops in
// order. The vectors are L2-normalised.
func (d *Deduplicator) embed(ctx context.Context, crops []records.Crop) ([]records.Crop, error) {
	images := make([][]byte, len(crops))
	for i := range crops {
		data, err := os.ReadFile(crops[i].Path)
		if err != nil {
			d.logger.Warn("Failed to read crop", "track_id", crops[i].TrackID, "error", err)
			continue
		}
		images[i] = data
	}

	batcher, canBatch := d.embedder.(ai.BatchEmbedder)
	size := d.cfg.BatchSize
	if size <= 0 {
		size = 1
	}

	for start := 0; start < len(crops); start += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + size
		if end > len(crops) {
			end = len(crops)
		}

		var idx []int
		var batch [][]byte
		for i := start; i < end; i++ {
			if images[i] != nil {
				idx = append(idx, i)
				batch = append(batch, images[i])
			}
		}
		if len(batch) == 0 {
			continue
		}

		if canBatch && len(batch) > 1 {
			vecs, err := batcher.EmbedBatch(ctx, batch)
			if err == nil && len(vecs) != len(batch) {
				err = fmt.Errorf("got %d vectors for %d images", len(vecs), len(batch))
			}
			if err == nil {
				for k, i := range idx {
					crops[i].Embedding = normalize(vecs[k])
				}
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Warn("Batch embedding failed, falling back to single requests", "batch_size", len(batch), "error", err)
		}

		for k, i := range idx {
			vec, err := d.embedder.Embed(ctx, batch[k])
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				d.logger.Warn("Embedding failed, excluding crop", "track_id", crops[i].TrackID, "error", err)
				continue
			}
			crops[i].Embedding = normalize(vec)
		}
	}

	out := make([]records.Crop, 0, len(crops))
	for _, c := range crops {
		if c.Embedding != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindGroups runs single-pass seed-anchored grouping: each crop not yet
// grouped seeds a group and absorbs every later ungrouped crop that is a
// duplicate of the seed. Membership is not transitive. Only groups with more
// than one member are returned.
func FindGroups(crops []records.Crop, cfg config.SimilarityConfig) [][]int {
	grouped := make([]bool, len(crops))
	var groups [][]int

	for i := range crops {
		if grouped[i] {
			continue
		}
		grouped[i] = true
		group := []int{i}

		for j := i + 1; j < len(crops); j++ {
			if grouped[j] {
				continue
			}
			if !Comparable(crops[i], crops[j], cfg) {
				continue
			}
			if Cosine(crops[i].Embedding, crops[j].Embedding) >= cfg.Threshold {
				group = append(group, j)
				grouped[j] = true
			}
		}

		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// Comparable reports whether two crops may be judged duplicates at all: they
// come from different tracks and lie within the spatial and temporal windows.
func Comparable(a, b records.Crop, cfg config.SimilarityConfig) bool {
	if a.TrackID == b.TrackID {
		return false
	}
	if cfg.UseSpatialConstraint && SpatialDistance(a.BBox, b.BBox, cfg.ReferenceWidth, cfg.ReferenceHeight) > cfg.SpatialDistanceThreshold {
		return false
	}
	frames := a.FrameIndex - b.FrameIndex
	if frames < 0 {
		frames = -frames
	}
	return frames <= cfg.TemporalDistanceThreshold
}

// SpatialDistance is the distance between box centres divided by the
// reference diagonal, capped at 1.
func SpatialDistance(a, b records.BBox, refW, refH float64) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	diag := math.Hypot(refW, refH)
	if diag == 0 {
		return 1
	}
	return math.Min(1, math.Hypot(ax-bx, ay-by)/diag)
}

// Cosine returns the cosine similarity of two vectors; 0 when either has zero
// norm or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// SurvivorScore ranks members of a duplicate group.
func SurvivorScore(c records.Crop) float64 {
	return 0.5*c.QualityScore + 0.3*c.CompositeScore + 0.2*c.Confidence
}

// Survivor returns the member index with the highest survivor score; the
// first maximum wins.
func Survivor(crops []records.Crop, members []int) int {
	best := members[0]
	bestScore := math.Inf(-1)
	for _, idx := range members {
		if s := SurvivorScore(crops[idx]); s > bestScore {
			best, bestScore = idx, s
		}
	}
	return best
}

func normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	if n := floats.Norm(out, 2); n > 0 {
		floats.Scale(1/n, out)
	}
	return out
}
