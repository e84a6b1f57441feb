package selection

import (
	"math"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/records"
)

// Centrality is 1 for a box centred in a w x h image, falling linearly with
// the mean of the normalised horizontal and vertical offsets.
func Centrality(box records.BBox, w, h int) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	cx, cy := box.Center()
	halfW, halfH := float64(w)/2, float64(h)/2
	dx := math.Abs(cx-halfW) / halfW
	dy := math.Abs(cy-halfH) / halfH
	return 1 - math.Min(1, (dx+dy)/2)
}

// AreaScore maps the box's share of the image to [0, 1], saturating at half
// the image.
func AreaScore(box records.BBox, w, h int) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	ratio := box.Area() / float64(w*h)
	return 2 * math.Min(0.5, ratio)
}

// Composite is the weighted sum used to rank crops of one track.
func Composite(wt config.SelectionConfig, quality, confidence, centrality, area float64) float64 {
	return wt.QualityWeight*quality +
		wt.ConfidenceWeight*confidence +
		wt.CentralityWeight*centrality +
		wt.AreaWeight*area
}
