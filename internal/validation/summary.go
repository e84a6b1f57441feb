package validation

import (
	"math"
	"sort"
	"time"

	"github.com/vzahanych/plant-curator/internal/records"
)

const (
	unknown             = "Unknown"
	unidentifiedName    = "Plant/Tree"
	unidentifiedSummary = "High-quality plant image validated"
)

// Plant is one entry of the user-facing plant summary.
type Plant struct {
	TrackID                  int     `json:"track_id"`
	ImagePath                string  `json:"image_path"`
	ValidationScore          int     `json:"validation_score"`
	FrameCaptured            int     `json:"frame_captured"`
	Timestamp                float64 `json:"timestamp"`
	CommonName               string  `json:"common_name"`
	ScientificName           string  `json:"scientific_name"`
	PlantType                string  `json:"plant_type"`
	IdentificationConfidence float64 `json:"identification_confidence"`
	Description              string  `json:"description"`
	Season                   string  `json:"season"`
}

// Summary describes the plants found in one run.
type Summary struct {
	TotalPlantsFound         int            `json:"total_plants_found"`
	PlantsWithIdentification int            `json:"plants_with_identification"`
	PlantTypeDistribution    map[string]int `json:"plant_type_distribution"`
	AverageValidationScore   float64        `json:"average_validation_score"`
	Plants                   []Plant        `json:"plants"`
	GeneratedAt              time.Time      `json:"generation_timestamp"`
}

// Summarize ranks accepted crops by validation score, highest first, with
// ties broken by ascending track id.
func Summarize(accepted []records.Crop) Summary {
	s := Summary{
		PlantTypeDistribution: map[string]int{},
		Plants:                make([]Plant, 0, len(accepted)),
		GeneratedAt:           time.Now().UTC(),
	}

	total := 0
	for _, c := range accepted {
		p := Plant{
			TrackID:        c.TrackID,
			ImagePath:      c.Path,
			FrameCaptured:  c.FrameIndex,
			Timestamp:      c.Timestamp,
			CommonName:     unidentifiedName,
			ScientificName: unknown,
			PlantType:      unknown,
			Description:    unidentifiedSummary,
		}
		if v := c.Validation; v != nil {
			p.ValidationScore = v.Score
			if id := v.Identification; id != nil {
				s.PlantsWithIdentification++
				p.CommonName = orUnknown(id.CommonName)
				p.ScientificName = orUnknown(id.ScientificName)
				p.PlantType = orUnknown(id.PlantType)
				p.IdentificationConfidence = float64(id.Confidence)
				p.Description = id.Description
				p.Season = id.Season
			}
		}
		if p.PlantType != unknown {
			s.PlantTypeDistribution[p.PlantType]++
		}
		total += p.ValidationScore
		s.Plants = append(s.Plants, p)
	}

	sort.SliceStable(s.Plants, func(i, j int) bool {
		if s.Plants[i].ValidationScore != s.Plants[j].ValidationScore {
			return s.Plants[i].ValidationScore > s.Plants[j].ValidationScore
		}
		return s.Plants[i].TrackID < s.Plants[j].TrackID
	})

	s.TotalPlantsFound = len(s.Plants)
	s.AverageValidationScore = float64(total) / math.Max(1, float64(len(s.Plants)))
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
