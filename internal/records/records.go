// Package records holds the typed values passed between curation stages.
package records

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BBox is an axis-aligned box in pixel coordinates: [x1, y1, x2, y2].
type BBox [4]float64

// Width returns x2-x1.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns y2-y1.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Area returns width*height, or 0 for a degenerate box.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box centre.
func (b BBox) Center() (float64, float64) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// IoU returns intersection over union. Non-overlapping boxes and a zero
// union both yield 0.
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b[0], o[0])
	y1 := math.Max(b[1], o[1])
	x2 := math.Min(b[2], o[2])
	y2 := math.Min(b[3], o[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one tracked object observation from the detector log.
type Detection struct {
	FrameIndex int     `json:"frame"`
	Timestamp  float64 `json:"timestamp"`
	TrackID    *int    `json:"track_id"`
	ClassID    int     `json:"class_id"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	BBoxArea   float64 `json:"bbox_area"`
	BBoxIndex  int     `json:"bbox_index"`
	CropPath   string  `json:"crop_path,omitempty"`
}

// Tracked reports whether the detection belongs to a track.
func (d Detection) Tracked() bool { return d.TrackID != nil }

// Track returns the track id, or -1 for an untracked detection.
func (d Detection) Track() int {
	if d.TrackID == nil {
		return -1
	}
	return *d.TrackID
}

// IntPtr is a helper for building detections in code.
func IntPtr(v int) *int { return &v }

// TrackStats summarises one track.
type TrackStats struct {
	TrackID          int     `json:"track_id"`
	DetectionCount   int     `json:"detection_count"`
	FirstFrame       int     `json:"first_frame"`
	LastFrame        int     `json:"last_frame"`
	Duration         float64 `json:"duration"`
	AvgConfidence    float64 `json:"avg_confidence"`
	StdConfidence    float64 `json:"std_confidence"`
	AvgBBoxArea      float64 `json:"avg_bbox_area"`
	StdBBoxArea      float64 `json:"std_bbox_area"`
	ConsistencyScore float64 `json:"consistency_score"`
	ClassConsistency float64 `json:"class_consistency"`
	DominantClass    int     `json:"dominant_class"`
}

// Crop is a detection materialised as an image file, enriched as it moves
// through the pipeline.
type Crop struct {
	TrackID     int     `json:"track_id"`
	ClassID     int     `json:"class_id"`
	FrameIndex  int     `json:"frame"`
	Timestamp   float64 `json:"timestamp"`
	BBox        BBox    `json:"bbox"`
	Confidence  float64 `json:"confidence"`
	BBoxArea    float64 `json:"bbox_area"`
	BBoxIndex   int     `json:"bbox_index"`
	SourcePath  string  `json:"source_path"`
	Path        string  `json:"path"`
	FileName    string  `json:"file_name"`
	FrameWidth  int     `json:"frame_width,omitempty"`
	FrameHeight int     `json:"frame_height,omitempty"`

	QualityScore    float64 `json:"quality_score"`
	QualityScored   bool    `json:"quality_scored"`
	CompositeScore  float64 `json:"composite_score"`
	CentralityScore float64 `json:"centrality_score"`
	AreaScore       float64 `json:"area_score"`
	SelectionReason string  `json:"selection_reason,omitempty"`

	Embedding []float64 `json:"-"`

	Quality    *QualityAssessment `json:"quality_assessment,omitempty"`
	Validation *ValidationResult  `json:"validation_result,omitempty"`
}

// CropFileName returns the canonical crop file name for a detection.
func CropFileName(classID, trackID, frame, bboxIndex int) string {
	return fmt.Sprintf("class_%d_track_%d_frame_%d_bbox_%d.jpg", classID, trackID, frame, bboxIndex)
}

// SimilarityGroup records one set of crops judged to show the same plant.
type SimilarityGroup struct {
	GroupID          int       `json:"group_id"`
	Size             int       `json:"size"`
	SelectedIndex    int       `json:"selected_index"`
	SelectedTrackID  int       `json:"selected_track_id"`
	RemovedTrackIDs  []int     `json:"removed_track_ids"`
	SimilarityScores []float64 `json:"similarity_scores"`
}

// QualityAssessment is the full result of the quality gate for one crop.
type QualityAssessment struct {
	TrackID        int      `json:"track_id"`
	FileName       string   `json:"file_name"`
	FileSize       int64    `json:"file_size"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Sharpness      float64  `json:"sharpness_score"`
	Brightness     float64  `json:"brightness"`
	Contrast       float64  `json:"contrast"`
	LearnedQuality float64  `json:"learned_quality"`
	SharpnessOK    bool     `json:"sharpness_ok"`
	BrightnessOK   bool     `json:"brightness_ok"`
	ContrastOK     bool     `json:"contrast_ok"`
	ResolutionOK   bool     `json:"resolution_ok"`
	LearnedOK      bool     `json:"learned_quality_ok"`
	EnabledChecks  []string `json:"enabled_checks"`
	Valid          bool     `json:"valid"`
	FailureReasons []string `json:"failure_reasons,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// ValidationResult is the judge verdict for one crop.
type ValidationResult struct {
	Answer                 bool            `json:"answer"`
	Score                  int             `json:"score"`
	Passed                 bool            `json:"validation_passed"`
	RawResponse            string          `json:"raw_response,omitempty"`
	Identification         *Identification `json:"identification,omitempty"`
	IdentificationResponse string          `json:"identification_response,omitempty"`
	IdentificationError    string          `json:"identification_error,omitempty"`
	Error                  string          `json:"error,omitempty"`
}

// Identification is the judge's structured description of a plant.
type Identification struct {
	CommonName     string    `json:"common_name"`
	ScientificName string    `json:"scientific_name"`
	PlantType      string    `json:"plant_type"`
	Confidence     FlexFloat `json:"confidence"`
	Description    string    `json:"description"`
	Season         string    `json:"season,omitempty"`
}

// FlexFloat decodes from a JSON number or a numeric string such as "85" or "85%".
// Anything else decodes to 0.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*f = 0
		return nil
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexFloat(v)
	return nil
}
