package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/vzahanych/plant-curator/internal/validation"
)

// Run statuses written to the complete results document.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StageReport records timing and counts of one executed stage.
type StageReport struct {
	ProcessingSeconds float64     `json:"processing_time"`
	Input             int         `json:"input_count"`
	Output            int         `json:"output_count"`
	Metrics           interface{} `json:"metrics"`
}

// DataFlow counts items surviving each stage.
type DataFlow struct {
	InitialDetections  int `json:"initial_detections"`
	FilteredDetections int `json:"filtered_detections"`
	ValidTracks        int `json:"valid_tracks"`
	SelectedCrops      int `json:"selected_crops"`
	UniqueCrops        int `json:"unique_crops"`
	HighQualityCrops   int `json:"high_quality_crops"`
	ValidatedPlants    int `json:"validated_plants"`
}

// Metrics describes the whole run.
type Metrics struct {
	TotalProcessingTime float64            `json:"total_processing_time"`
	TimeBreakdown       map[string]float64 `json:"time_breakdown"`
	DataFlow            DataFlow           `json:"data_flow"`
	PipelineEfficiency  float64            `json:"pipeline_efficiency"`
	PlantsPerSecond     float64            `json:"plants_per_second"`
	AvgTimePerStage     float64            `json:"avg_time_per_stage"`
}

// Report is the complete results document of a run. On failure it holds
// whatever the stages produced before the error.
type Report struct {
	RunID          string                 `json:"run_id"`
	Status         string                 `json:"status"`
	Error          string                 `json:"error,omitempty"`
	FailedStage    string                 `json:"failed_stage,omitempty"`
	VideoSource    string                 `json:"video_path"`
	DetectionsPath string                 `json:"detections_path"`
	OutputDir      string                 `json:"output_dir"`
	StartedAt      time.Time              `json:"start_time"`
	FinishedAt     time.Time              `json:"end_time"`
	StageMetrics   map[string]StageReport `json:"stage_metrics"`
	StageResults   map[string]interface{} `json:"stage_results"`
	Metrics        *Metrics               `json:"pipeline_metrics,omitempty"`
	Summary        *DetectionSummary      `json:"summary,omitempty"`
}

// SessionInfo identifies the run in the user-facing summary.
type SessionInfo struct {
	RunID               string `json:"run_id"`
	VideoProcessed      string `json:"video_processed"`
	ProcessingDate      string `json:"processing_date"`
	TotalProcessingTime string `json:"total_processing_time"`
}

// PlantTotals are the headline numbers of the user-facing summary.
type PlantTotals struct {
	TotalPlantsFound         int            `json:"total_plants_found"`
	PlantsWithIdentification int            `json:"plants_with_identification"`
	PlantTypesDetected       map[string]int `json:"plant_types_detected"`
	AverageConfidence        float64        `json:"average_confidence"`
}

// DetectionSummary is written to plant_detection_summary.json.
type DetectionSummary struct {
	SessionInfo         SessionInfo        `json:"session_info"`
	DetectionSummary    PlantTotals        `json:"detection_summary"`
	PipelinePerformance Metrics            `json:"pipeline_performance"`
	DetectedPlants      []validation.Plant `json:"detected_plants"`
}

func (r *Report) computeMetrics(flow DataFlow) *Metrics {
	total := r.FinishedAt.Sub(r.StartedAt).Seconds()
	m := &Metrics{
		TotalProcessingTime: total,
		TimeBreakdown:       make(map[string]float64, len(r.StageMetrics)),
		DataFlow:            flow,
		PipelineEfficiency:  float64(flow.ValidatedPlants) / math.Max(1, float64(flow.InitialDetections)),
		PlantsPerSecond:     float64(flow.ValidatedPlants) / math.Max(1, total),
	}
	stageTotal := 0.0
	for name, s := range r.StageMetrics {
		m.TimeBreakdown[name] = s.ProcessingSeconds
		stageTotal += s.ProcessingSeconds
	}
	if len(r.StageMetrics) > 0 {
		m.AvgTimePerStage = stageTotal / float64(len(r.StageMetrics))
	}
	return m
}

func newDetectionSummary(r *Report, s validation.Summary) *DetectionSummary {
	return &DetectionSummary{
		SessionInfo: SessionInfo{
			RunID:               r.RunID,
			VideoProcessed:      r.VideoSource,
			ProcessingDate:      r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			TotalProcessingTime: fmt.Sprintf("%.2f seconds", r.FinishedAt.Sub(r.StartedAt).Seconds()),
		},
		DetectionSummary: PlantTotals{
			TotalPlantsFound:         s.TotalPlantsFound,
			PlantsWithIdentification: s.PlantsWithIdentification,
			PlantTypesDetected:       s.PlantTypeDistribution,
			AverageConfidence:        s.AverageValidationScore,
		},
		PipelinePerformance: *r.Metrics,
		DetectedPlants:      s.Plants,
	}
}
