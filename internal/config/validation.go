package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	// Validate log settings
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	// Validate detector prefilter
	if c.Detector.MinBBoxArea < 0 {
		errors = append(errors, fmt.Sprintf("detector.min_bbox_area must be >= 0, got: %.2f", c.Detector.MinBBoxArea))
	}
	if c.Detector.MaxBBoxArea < c.Detector.MinBBoxArea {
		errors = append(errors, fmt.Sprintf("detector.max_bbox_area (%.2f) cannot be less than min_bbox_area (%.2f)", c.Detector.MaxBBoxArea, c.Detector.MinBBoxArea))
	}
	if c.Detector.FrameWidth < 0 || c.Detector.FrameHeight < 0 {
		errors = append(errors, "detector.frame_width and detector.frame_height must be >= 0")
	}
	if c.Detector.MinFrameSharpness < 0 {
		errors = append(errors, fmt.Sprintf("detector.min_frame_sharpness must be >= 0, got: %.2f", c.Detector.MinFrameSharpness))
	}
	if !strings.Contains(c.Detector.FramePattern, "%") {
		errors = append(errors, fmt.Sprintf("detector.frame_pattern must contain a verb for the frame index, got: %s", c.Detector.FramePattern))
	}

	// Validate track admission thresholds
	if c.Filtering.MinDetectionsPerTrack < 1 {
		errors = append(errors, fmt.Sprintf("filtering.min_detections_per_track must be >= 1, got: %d", c.Filtering.MinDetectionsPerTrack))
	}
	if c.Filtering.MinTrackDuration < 0 {
		errors = append(errors, fmt.Sprintf("filtering.min_track_duration must be >= 0, got: %.2f", c.Filtering.MinTrackDuration))
	}
	errors = checkUnit(errors, "filtering.min_confidence_avg", c.Filtering.MinConfidenceAvg)
	errors = checkUnit(errors, "filtering.max_confidence_std", c.Filtering.MaxConfidenceStd)
	errors = checkUnit(errors, "filtering.min_bbox_consistency", c.Filtering.MinBBoxConsistency)

	// Validate selection weights
	weights := []struct {
		name  string
		value float64
	}{
		{"selection.quality_weight", c.Selection.QualityWeight},
		{"selection.confidence_weight", c.Selection.ConfidenceWeight},
		{"selection.centrality_weight", c.Selection.CentralityWeight},
		{"selection.area_weight", c.Selection.AreaWeight},
	}
	for _, w := range weights {
		if w.value < 0 {
			errors = append(errors, fmt.Sprintf("%s must be >= 0, got: %.2f", w.name, w.value))
		}
	}

	// Validate similarity settings
	errors = checkUnit(errors, "similarity.threshold", c.Similarity.Threshold)
	errors = checkUnit(errors, "similarity.spatial_distance_threshold", c.Similarity.SpatialDistanceThreshold)
	if c.Similarity.TemporalDistanceThreshold < 0 {
		errors = append(errors, fmt.Sprintf("similarity.temporal_distance_threshold must be >= 0, got: %d", c.Similarity.TemporalDistanceThreshold))
	}

	// Validate quality gate
	errors = checkUnit(errors, "quality.min_quality_score", c.Quality.MinQualityScore)
	if c.Quality.MinResolution[0] < 0 || c.Quality.MinResolution[1] < 0 {
		errors = append(errors, fmt.Sprintf("quality.min_resolution must be non-negative, got: %v", c.Quality.MinResolution))
	}
	if c.Quality.MinSharpness < 0 {
		errors = append(errors, fmt.Sprintf("quality.min_sharpness must be >= 0, got: %.2f", c.Quality.MinSharpness))
	}
	if c.Quality.MinBrightness < 0 || c.Quality.MaxBrightness > 255 {
		errors = append(errors, fmt.Sprintf("quality brightness window must lie within [0, 255], got: [%.2f, %.2f]", c.Quality.MinBrightness, c.Quality.MaxBrightness))
	}
	if c.Quality.MinBrightness > c.Quality.MaxBrightness {
		errors = append(errors, fmt.Sprintf("quality.min_brightness (%.2f) cannot be greater than max_brightness (%.2f)", c.Quality.MinBrightness, c.Quality.MaxBrightness))
	}
	if c.Quality.MinContrastStd < 0 {
		errors = append(errors, fmt.Sprintf("quality.min_contrast_std must be >= 0, got: %.2f", c.Quality.MinContrastStd))
	}

	// Validate model service
	if c.Models.ServiceURL == "" {
		errors = append(errors, "models.service_url is required")
	} else if _, err := url.ParseRequestURI(c.Models.ServiceURL); err != nil {
		errors = append(errors, fmt.Sprintf("models.service_url is not a valid URL: %s", c.Models.ServiceURL))
	}
	if c.Models.RetryDelay < 0 {
		errors = append(errors, fmt.Sprintf("models.retry_delay must be >= 0, got: %v", c.Models.RetryDelay))
	}

	// Validate judge settings
	if c.Validation.APIEndpoint == "" {
		errors = append(errors, "validation.api_endpoint is required")
	} else if _, err := url.ParseRequestURI(c.Validation.APIEndpoint); err != nil {
		errors = append(errors, fmt.Sprintf("validation.api_endpoint is not a valid URL: %s", c.Validation.APIEndpoint))
	}
	if c.Validation.MinValidationScore < 0 || c.Validation.MinValidationScore > 100 {
		errors = append(errors, fmt.Sprintf("validation.min_validation_score must be between 0 and 100, got: %d", c.Validation.MinValidationScore))
	}
	if c.Validation.RequestDelay < 0 {
		errors = append(errors, fmt.Sprintf("validation.request_delay must be >= 0, got: %v", c.Validation.RequestDelay))
	}
	if c.Validation.RetryDelay < 0 {
		errors = append(errors, fmt.Sprintf("validation.retry_delay must be >= 0, got: %v", c.Validation.RetryDelay))
	}

	// Validate web settings
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web.port must be between 0 and 65535, got: %d", c.Web.Port))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func checkUnit(errors []string, name string, v float64) []string {
	if v < 0 || v > 1 {
		return append(errors, fmt.Sprintf("%s must be between 0 and 1, got: %.2f", name, v))
	}
	return errors
}
