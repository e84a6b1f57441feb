package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the YAML document is parsed.
const (
	EnvJudgeEndpoint = "PLANT_CURATOR_JUDGE_ENDPOINT"
	EnvModelsURL     = "PLANT_CURATOR_MODELS_URL"
	EnvOutputDir     = "PLANT_CURATOR_OUTPUT_DIR"
)

// Config represents the application configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Detector   DetectorConfig   `yaml:"detector"`
	Filtering  FilteringConfig  `yaml:"filtering"`
	Selection  SelectionConfig  `yaml:"selection"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Quality    QualityConfig    `yaml:"quality"`
	Models     ModelsConfig     `yaml:"models"`
	Validation ValidationConfig `yaml:"validation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	State      StateConfig      `yaml:"state"`
	Web        WebConfig        `yaml:"web"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DetectorConfig describes the upstream detector log and the prefilter applied to it
type DetectorConfig struct {
	FPS          float64 `yaml:"fps"`
	FrameWidth   int     `yaml:"frame_width"`  // 0 = read from the log or the crop
	FrameHeight  int     `yaml:"frame_height"` // 0 = read from the log or the crop
	PlantClasses []int   `yaml:"plant_classes"`
	MinBBoxArea  float64 `yaml:"min_bbox_area"`
	MaxBBoxArea  float64 `yaml:"max_bbox_area"`
	FramePattern string  `yaml:"frame_pattern"` // fmt pattern applied to the frame index
	JPEGQuality  int     `yaml:"jpeg_quality"`

	// frames whose Laplacian variance is below this are skipped before
	// cropping; 0 disables the check
	MinFrameSharpness float64 `yaml:"min_frame_sharpness"`
}

// FilteringConfig contains track admission thresholds
type FilteringConfig struct {
	MinDetectionsPerTrack int     `yaml:"min_detections_per_track"`
	MinTrackDuration      float64 `yaml:"min_track_duration"` // seconds
	MinConfidenceAvg      float64 `yaml:"min_confidence_avg"`
	MaxConfidenceStd      float64 `yaml:"max_confidence_std"`
	MinBBoxConsistency    float64 `yaml:"min_bbox_consistency"`
}

// SelectionConfig contains the composite score weights used inside a track
type SelectionConfig struct {
	QualityWeight    float64 `yaml:"quality_weight"`
	ConfidenceWeight float64 `yaml:"confidence_weight"`
	CentralityWeight float64 `yaml:"centrality_weight"`
	AreaWeight       float64 `yaml:"area_weight"`
}

// SimilarityConfig contains cross-track duplicate detection settings
type SimilarityConfig struct {
	Threshold                 float64 `yaml:"threshold"`
	UseSpatialConstraint      bool    `yaml:"use_spatial_constraint"`
	SpatialDistanceThreshold  float64 `yaml:"spatial_distance_threshold"`
	TemporalDistanceThreshold int     `yaml:"temporal_distance_threshold"` // frames
	ReferenceWidth            float64 `yaml:"reference_width"`
	ReferenceHeight           float64 `yaml:"reference_height"`
	BatchSize                 int     `yaml:"batch_size"`
}

// QualityConfig contains the quality gate thresholds and toggles
type QualityConfig struct {
	MinQualityScore       float64 `yaml:"min_quality_score"`
	MinResolution         [2]int  `yaml:"min_resolution"` // [width, height]
	MinSharpness          float64 `yaml:"min_sharpness"`
	MinBrightness         float64 `yaml:"min_brightness"`
	MaxBrightness         float64 `yaml:"max_brightness"`
	MinContrastStd        float64 `yaml:"min_contrast_std"`
	EnableLearnedQuality  bool    `yaml:"enable_learned_quality"`
	EnableSharpnessCheck  bool    `yaml:"enable_sharpness_check"`
	EnableBrightnessCheck bool    `yaml:"enable_brightness_check"`
	EnableContrastCheck   bool    `yaml:"enable_contrast_check"`
	EnableResolutionCheck bool    `yaml:"enable_resolution_check"`
}

// ModelsConfig points at the service hosting the embedding and quality models
type ModelsConfig struct {
	ServiceURL    string        `yaml:"service_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	ImageSize     int           `yaml:"image_size"` // square side the crops are resized to; 0 = send unchanged
}

// ValidationConfig contains the external judge settings
type ValidationConfig struct {
	APIEndpoint               string        `yaml:"api_endpoint"`
	Timeout                   time.Duration `yaml:"timeout"`
	RetryAttempts             int           `yaml:"retry_attempts"`
	RetryDelay                time.Duration `yaml:"retry_delay"`
	MinValidationScore        int           `yaml:"min_validation_score"`
	RequestDelay              time.Duration `yaml:"request_delay"`
	EnableParallel            bool          `yaml:"enable_parallel"`
	MaxWorkers                int           `yaml:"max_workers"`
	EnablePlantIdentification bool          `yaml:"enable_plant_identification"`
	ValidationPrompt          string        `yaml:"validation_prompt"`
	IdentificationPrompt      string        `yaml:"identification_prompt"`
}

// PipelineConfig contains run-level toggles
type PipelineConfig struct {
	OutputDir               string `yaml:"output_dir"`
	SaveIntermediateResults bool   `yaml:"save_intermediate_results"`
	CopyStageImages         bool   `yaml:"copy_stage_images"`
}

// StateConfig contains run history storage configuration
type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

// WebConfig contains results API server configuration
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port for the results API listener
func (w WebConfig) Address() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Load reads and parses the configuration file. Keys absent from the file keep
// the values from Default. An empty path yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	return cfg, nil
}

// Parse builds a configuration from an in-memory YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

// getDefaultConfigPath returns the first existing default location, or "" when
// none exists.
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config.yaml",
		"/etc/plant-curator/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJudgeEndpoint); v != "" {
		c.Validation.APIEndpoint = v
	}
	if v := os.Getenv(EnvModelsURL); v != "" {
		c.Models.ServiceURL = v
	}
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.Pipeline.OutputDir = v
	}
}

// setDefaults fills values a document may have zeroed out explicitly where zero
// has no useful meaning.
func (c *Config) setDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Output == "" {
		c.Log.Output = d.Log.Output
	}

	if c.Detector.FPS <= 0 {
		c.Detector.FPS = d.Detector.FPS
	}
	if c.Detector.FramePattern == "" {
		c.Detector.FramePattern = d.Detector.FramePattern
	}
	if c.Detector.JPEGQuality <= 0 || c.Detector.JPEGQuality > 100 {
		c.Detector.JPEGQuality = d.Detector.JPEGQuality
	}

	if c.Similarity.ReferenceWidth <= 0 {
		c.Similarity.ReferenceWidth = d.Similarity.ReferenceWidth
	}
	if c.Similarity.ReferenceHeight <= 0 {
		c.Similarity.ReferenceHeight = d.Similarity.ReferenceHeight
	}
	if c.Similarity.BatchSize <= 0 {
		c.Similarity.BatchSize = d.Similarity.BatchSize
	}

	if c.Models.Timeout <= 0 {
		c.Models.Timeout = d.Models.Timeout
	}
	if c.Models.RetryAttempts <= 0 {
		c.Models.RetryAttempts = d.Models.RetryAttempts
	}
	if c.Models.ImageSize < 0 {
		c.Models.ImageSize = d.Models.ImageSize
	}

	if c.Validation.Timeout <= 0 {
		c.Validation.Timeout = d.Validation.Timeout
	}
	if c.Validation.RetryAttempts <= 0 {
		c.Validation.RetryAttempts = d.Validation.RetryAttempts
	}
	if c.Validation.MaxWorkers <= 0 {
		c.Validation.MaxWorkers = d.Validation.MaxWorkers
	}
	if c.Validation.ValidationPrompt == "" {
		c.Validation.ValidationPrompt = DefaultValidationPrompt
	}
	if c.Validation.IdentificationPrompt == "" {
		c.Validation.IdentificationPrompt = DefaultIdentificationPrompt
	}

	if c.Pipeline.OutputDir == "" {
		c.Pipeline.OutputDir = d.Pipeline.OutputDir
	}
	if c.State.DBPath == "" {
		c.State.DBPath = d.State.DBPath
	}
	if c.Web.Host == "" {
		c.Web.Host = d.Web.Host
	}
	if c.Web.Port == 0 {
		c.Web.Port = d.Web.Port
	}
}
