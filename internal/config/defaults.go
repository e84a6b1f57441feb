package config

import "time"

// DefaultValidationPrompt asks the judge for a yes/no verdict and a 0-100 score.
const DefaultValidationPrompt = "I am developing a smart glasses app that detects plants and trees in real time. " +
	"For each cropped image, please answer: Is this a clear photo of a plant or tree that would be " +
	"useful for botanical identification? " +
	"REQUIREMENTS: " +
	"1. The image should show vegetation (plants, trees, flowers, leaves, branches) " +
	"2. The vegetation should be reasonably clear and identifiable " +
	"3. REJECT images that show ONLY bare tree trunks without visible leaves, branches, or foliage " +
	"4. ACCEPT images even if they show multiple plants or partial plants, as long as vegetation is clearly visible " +
	"Answer \"yes\" if the image shows identifiable vegetation (not just bare trunk), \"no\" otherwise. " +
	"Give a quality score from 0 (worst) to 100 (best) based on clarity and usefulness for plant identification. " +
	"Respond in the exact format: answer: yes/no, score: X " +
	"where X is an integer between 0 and 100."

// DefaultIdentificationPrompt asks the judge for a structured identification record.
const DefaultIdentificationPrompt = "Please identify this plant or tree. Provide the following information in JSON format:\n" +
	"{\n" +
	"  \"common_name\": \"Common name of the plant\",\n" +
	"  \"scientific_name\": \"Scientific name (if known)\",\n" +
	"  \"plant_type\": \"tree/shrub/flower/herb/grass/other\",\n" +
	"  \"confidence\": 0-100,\n" +
	"  \"description\": \"Brief description of identifying features\",\n" +
	"  \"season\": \"Best viewing season if applicable\"\n" +
	"}"

// Default returns the configuration used when a key is absent from the document.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Detector: DetectorConfig{
			FPS:          30,
			MinBBoxArea:  1000,
			MaxBBoxArea:  500000,
			FramePattern: "frame_%06d.jpg",
			JPEGQuality:  95,
		},
		Filtering: FilteringConfig{
			MinDetectionsPerTrack: 3,
			MinTrackDuration:      1.0,
			MinConfidenceAvg:      0.3,
			MaxConfidenceStd:      0.3,
			MinBBoxConsistency:    0.7,
		},
		Selection: SelectionConfig{
			QualityWeight:    0.4,
			ConfidenceWeight: 0.3,
			CentralityWeight: 0.1,
			AreaWeight:       0.2,
		},
		Similarity: SimilarityConfig{
			Threshold:                 0.85,
			UseSpatialConstraint:      true,
			SpatialDistanceThreshold:  0.3,
			TemporalDistanceThreshold: 30,
			ReferenceWidth:            1920,
			ReferenceHeight:           1080,
			BatchSize:                 16,
		},
		Quality: QualityConfig{
			MinQualityScore:       0.3,
			MinResolution:         [2]int{100, 100},
			MinSharpness:          50,
			MinBrightness:         20,
			MaxBrightness:         235,
			MinContrastStd:        15,
			EnableLearnedQuality:  true,
			EnableSharpnessCheck:  true,
			EnableBrightnessCheck: true,
			EnableContrastCheck:   true,
			EnableResolutionCheck: true,
		},
		Models: ModelsConfig{
			ServiceURL:    "http://localhost:8080",
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			ImageSize:     224,
		},
		Validation: ValidationConfig{
			Timeout:                   30 * time.Second,
			RetryAttempts:             3,
			RetryDelay:                time.Second,
			MinValidationScore:        40,
			RequestDelay:              100 * time.Millisecond,
			EnableParallel:            true,
			MaxWorkers:                22,
			EnablePlantIdentification: true,
			ValidationPrompt:          DefaultValidationPrompt,
			IdentificationPrompt:      DefaultIdentificationPrompt,
		},
		Pipeline: PipelineConfig{
			OutputDir:               "./output",
			SaveIntermediateResults: true,
			CopyStageImages:         true,
		},
		State: StateConfig{
			DBPath: "./data/runs.db",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}
