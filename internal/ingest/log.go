package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vzahanych/plant-curator/internal/records"
)

// DetectionLog is the document written by the upstream detector and tracker.
type DetectionLog struct {
	VideoSource string  `json:"video_source"`
	FPS         float64 `json:"fps"`
	FrameWidth  int     `json:"frame_width"`
	FrameHeight int     `json:"frame_height"`
	Frames      []Frame `json:"frames"`

	// baseDir resolves relative crop paths.
	baseDir string
}

// Frame holds the objects reported for one video frame.
type Frame struct {
	Frame     int      `json:"frame"`
	Timestamp *float64 `json:"timestamp"`
	Objects   []Object `json:"objects"`
}

// Object is one detector output inside a frame.
type Object struct {
	TrackID    *int         `json:"track_id"`
	ClassID    int          `json:"class_id"`
	BBox       records.BBox `json:"bbox"`
	Confidence float64      `json:"confidence"`
	BBoxArea   *float64     `json:"bbox_area"`
	CropPath   string       `json:"crop_path"`
}

// LoadLog reads a detection log from disk. Relative crop paths inside it are
// resolved against the log's directory.
func LoadLog(path string) (*DetectionLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read detection log: %w", err)
	}

	lg, err := ParseLog(data)
	if err != nil {
		return nil, err
	}
	lg.baseDir = filepath.Dir(path)
	return lg, nil
}

// ParseLog decodes a detection log document.
func ParseLog(data []byte) (*DetectionLog, error) {
	var lg DetectionLog
	if err := json.Unmarshal(data, &lg); err != nil {
		return nil, fmt.Errorf("failed to parse detection log: %w", err)
	}
	return &lg, nil
}

func (l *DetectionLog) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || l.baseDir == "" {
		return path
	}
	return filepath.Join(l.baseDir, path)
}
