// Package ingest turns a detector log into tracked detections and crop files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/imaging"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/records"
)

// ErrNoUsableFrames is returned when the log yields no crop at all although it
// contains tracked detections, or when it contains no frames.
var ErrNoUsableFrames = errors.New("no usable frames in detection log")

// Metrics summarises one ingest run.
type Metrics struct {
	Frames            int `json:"frames"`
	TotalDetections   int `json:"total_detections"`
	PrefilterRejected int `json:"prefilter_rejected"`
	Untracked         int `json:"untracked"`
	TrackedDetections int `json:"tracked_detections"`
	CropsFromLog      int `json:"crops_from_log"`
	CropsCut          int `json:"crops_cut"`
	CropsMissing      int `json:"crops_missing"`
	FramesMissing     int `json:"frames_missing"`
	FramesBlurry      int `json:"frames_blurry"`
	UniqueTracks      int `json:"unique_tracks"`
}

// Result is the ingest stage output.
type Result struct {
	VideoSource string              `json:"video_source"`
	FrameWidth  int                 `json:"frame_width"`
	FrameHeight int                 `json:"frame_height"`
	Detections  []records.Detection `json:"detections"`
	Crops       []records.Crop      `json:"crops"`
	CropDir     string              `json:"crop_directory"`
	Metrics     Metrics             `json:"metrics"`
}

// Options locates the inputs and outputs of one ingest run.
type Options struct {
	FramesDir string // decoded frame images; empty when the log carries crop paths
	OutputDir string // stage directory; cut crops go to OutputDir/crops
}

// Ingester applies the detector prefilter and materialises crops.
type Ingester struct {
	cfg     config.DetectorConfig
	classes map[int]bool
	logger  *logger.Logger
}

// New creates an ingester for the given detector settings.
func New(cfg config.DetectorConfig, log *logger.Logger) *Ingester {
	classes := make(map[int]bool, len(cfg.PlantClasses))
	for _, c := range cfg.PlantClasses {
		classes[c] = true
	}
	return &Ingester{cfg: cfg, classes: classes, logger: log.Named("ingest")}
}

// Keep reports whether a detection passes the class allow-list and the bbox
// area window.
func (i *Ingester) Keep(classID int, area float64) bool {
	if len(i.classes) > 0 && !i.classes[classID] {
		return false
	}
	return area >= i.cfg.MinBBoxArea && area <= i.cfg.MaxBBoxArea
}

// Run ingests the log.
func (i *Ingester) Run(ctx context.Context, lg *DetectionLog, opts Options) (*Result, error) {
	if len(lg.Frames) == 0 {
		return nil, ErrNoUsableFrames
	}

	fps := lg.FPS
	if fps <= 0 {
		fps = i.cfg.FPS
	}

	res := &Result{
		VideoSource: lg.VideoSource,
		FrameWidth:  firstPositive(i.cfg.FrameWidth, lg.FrameWidth),
		FrameHeight: firstPositive(i.cfg.FrameHeight, lg.FrameHeight),
		CropDir:     filepath.Join(opts.OutputDir, "crops"),
	}
	m := &res.Metrics
	m.Frames = len(lg.Frames)
	tracks := make(map[int]bool)

	i.logger.Info("Ingesting detection log", "video", lg.VideoSource, "frames", len(lg.Frames), "frames_dir", opts.FramesDir)

	for _, fr := range lg.Frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ts := float64(fr.Frame) / fps
		if fr.Timestamp != nil {
			ts = *fr.Timestamp
		}

		var frameImg image.Image
		frameFailed := false

		for idx, obj := range fr.Objects {
			m.TotalDetections++

			area := obj.BBox.Area()
			if obj.BBoxArea != nil {
				area = *obj.BBoxArea
			}
			if !i.Keep(obj.ClassID, area) {
				m.PrefilterRejected++
				continue
			}
			if obj.TrackID == nil {
				m.Untracked++
				continue
			}

			det := records.Detection{
				FrameIndex: fr.Frame,
				Timestamp:  ts,
				TrackID:    obj.TrackID,
				ClassID:    obj.ClassID,
				BBox:       obj.BBox,
				Confidence: obj.Confidence,
				BBoxArea:   area,
				BBoxIndex:  idx,
				CropPath:   lg.resolve(obj.CropPath),
			}
			res.Detections = append(res.Detections, det)
			m.TrackedDetections++
			tracks[*obj.TrackID] = true

			crop := cropFromDetection(det)
			crop.FrameWidth, crop.FrameHeight = res.FrameWidth, res.FrameHeight

			switch {
			case det.CropPath != "":
				if _, err := os.Stat(det.CropPath); err != nil {
					i.logger.Debug("Crop file missing", "path", det.CropPath, "error", err)
					m.CropsMissing++
					continue
				}
				crop.SourcePath = det.CropPath
				crop.Path = det.CropPath
				crop.FileName = filepath.Base(det.CropPath)
				m.CropsFromLog++

			case opts.FramesDir != "":
				if frameFailed {
					continue
				}
				if frameImg == nil {
					img, err := imaging.Load(i.framePath(opts.FramesDir, fr.Frame))
					if err != nil {
						i.logger.Warn("Skipping frame", "frame", fr.Frame, "error", err)
						m.FramesMissing++
						frameFailed = true
						continue
					}
					if threshold := i.cfg.MinFrameSharpness; threshold > 0 {
						if score := imaging.ToGray(img).Sharpness(); score < threshold {
							i.logger.Debug("Skipping blurry frame", "frame", fr.Frame, "sharpness", score, "min", threshold)
							m.FramesBlurry++
							frameFailed = true
							continue
						}
					}
					frameImg = img
				}

				if crop.FrameWidth == 0 || crop.FrameHeight == 0 {
					crop.FrameWidth = frameImg.Bounds().Dx()
					crop.FrameHeight = frameImg.Bounds().Dy()
				}

				cut, err := imaging.Crop(frameImg, det.BBox)
				if err != nil {
					i.logger.Debug("Skipping crop", "frame", fr.Frame, "track_id", *det.TrackID, "error", err)
					continue
				}
				name := records.CropFileName(det.ClassID, *det.TrackID, det.FrameIndex, idx)
				path := filepath.Join(res.CropDir, name)
				if err := imaging.SaveJPEG(path, cut, i.cfg.JPEGQuality); err != nil {
					return nil, fmt.Errorf("failed to write crop %s: %w", name, err)
				}
				crop.SourcePath = path
				crop.Path = path
				crop.FileName = name
				m.CropsCut++

			default:
				continue
			}

			res.Crops = append(res.Crops, crop)
		}
	}

	m.UniqueTracks = len(tracks)

	if m.TrackedDetections > 0 && len(res.Crops) == 0 {
		return nil, ErrNoUsableFrames
	}

	i.logger.Info("Ingest completed",
		"detections", m.TotalDetections,
		"tracked", m.TrackedDetections,
		"untracked", m.Untracked,
		"prefilter_rejected", m.PrefilterRejected,
		"crops", len(res.Crops),
		"tracks", m.UniqueTracks,
	)

	return res, nil
}

func (i *Ingester) framePath(dir string, frame int) string {
	return filepath.Join(dir, fmt.Sprintf(i.cfg.FramePattern, frame))
}

func cropFromDetection(d records.Detection) records.Crop {
	return records.Crop{
		TrackID:    *d.TrackID,
		ClassID:    d.ClassID,
		FrameIndex: d.FrameIndex,
		Timestamp:  d.Timestamp,
		BBox:       d.BBox,
		Confidence: d.Confidence,
		BBoxArea:   d.BBoxArea,
		BBoxIndex:  d.BBoxIndex,
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
