package ingest

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/imaging"
	"github.com/vzahanych/plant-curator/internal/logger"
)

func writeFrame(t *testing.T, dir string, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 60, 255})
		}
	}
	require.NoError(t, imaging.SaveJPEG(filepath.Join(dir, name), img, 90))
}

func newIngester(classes ...int) *Ingester {
	cfg := config.Default().Detector
	cfg.PlantClasses = classes
	return New(cfg, logger.NewNopLogger())
}

func TestIngester_Keep(t *testing.T) {
	ing := newIngester(58)

	assert.True(t, ing.Keep(58, 5000))
	assert.False(t, ing.Keep(3, 5000))
	assert.False(t, ing.Keep(58, 999))
	assert.False(t, ing.Keep(58, 500001))

	open := newIngester()
	assert.True(t, open.Keep(3, 1000))
}

func TestRun_CutsCropsFromFrames(t *testing.T) {
	framesDir := t.TempDir()
	outDir := t.TempDir()
	writeFrame(t, framesDir, "frame_000000.jpg", 320, 240)
	writeFrame(t, framesDir, "frame_000015.jpg", 320, 240)

	lg, err := ParseLog([]byte(`{
		"video_source": "walk.mp4",
		"fps": 30,
		"frames": [
			{"frame": 0, "objects": [
				{"track_id": 1, "class_id": 58, "bbox": [10, 10, 110, 110], "confidence": 0.9},
				{"track_id": null, "class_id": 58, "bbox": [0, 0, 100, 100], "confidence": 0.9},
				{"track_id": 2, "class_id": 3, "bbox": [0, 0, 100, 100], "confidence": 0.9}
			]},
			{"frame": 15, "timestamp": 0.75, "objects": [
				{"track_id": 1, "class_id": 58, "bbox": [280, 200, 400, 300], "confidence": 0.8},
				{"track_id": 3, "class_id": 58, "bbox": [0, 0, 10, 10], "confidence": 0.8}
			]},
			{"frame": 30, "objects": [
				{"track_id": 1, "class_id": 58, "bbox": [10, 10, 110, 110], "confidence": 0.7}
			]}
		]
	}`))
	require.NoError(t, err)

	res, err := newIngester(58).Run(context.Background(), lg, Options{FramesDir: framesDir, OutputDir: outDir})
	require.NoError(t, err)

	m := res.Metrics
	assert.Equal(t, 3, m.Frames)
	assert.Equal(t, 6, m.TotalDetections)
	assert.Equal(t, 2, m.PrefilterRejected) // wrong class, tiny box
	assert.Equal(t, 1, m.Untracked)
	assert.Equal(t, 3, m.TrackedDetections)
	assert.Equal(t, 2, m.CropsCut)
	assert.Equal(t, 1, m.FramesMissing)
	assert.Equal(t, 1, m.UniqueTracks)

	require.Len(t, res.Detections, 3)
	assert.InDelta(t, 0.0, res.Detections[0].Timestamp, 1e-9)
	assert.InDelta(t, 0.75, res.Detections[1].Timestamp, 1e-9)
	assert.InDelta(t, 1.0, res.Detections[2].Timestamp, 1e-9)
	assert.Equal(t, 10000.0, res.Detections[0].BBoxArea)

	require.Len(t, res.Crops, 2)
	first := res.Crops[0]
	assert.Equal(t, "class_58_track_1_frame_0_bbox_0.jpg", first.FileName)
	assert.Equal(t, 320, first.FrameWidth)
	assert.Equal(t, 240, first.FrameHeight)
	img, err := imaging.Load(first.Path)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())

	// clamped to the frame
	img, err = imaging.Load(res.Crops[1].Path)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())
}

func TestRun_UsesCropPathsFromLog(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, "a.jpg", 50, 50)

	logPath := filepath.Join(dir, "detections.json")
	require.NoError(t, os.WriteFile(logPath, []byte(`{
		"frame_width": 1280, "frame_height": 720,
		"frames": [{"frame": 4, "objects": [
			{"track_id": 9, "class_id": 1, "bbox": [0, 0, 50, 50], "confidence": 0.6, "crop_path": "a.jpg"},
			{"track_id": 9, "class_id": 1, "bbox": [0, 0, 50, 50], "confidence": 0.6, "crop_path": "gone.jpg"}
		]}]
	}`), 0644))

	lg, err := LoadLog(logPath)
	require.NoError(t, err)

	res, err := newIngester().Run(context.Background(), lg, Options{OutputDir: t.TempDir()})
	require.NoError(t, err)

	require.Len(t, res.Crops, 1)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), res.Crops[0].Path)
	assert.Equal(t, 1280, res.Crops[0].FrameWidth)
	assert.Equal(t, 1, res.Metrics.CropsMissing)
	assert.InDelta(t, 4.0/30.0, res.Crops[0].Timestamp, 1e-9)
}

func writeSolidFrame(t *testing.T, dir string, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	require.NoError(t, imaging.SaveJPEG(filepath.Join(dir, name), img, 90))
}

func writeCheckerFrame(t *testing.T, dir string, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/8+y/8)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	require.NoError(t, imaging.SaveJPEG(filepath.Join(dir, name), img, 90))
}

func TestRun_SkipsBlurryFrames(t *testing.T) {
	framesDir := t.TempDir()
	writeSolidFrame(t, framesDir, "frame_000000.jpg", 200, 200)
	writeCheckerFrame(t, framesDir, "frame_000015.jpg", 200, 200)

	lg, err := ParseLog([]byte(`{"frames": [
		{"frame": 0, "objects": [{"track_id": 1, "class_id": 58, "bbox": [10, 10, 110, 110], "confidence": 0.9}]},
		{"frame": 15, "objects": [{"track_id": 1, "class_id": 58, "bbox": [10, 10, 110, 110], "confidence": 0.9}]}
	]}`))
	require.NoError(t, err)

	cfg := config.Default().Detector
	cfg.MinFrameSharpness = 100
	ing := New(cfg, logger.NewNopLogger())

	res, err := ing.Run(context.Background(), lg, Options{FramesDir: framesDir, OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metrics.FramesBlurry)
	assert.Equal(t, 0, res.Metrics.FramesMissing)
	assert.Equal(t, 1, res.Metrics.CropsCut)
	assert.Equal(t, 2, res.Metrics.TrackedDetections)
	require.Len(t, res.Crops, 1)
	assert.Equal(t, 15, res.Crops[0].FrameIndex)

	// disabled by default
	res, err = newIngester().Run(context.Background(), lg, Options{FramesDir: framesDir, OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Metrics.FramesBlurry)
	assert.Len(t, res.Crops, 2)
}

func TestRun_AllFramesBlurry(t *testing.T) {
	framesDir := t.TempDir()
	writeSolidFrame(t, framesDir, "frame_000000.jpg", 200, 200)

	lg, err := ParseLog([]byte(`{"frames": [
		{"frame": 0, "objects": [{"track_id": 1, "class_id": 58, "bbox": [10, 10, 110, 110], "confidence": 0.9}]}
	]}`))
	require.NoError(t, err)

	cfg := config.Default().Detector
	cfg.MinFrameSharpness = 100
	_, err = New(cfg, logger.NewNopLogger()).Run(context.Background(), lg, Options{FramesDir: framesDir, OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoUsableFrames)
}

func TestRun_NoUsableFrames(t *testing.T) {
	ing := newIngester()

	_, err := ing.Run(context.Background(), &DetectionLog{}, Options{})
	assert.True(t, errors.Is(err, ErrNoUsableFrames))

	lg, err := ParseLog([]byte(`{"frames": [{"frame": 1, "objects": [
		{"track_id": 1, "class_id": 0, "bbox": [0, 0, 100, 100], "confidence": 0.9}
	]}]}`))
	require.NoError(t, err)

	_, err = ing.Run(context.Background(), lg, Options{FramesDir: t.TempDir(), OutputDir: t.TempDir()})
	assert.True(t, errors.Is(err, ErrNoUsableFrames))
}

func TestRun_FramesWithoutObjects(t *testing.T) {
	lg, err := ParseLog([]byte(`{"frames": [{"frame": 0, "objects": []}, {"frame": 1}]}`))
	require.NoError(t, err)

	res, err := newIngester().Run(context.Background(), lg, Options{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, res.Crops)
	assert.Equal(t, 2, res.Metrics.Frames)
}

func TestRun_Cancelled(t *testing.T) {
	lg, err := ParseLog([]byte(`{"frames": [{"frame": 0}]}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = newIngester().Run(ctx, lg, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
