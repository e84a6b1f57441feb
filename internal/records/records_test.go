package records

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBox_Geometry(t *testing.T) {
	b := BBox{10, 20, 110, 70}
	assert.Equal(t, 100.0, b.Width())
	assert.Equal(t, 50.0, b.Height())
	assert.Equal(t, 5000.0, b.Area())

	cx, cy := b.Center()
	assert.Equal(t, 60.0, cx)
	assert.Equal(t, 45.0, cy)

	assert.Equal(t, 0.0, BBox{10, 10, 5, 20}.Area())
}

func TestBBox_IoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", BBox{0, 0, 10, 10}, BBox{0, 0, 10, 10}, 1},
		{"half overlap", BBox{0, 0, 10, 10}, BBox{5, 0, 15, 10}, 50.0 / 150.0},
		{"disjoint", BBox{0, 0, 10, 10}, BBox{20, 20, 30, 30}, 0},
		{"touching edge", BBox{0, 0, 10, 10}, BBox{10, 0, 20, 10}, 0},
		{"degenerate", BBox{0, 0, 0, 0}, BBox{0, 0, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), 1e-9)
			assert.InDelta(t, tt.want, tt.b.IoU(tt.a), 1e-9)
		})
	}
}

func TestDetection_TrackID(t *testing.T) {
	var d Detection
	require.NoError(t, json.Unmarshal([]byte(`{"frame":3,"track_id":null,"bbox":[0,0,1,1]}`), &d))
	assert.False(t, d.Tracked())
	assert.Equal(t, -1, d.Track())

	require.NoError(t, json.Unmarshal([]byte(`{"frame":3,"track_id":7,"bbox":[0,0,1,1]}`), &d))
	assert.True(t, d.Tracked())
	assert.Equal(t, 7, d.Track())
}

func TestCropFileName(t *testing.T) {
	assert.Equal(t, "class_58_track_4_frame_120_bbox_1.jpg", CropFileName(58, 4, 120, 1))
}

func TestIdentification_FlexibleConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`{"confidence": 85}`, 85},
		{`{"confidence": "72"}`, 72},
		{`{"confidence": "90%"}`, 90},
		{`{"confidence": "high"}`, 0},
		{`{"confidence": null}`, 0},
	}

	for _, tt := range tests {
		var id Identification
		require.NoError(t, json.Unmarshal([]byte(tt.in), &id), tt.in)
		assert.Equal(t, tt.want, float64(id.Confidence), tt.in)
	}
}

func TestCrop_EmbeddingNotSerialized(t *testing.T) {
	c := Crop{TrackID: 1, Embedding: []float64{1, 2, 3}}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "embedding")
}
