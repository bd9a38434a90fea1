package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsight/edge-agent/internal/camera"
	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/models"
)

func testFrame(t *testing.T, w, h int) *camera.Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return &camera.Frame{Data: buf.Bytes(), Width: w, Height: h, Seq: 1}
}

func TestHTTPDetectorScalesBoxesToFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))

		// The posted payload must be a decodable JPEG at model input size.
		cfg, err := jpeg.DecodeConfig(r.Body)
		require.NoError(t, err)
		assert.Equal(t, 320, cfg.Width)
		assert.Equal(t, 240, cfg.Height)

		_ = json.NewEncoder(w).Encode(detectResponse{Detections: []wireDetection{
			{Label: "weed", Confidence: 0.9, X1: 10, Y1: 20, X2: 110, Y2: 120},
		}})
	}))
	defer srv.Close()

	d := &HTTPDetector{Endpoint: srv.URL, InputSize: image.Pt(320, 240)}
	boxes, err := d.Detect(context.Background(), testFrame(t, 640, 480))
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "weed", boxes[0].Label)
	assert.InDelta(t, 20, float64(boxes[0].X1), 1e-3)
	assert.InDelta(t, 40, float64(boxes[0].Y1), 1e-3)
	assert.InDelta(t, 220, float64(boxes[0].X2), 1e-3)
	assert.InDelta(t, 240, float64(boxes[0].Y2), 1e-3)
}

func TestHTTPDetectorServerErrorIsInference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := &HTTPDetector{Endpoint: srv.URL, InputSize: image.Pt(320, 240)}
	_, err := d.Detect(context.Background(), testFrame(t, 640, 480))
	require.Error(t, err)
	assert.True(t, errdefs.IsInference(err))
}

func TestHTTPSegmenterPairsMasksWithBoxes(t *testing.T) {
	maskData := []byte{0x01, 0x00, 0x01}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/segment", r.URL.Path)
		var req segmentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Boxes, 2)

		img, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		_, err = jpeg.DecodeConfig(bytes.NewReader(img))
		require.NoError(t, err, "segmenter receives the full frame")

		masks := make([]wireMask, len(req.Boxes))
		for i := range masks {
			masks[i] = wireMask{
				Data:       base64.StdEncoding.EncodeToString(maskData),
				Width:      3,
				Height:     1,
				Confidence: 0.8,
			}
		}
		_ = json.NewEncoder(w).Encode(segmentResponse{Masks: masks})
	}))
	defer srv.Close()

	boxes := []models.BoundingBox{
		{Label: "weed", Confidence: 0.9, X1: 0, Y1: 0, X2: 10, Y2: 10},
		{Label: "weed", Confidence: 0.7, X1: 20, Y1: 20, X2: 30, Y2: 30},
	}
	s := &HTTPSegmenter{Endpoint: srv.URL}
	masks, err := s.Segment(context.Background(), testFrame(t, 64, 48), boxes)
	require.NoError(t, err)
	require.Len(t, masks, 2)
	assert.Equal(t, boxes[0], masks[0].Box)
	assert.Equal(t, boxes[1], masks[1].Box)
	assert.Equal(t, maskData, masks[0].Data)
	assert.InDelta(t, 0.8, float64(masks[1].Confidence), 1e-6)
}

func TestHTTPSegmenterMaskCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(segmentResponse{Masks: []wireMask{}})
	}))
	defer srv.Close()

	s := &HTTPSegmenter{Endpoint: srv.URL}
	_, err := s.Segment(context.Background(), testFrame(t, 64, 48), []models.BoundingBox{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInference(err))
}
