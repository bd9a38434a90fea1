package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"

	"github.com/nfnt/resize"

	"github.com/cropsight/edge-agent/internal/camera"
	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/models"
)

// HTTPDetector runs stage 1 against a sidecar model server (YOLO-style
// endpoint). Frames are downscaled to the model input size before posting;
// returned boxes are scaled back to frame coordinates.
type HTTPDetector struct {
	Endpoint  string
	InputSize image.Point
	Client    *http.Client
}

type wireDetection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	X1         float32 `json:"x1"`
	Y1         float32 `json:"y1"`
	X2         float32 `json:"x2"`
	Y2         float32 `json:"y2"`
}

type detectResponse struct {
	Detections []wireDetection `json:"detections"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame *camera.Frame) ([]models.BoundingBox, error) {
	payload, err := downscaleJPEG(frame.Data, d.InputSize)
	if err != nil {
		return nil, errdefs.Inference("detector", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint+"/detect", bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.Inference("detector", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, errdefs.Inference("detector", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errdefs.Inference("detector", fmt.Errorf("model server returned %d", resp.StatusCode))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errdefs.Inference("detector", err)
	}

	// Scale model-input coordinates back to the captured frame.
	sx := float32(frame.Width) / float32(d.InputSize.X)
	sy := float32(frame.Height) / float32(d.InputSize.Y)
	boxes := make([]models.BoundingBox, 0, len(out.Detections))
	for _, det := range out.Detections {
		boxes = append(boxes, models.BoundingBox{
			Label:      det.Label,
			Confidence: det.Confidence,
			X1:         det.X1 * sx,
			Y1:         det.Y1 * sy,
			X2:         det.X2 * sx,
			Y2:         det.Y2 * sy,
		})
	}
	return boxes, nil
}

func (d *HTTPDetector) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// HTTPSegmenter runs stage 2 against a sidecar segmentation server, prompting
// it with the stage-1 boxes.
type HTTPSegmenter struct {
	Endpoint string
	Client   *http.Client
}

type segmentRequest struct {
	Image string               `json:"image"`
	Boxes []models.BoundingBox `json:"boxes"`
}

type wireMask struct {
	Data       string  `json:"data"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float32 `json:"confidence"`
}

type segmentResponse struct {
	Masks []wireMask `json:"masks"`
}

func (s *HTTPSegmenter) Segment(ctx context.Context, frame *camera.Frame, boxes []models.BoundingBox) ([]models.Mask, error) {
	body, err := json.Marshal(segmentRequest{
		Image: base64.StdEncoding.EncodeToString(frame.Data),
		Boxes: boxes,
	})
	if err != nil {
		return nil, errdefs.Inference("segmenter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/segment", bytes.NewReader(body))
	if err != nil {
		return nil, errdefs.Inference("segmenter", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, errdefs.Inference("segmenter", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errdefs.Inference("segmenter", fmt.Errorf("model server returned %d", resp.StatusCode))
	}

	var out segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errdefs.Inference("segmenter", err)
	}
	if len(out.Masks) != len(boxes) {
		return nil, errdefs.Inference("segmenter",
			fmt.Errorf("got %d masks for %d boxes", len(out.Masks), len(boxes)))
	}

	masks := make([]models.Mask, 0, len(out.Masks))
	for i, wm := range out.Masks {
		data, err := base64.StdEncoding.DecodeString(wm.Data)
		if err != nil {
			return nil, errdefs.Inference("segmenter", err)
		}
		masks = append(masks, models.Mask{
			Box:        boxes[i],
			Data:       data,
			Width:      wm.Width,
			Height:     wm.Height,
			Confidence: wm.Confidence,
		})
	}
	return masks, nil
}

func (s *HTTPSegmenter) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// downscaleJPEG resizes an encoded frame to the model input size and
// re-encodes it.
func downscaleJPEG(data []byte, size image.Point) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	resized := resize.Resize(uint(size.X), uint(size.Y), img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
