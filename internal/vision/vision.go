// Package vision defines the model capability interfaces consumed by the
// detection pipeline and HTTP adapters for sidecar model servers. The models
// themselves are black boxes; the pipeline depends only on these interfaces.
package vision

import (
	"context"

	"github.com/cropsight/edge-agent/internal/camera"
	"github.com/cropsight/edge-agent/internal/models"
)

// Detector is the stage-1 capability: frame in, bounding boxes out. An empty
// slice is a valid answer (no objects found).
type Detector interface {
	Detect(ctx context.Context, frame *camera.Frame) ([]models.BoundingBox, error)
}

// Segmenter is the stage-2 capability: each bounding box prompts a mask and a
// refined confidence. masks[i] corresponds to boxes[i].
type Segmenter interface {
	Segment(ctx context.Context, frame *camera.Frame, boxes []models.BoundingBox) ([]models.Mask, error)
}
