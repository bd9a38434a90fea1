package models

import (
	"fmt"
	"image"
	"time"
)

// SessionState is the lifecycle state of a maintenance session.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionActive   SessionState = "active"
	SessionExpiring SessionState = "expiring"
	SessionClosed   SessionState = "closed"
)

// Session is a time-boxed remote maintenance access window tied to one device.
// Mutated only by the session manager; archived in the store on close.
type Session struct {
	ID            string       `json:"id"`
	DeviceID      string       `json:"device_id"`
	OperatorID    string       `json:"operator_id"`
	State         SessionState `json:"state"`
	StartedAt     time.Time    `json:"started_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// BoundingBox represents a detected object with its label, confidence, and
// pixel coordinates in the captured frame.
type BoundingBox struct {
	Label          string  `json:"label"`
	Confidence     float32 `json:"confidence"`
	X1, Y1, X2, Y2 float32
}

func (b *BoundingBox) String() string {
	return fmt.Sprintf("Object %s (confidence %f): (%f, %f), (%f, %f)",
		b.Label, b.Confidence, b.X1, b.Y1, b.X2, b.Y2)
}

// ToRect converts the bounding box to an image.Rectangle with canonicalized
// integer coordinates.
func (b *BoundingBox) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// Intersection calculates the intersection area between two bounding boxes
// in pixels.
func (b *BoundingBox) Intersection(other *BoundingBox) float32 {
	r1 := b.ToRect()
	r2 := other.ToRect()
	intersected := r1.Intersect(r2).Canon().Size()
	return float32(intersected.X * intersected.Y)
}

// Union calculates the union area between two bounding boxes in pixels.
func (b *BoundingBox) Union(other *BoundingBox) float32 {
	intersectArea := b.Intersection(other)
	r1 := b.ToRect()
	r2 := other.ToRect()
	size1 := r1.Size()
	size2 := r2.Size()
	totalArea := float32(size1.X*size1.Y + size2.X*size2.Y)
	return totalArea - intersectArea
}

// IoU calculates the Intersection over Union between two bounding boxes.
// Used to suppress duplicate detections before segmentation.
func (b *BoundingBox) IoU(other *BoundingBox) float32 {
	union := b.Union(other)
	if union == 0 {
		return 0
	}
	return b.Intersection(other) / union
}

// Mask is a stage-2 segmentation result for one bounding box. Data is an
// encoded binary mask at Width x Height.
type Mask struct {
	Box        BoundingBox `json:"box"`
	Data       []byte      `json:"data"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Confidence float32     `json:"confidence"`
}

// UploadState tracks a detection result through the checkout protocol.
// Transitions only move forward: pending -> reserved -> committed, or
// reserved -> pending when a batch commit exhausts its retries.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadReserved  UploadState = "reserved"
	UploadCommitted UploadState = "committed"
	UploadFailed    UploadState = "failed"
)

// DetectionResult is one processed frame's worth of detections. Boxes, Masks
// and Confidence are immutable after creation; only UploadState advances, and
// only through the store.
type DetectionResult struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id,omitempty"`
	ImageRef    string        `json:"image_ref"`
	Boxes       []BoundingBox `json:"boxes"`
	Masks       []Mask        `json:"masks,omitempty"`
	Confidence  float32       `json:"confidence"`
	Stage2OK    bool          `json:"stage2_ok"`
	Seq         uint64        `json:"seq"`
	CreatedAt   time.Time     `json:"created_at"`
	UploadState UploadState   `json:"upload_state"`
}

// BatchStatus is the lifecycle state of an upload batch.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "open"
	BatchReserved   BatchStatus = "reserved"
	BatchCommitting BatchStatus = "committing"
	BatchCommitted  BatchStatus = "committed"
	BatchFailed     BatchStatus = "failed"
)

// UploadBatch is a reserved group of detection results committed to the
// remote platform as one unit. A result belongs to at most one non-failed
// batch at a time.
type UploadBatch struct {
	ID            string      `json:"id"`
	ResultIDs     []string    `json:"result_ids"`
	CheckoutToken string      `json:"checkout_token"`
	Status        BatchStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ServiceState is the supervision state of a registered service.
type ServiceState string

const (
	ServiceRegistered ServiceState = "registered"
	ServiceStarting   ServiceState = "starting"
	ServiceHealthy    ServiceState = "healthy"
	ServiceDegraded   ServiceState = "degraded"
	ServiceFailed     ServiceState = "failed"
	ServiceStopped    ServiceState = "stopped"
)
