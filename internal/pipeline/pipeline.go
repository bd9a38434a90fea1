// Package pipeline runs the two-stage inference pipeline: a bounded frame
// queue fed by the capture producer, N workers running detector then
// segmenter, and persistence of surviving results to the local store.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cropsight/edge-agent/internal/camera"
	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/metrics"
	"github.com/cropsight/edge-agent/internal/models"
	"github.com/cropsight/edge-agent/internal/vision"
)

var errMaskCount = errors.New("segmenter returned wrong mask count")

// ThresholdSource provides the dynamic confidence threshold. Reads must not
// block; a stale value is acceptable.
type ThresholdSource interface {
	ConfidenceThreshold() float32
}

// ResultSink persists emitted detection results with their media blob.
type ResultSink interface {
	AppendResult(ctx context.Context, r *models.DetectionResult, media []byte) error
}

// Options configures a Pipeline.
type Options struct {
	QueueCapacity     int
	Workers           int
	DegradationFactor float32 // applied to raw confidence when stage 2 fails, < 1
	DuplicateIoU      float32 // boxes overlapping above this are suppressed before stage 2
	Detector          vision.Detector
	Segmenter         vision.Segmenter
	Thresholds        ThresholdSource
	Sink              ResultSink
	Logger            zerolog.Logger
}

// Pipeline consumes frames from a bounded queue. When the queue is full the
// oldest frame is dropped: an unprocessed old frame from a real-time feed is
// worthless, and the capture producer must never block.
type Pipeline struct {
	opts  Options
	queue chan *camera.Frame
	log   zerolog.Logger

	accepting atomic.Bool
	laneMu    sync.RWMutex
	lane      string

	dropped atomic.Uint64
	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Pipeline.
func New(opts Options) *Pipeline {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 8
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.DegradationFactor <= 0 || opts.DegradationFactor >= 1 {
		opts.DegradationFactor = 0.5
	}
	if opts.DuplicateIoU <= 0 {
		opts.DuplicateIoU = 0.7
	}
	return &Pipeline{
		opts:  opts,
		queue: make(chan *camera.Frame, opts.QueueCapacity),
		log:   opts.Logger,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained their in-flight frame.
func (p *Pipeline) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	<-ctx.Done()
	p.wg.Wait()
}

// Running reports whether the workers are up. Used as the orchestrator health
// check.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Resume opens the pipeline lane for the given session. Frames offered from
// now on are tagged with the session id. An empty id runs the pipeline in
// unattended mode.
func (p *Pipeline) Resume(sessionID string) {
	p.laneMu.Lock()
	p.lane = sessionID
	p.laneMu.Unlock()
	p.accepting.Store(true)
	p.log.Info().Str("session_id", sessionID).Msg("pipeline resumed")
}

// Pause closes the lane: new frames are rejected immediately. Frames already
// queued and inference already in flight are allowed to drain and be stored.
func (p *Pipeline) Pause() {
	p.accepting.Store(false)
	p.laneMu.Lock()
	p.lane = ""
	p.laneMu.Unlock()
	p.log.Info().Msg("pipeline paused")
}

// Offer hands a captured frame to the queue. It never blocks: when the queue
// is full the oldest queued frame is evicted and logged. Returns false when
// the frame was not accepted (paused pipeline).
func (p *Pipeline) Offer(frame *camera.Frame) bool {
	if !p.accepting.Load() {
		return false
	}
	p.laneMu.RLock()
	frame.SessionID = p.lane
	p.laneMu.RUnlock()

	metrics.FramesCaptured.Inc()
	for {
		select {
		case p.queue <- frame:
			return true
		default:
		}
		select {
		case old := <-p.queue:
			p.dropped.Add(1)
			metrics.FramesDropped.Inc()
			p.log.Debug().Uint64("seq", old.Seq).Msg("queue full, dropping oldest frame")
		default:
		}
	}
}

// Dropped returns the number of frames evicted from the queue so far.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.queue:
			p.process(ctx, frame)
		}
	}
}

// process runs both stages over one frame and stores the surviving result.
func (p *Pipeline) process(ctx context.Context, frame *camera.Frame) {
	boxes, err := p.opts.Detector.Detect(ctx, frame)
	if err != nil {
		p.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("stage 1 failed, skipping frame")
		return
	}
	if len(boxes) == 0 {
		// Valid answer: nothing in frame.
		return
	}
	boxes = suppressDuplicates(boxes, p.opts.DuplicateIoU)

	stage2OK := true
	masks, err := p.opts.Segmenter.Segment(ctx, frame, boxes)
	if err == nil && len(masks) != len(boxes) {
		err = errdefs.Inference("segmenter", errMaskCount)
	}
	if err != nil {
		if !errdefs.IsInference(err) {
			p.log.Error().Err(err).Uint64("seq", frame.Seq).Msg("stage 2 failed")
		}
		// Degraded result, never silently dropped.
		stage2OK = false
		masks = nil
		metrics.Stage2Failures.Inc()
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).
			Float32("degradation_factor", p.opts.DegradationFactor).
			Msg("stage 2 failed, emitting degraded result")
	}

	threshold := p.opts.Thresholds.ConfidenceThreshold()

	var (
		kept      []models.BoundingBox
		keptMasks []models.Mask
		maxFinal  float32
	)
	for i, box := range boxes {
		var final float32
		if stage2OK {
			// Conservative policy: a weak stage-2 result must not inflate
			// a weak stage-1 box.
			final = math32.Min(box.Confidence, masks[i].Confidence)
		} else {
			final = box.Confidence * p.opts.DegradationFactor
		}
		if final < threshold {
			continue
		}
		box.Confidence = final
		kept = append(kept, box)
		if stage2OK {
			keptMasks = append(keptMasks, masks[i])
		}
		if final > maxFinal {
			maxFinal = final
		}
	}
	if len(kept) == 0 {
		metrics.ResultsFiltered.Inc()
		return
	}

	result := &models.DetectionResult{
		ID:         uuid.NewString(),
		SessionID:  frame.SessionID,
		Boxes:      kept,
		Masks:      keptMasks,
		Confidence: maxFinal,
		Stage2OK:   stage2OK,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.opts.Sink.AppendResult(ctx, result, frame.Data); err != nil {
		p.log.Error().Err(err).Str("result_id", result.ID).Msg("persisting result failed")
		return
	}
	metrics.ResultsEmitted.Inc()
	p.log.Debug().Str("result_id", result.ID).Int("boxes", len(kept)).
		Bool("stage2_ok", stage2OK).Float32("confidence", maxFinal).
		Msg("result stored")
}

// suppressDuplicates drops boxes that overlap an already kept, more confident
// box above the IoU threshold.
func suppressDuplicates(boxes []models.BoundingBox, iou float32) []models.BoundingBox {
	if len(boxes) < 2 {
		return boxes
	}
	ordered := make([]models.BoundingBox, len(boxes))
	copy(ordered, boxes)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Confidence > ordered[i].Confidence {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	var kept []models.BoundingBox
	for i := range ordered {
		dup := false
		for k := range kept {
			if ordered[i].IoU(&kept[k]) > iou {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, ordered[i])
		}
	}
	return kept
}
