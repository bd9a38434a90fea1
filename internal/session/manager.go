// Package session owns the maintenance session state machine. The current
// session is a single value encapsulated here and mutated only through
// Start, Heartbeat and Stop; nothing else reaches into it.
package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cropsight/edge-agent/internal/camera"
	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/models"
	"github.com/cropsight/edge-agent/internal/platform"
)

// Pipeline is the slice of the detection pipeline the manager drives.
type Pipeline interface {
	Resume(sessionID string)
	Pause()
	Offer(frame *camera.Frame) bool
}

// StatusPusher mirrors session state to the platform.
type StatusPusher interface {
	PushStatus(status platform.Status) uint64
}

// Notifier delivers best-effort operator notifications. May be nil.
type Notifier interface {
	Publish(subject string, payload []byte) error
}

// Archiver persists closed sessions.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *models.Session) error
}

// Options configures a Manager.
type Options struct {
	DeviceID   string
	TTL        time.Duration
	WarnWindow time.Duration
	Camera     camera.Camera
	Pipeline   Pipeline
	Platform   StatusPusher
	Notifier   Notifier
	Store      Archiver
	Logger     zerolog.Logger
}

// Manager is the session state machine: Idle -> Active -> Expiring -> Closed,
// with at most one Active/Expiring session per device.
type Manager struct {
	opts   Options
	log    zerolog.Logger
	tracer trace.Tracer

	mu            sync.Mutex
	cur           *models.Session
	handle        camera.Handle
	captureCancel context.CancelFunc
	warnTimer     *time.Timer
	expireTimer   *time.Timer
}

// New builds a Manager.
func New(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.WarnWindow <= 0 || opts.WarnWindow >= opts.TTL {
		opts.WarnWindow = opts.TTL / 10
	}
	return &Manager{
		opts:   opts,
		log:    opts.Logger,
		tracer: otel.Tracer("edge-agent/session"),
	}
}

// Current returns a snapshot of the active session, or nil when idle.
func (m *Manager) Current() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	cp := *m.cur
	return &cp
}

// Idle reports whether no session is active. Doubles as the orchestrator
// health signal (the manager is healthy in any state, it only has to answer).
func (m *Manager) Idle() bool {
	return m.Current() == nil
}

// Start opens a maintenance session for the operator. Fails with a
// ConflictError while a session is Active or Expiring. The camera is acquired
// first: on HardwareError the device stays Idle and no status is pushed.
func (m *Manager) Start(ctx context.Context, operatorID string) (*models.Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.start",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		err := errdefs.Conflict("session.start",
			"session %s is %s", m.cur.ID, m.cur.State)
		span.RecordError(err)
		return nil, err
	}

	handle, err := m.opts.Camera.Open(ctx)
	if err != nil {
		span.RecordError(err)
		m.log.Error().Err(err).Msg("camera acquisition failed, session stays idle")
		return nil, err
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:            uuid.NewString(),
		DeviceID:      m.opts.DeviceID,
		OperatorID:    operatorID,
		State:         models.SessionActive,
		StartedAt:     now,
		ExpiresAt:     now.Add(m.opts.TTL),
		LastHeartbeat: now,
	}
	m.cur = sess
	m.handle = handle

	m.opts.Pipeline.Resume(sess.ID)
	m.opts.Platform.PushStatus(platform.StatusMaintenance)
	m.armTimersLocked()

	captureCtx, cancel := context.WithCancel(context.Background())
	m.captureCancel = cancel
	go m.captureLoop(captureCtx, handle)

	span.SetAttributes(attribute.String("session.id", sess.ID))
	m.log.Info().Str("session_id", sess.ID).Str("operator_id", operatorID).
		Time("expires_at", sess.ExpiresAt).Msg("session started")
	cp := *sess
	return &cp, nil
}

// Heartbeat extends the session expiry. A heartbeat for an already closed
// session is a no-op, not an error.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return nil
	}
	if m.cur.ID != sessionID {
		return errdefs.ErrNotFound
	}
	now := time.Now().UTC()
	m.cur.LastHeartbeat = now
	m.cur.ExpiresAt = now.Add(m.opts.TTL)
	// A heartbeat during the warning window rescinds it.
	m.cur.State = models.SessionActive
	m.armTimersLocked()
	m.log.Debug().Str("session_id", sessionID).Time("expires_at", m.cur.ExpiresAt).
		Msg("heartbeat extended session")
	return nil
}

// Stop closes the session: capture stops, the camera is released, the
// pipeline pauses, status active is pushed, the session is archived.
// Idempotent: stopping an already closed session is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx, "operator")
}

func (m *Manager) closeLocked(ctx context.Context, reason string) error {
	if m.cur == nil {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "session.close",
		trace.WithAttributes(
			attribute.String("session.id", m.cur.ID),
			attribute.String("reason", reason),
		))
	defer span.End()

	sess := m.cur
	m.stopTimersLocked()
	if m.captureCancel != nil {
		m.captureCancel()
		m.captureCancel = nil
	}
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.log.Warn().Err(err).Msg("camera release failed")
		}
		m.handle = nil
	}
	m.opts.Pipeline.Pause()

	sess.State = models.SessionClosed
	m.opts.Platform.PushStatus(platform.StatusActive)
	if err := m.opts.Store.ArchiveSession(ctx, sess); err != nil {
		m.log.Error().Err(err).Str("session_id", sess.ID).Msg("archiving session failed")
	}
	m.notify("agent.session.closed", sess)

	m.cur = nil
	m.log.Info().Str("session_id", sess.ID).Str("reason", reason).Msg("session closed")
	return nil
}

// armTimersLocked (re)arms the warning and expiry timers from the current
// expires_at. Caller holds the lock.
func (m *Manager) armTimersLocked() {
	m.stopTimersLocked()
	sess := m.cur
	warnIn := time.Until(sess.ExpiresAt.Add(-m.opts.WarnWindow))
	expireIn := time.Until(sess.ExpiresAt)
	id := sess.ID
	m.warnTimer = time.AfterFunc(warnIn, func() { m.onWarn(id) })
	m.expireTimer = time.AfterFunc(expireIn, func() { m.onExpire(id) })
}

func (m *Manager) stopTimersLocked() {
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
	if m.expireTimer != nil {
		m.expireTimer.Stop()
		m.expireTimer = nil
	}
}

// onWarn moves the session to Expiring and notifies the operator channel.
// Camera and pipeline keep running.
func (m *Manager) onWarn(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.ID != sessionID || m.cur.State != models.SessionActive {
		return
	}
	m.cur.State = models.SessionExpiring
	m.notify("agent.session.expiring", m.cur)
	m.log.Warn().Str("session_id", sessionID).Time("expires_at", m.cur.ExpiresAt).
		Msg("session expiring soon")
}

func (m *Manager) onExpire(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.ID != sessionID {
		return
	}
	if err := m.closeLocked(context.Background(), "expired"); err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("closing expired session")
	}
}

// notify publishes a best-effort operator notification. Failures are logged,
// never propagated.
func (m *Manager) notify(subject string, sess *models.Session) {
	if m.opts.Notifier == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"session_id": sess.ID,
		"device_id":  sess.DeviceID,
		"state":      sess.State,
		"expires_at": sess.ExpiresAt,
	})
	if err := m.opts.Notifier.Publish(subject, payload); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("operator notification failed")
	}
}

// captureLoop is the camera-capture producer: it pumps frames into the
// pipeline until the session closes. A read failure surfaces as a hardware
// error and closes the session; in-flight inference is left to drain.
func (m *Manager) captureLoop(ctx context.Context, handle camera.Handle) {
	for {
		frame, err := handle.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == io.EOF {
				m.log.Info().Msg("camera stream ended")
				return
			}
			if errdefs.IsHardware(err) {
				m.log.Error().Err(err).Msg("camera read failed, closing session")
				m.mu.Lock()
				_ = m.closeLocked(context.Background(), "hardware failure")
				m.mu.Unlock()
				return
			}
			m.log.Warn().Err(err).Msg("frame read error")
			continue
		}
		m.opts.Pipeline.Offer(frame)
	}
}
