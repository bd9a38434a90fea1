package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsight/edge-agent/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	starts []string
	stops  []string
}

func (r *recorder) start(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, name)
}

func (r *recorder) stop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, name)
}

func (r *recorder) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

func (r *recorder) stopOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stops...)
}

type testService struct {
	name      string
	rec       *recorder
	startErr  error
	unhealthy atomic.Bool
	// when set, a restart heals the service again
	recoverOnRestart bool
	startCount       atomic.Int32
}

func (s *testService) Start(context.Context) error {
	s.rec.start(s.name)
	if s.startCount.Add(1) > 1 && s.recoverOnRestart {
		s.unhealthy.Store(false)
	}
	return s.startErr
}

func (s *testService) Stop(context.Context) error {
	s.rec.stop(s.name)
	return nil
}

func (s *testService) HealthCheck(context.Context) error {
	if s.unhealthy.Load() {
		return errors.New("unhealthy")
	}
	return nil
}

type memNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *memNotifier) Publish(subject string, _ []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *memNotifier) published() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.subjects...)
}

func register(t *testing.T, o *Orchestrator, rec *recorder, name string, deps ...string) *testService {
	t.Helper()
	svc := &testService{name: name, rec: rec}
	require.NoError(t, o.Register(Descriptor{
		Name:           name,
		Dependencies:   deps,
		Service:        svc,
		HealthInterval: 5 * time.Millisecond,
		Restart:        RestartPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}))
	return svc
}

func TestStartOrderFollowsDependencies(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	register(t, o, rec, "api", "store", "pipeline")
	register(t, o, rec, "pipeline", "store")
	register(t, o, rec, "store")
	register(t, o, rec, "metrics")

	order, err := o.StartOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics", "store", "pipeline", "api"}, order)
}

func TestUnknownDependencyRejected(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	register(t, o, rec, "api", "ghost")

	_, err := o.StartOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestCycleRejectedBeforeAnyStart(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	register(t, o, rec, "a", "b")
	register(t, o, rec, "b", "a")

	err := o.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
	assert.Empty(t, rec.startOrder(), "nothing may start on a cyclic graph")
	assert.Equal(t, models.ServiceRegistered, o.State("a"))
	assert.Equal(t, models.ServiceRegistered, o.State("b"))
}

func TestRegisterValidation(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}

	assert.Error(t, o.Register(Descriptor{Name: "", Service: &testService{rec: rec}}))
	assert.Error(t, o.Register(Descriptor{Name: "a"}))

	register(t, o, rec, "a")
	err := o.Register(Descriptor{Name: "a", Service: &testService{rec: rec}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestStartAllAndReverseStop(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	register(t, o, rec, "api", "store")
	register(t, o, rec, "store")

	require.NoError(t, o.StartAll(context.Background()))
	assert.Equal(t, []string{"store", "api"}, rec.startOrder())
	assert.Equal(t, models.ServiceHealthy, o.State("store"))
	assert.Equal(t, models.ServiceHealthy, o.State("api"))

	o.StopAll(context.Background())
	assert.Equal(t, []string{"api", "store"}, rec.stopOrder())
	assert.Equal(t, models.ServiceStopped, o.State("store"))
	assert.Equal(t, models.ServiceStopped, o.State("api"))
}

func TestStartFailureAbortsRemainingServices(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	register(t, o, rec, "store")
	api := register(t, o, rec, "api", "store")
	api.startErr = errors.New("bind failed")

	err := o.StartAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.ServiceHealthy, o.State("store"))
	assert.Equal(t, models.ServiceFailed, o.State("api"))
}

func TestFailedStartAllStopsSupervision(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	store := register(t, o, rec, "store")
	api := register(t, o, rec, "api", "store")
	api.startErr = errors.New("bind failed")

	require.Error(t, o.StartAll(context.Background()))

	// The monitor of the already-started service must be gone: an
	// unhealthy store no longer degrades or restarts.
	store.unhealthy.Store(true)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.ServiceHealthy, o.State("store"))
	assert.Equal(t, []string{"store", "api"}, rec.startOrder(), "no restart attempts after aborted startup")

	// StopAll after the aborted startup still shuts the tree down.
	o.StopAll(context.Background())
	assert.Equal(t, models.ServiceStopped, o.State("store"))
}

func TestDegradedServiceExhaustsRestartsAndFails(t *testing.T) {
	notifier := &memNotifier{}
	o := New(zerolog.Nop(), notifier)
	rec := &recorder{}
	svc := register(t, o, rec, "pipeline")

	require.NoError(t, o.StartAll(context.Background()))
	svc.unhealthy.Store(true)

	require.Eventually(t, func() bool {
		return o.State("pipeline") == models.ServiceFailed
	}, 5*time.Second, 5*time.Millisecond)

	// Initial start plus two restart attempts.
	assert.Equal(t, 3, len(rec.startOrder()))
	assert.Contains(t, notifier.published(), "agent.service.failed")

	o.StopAll(context.Background())
}

func TestDegradedServiceRecoversOnRestart(t *testing.T) {
	o := New(zerolog.Nop(), nil)
	rec := &recorder{}
	svc := register(t, o, rec, "pipeline")
	svc.recoverOnRestart = true

	require.NoError(t, o.StartAll(context.Background()))
	svc.unhealthy.Store(true)

	require.Eventually(t, func() bool {
		return svc.startCount.Load() > 1 && o.State("pipeline") == models.ServiceHealthy
	}, 5*time.Second, 5*time.Millisecond)

	o.StopAll(context.Background())
}
