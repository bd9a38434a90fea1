package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/models"
)

func newTestClient(primary, fallback string) *Client {
	return New(Options{
		DeviceID:         "dev-1",
		PrimaryEndpoint:  primary,
		FallbackEndpoint: fallback,
		CallTimeout:      2 * time.Second,
		DefaultThreshold: 0.5,
	})
}

func testBatch() *models.UploadBatch {
	return &models.UploadBatch{
		ID:            "b1",
		ResultIDs:     []string{"r1"},
		CheckoutToken: "tok-1",
		Status:        models.BatchCommitting,
	}
}

func TestUploadBatchFailsOverToFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	var gotToken atomic.Value
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	c := newTestClient(primary.URL, fallback.URL)
	ctx := context.Background()
	items := []UploadItem{{Result: &models.DetectionResult{ID: "r1"}, Media: []byte("jpeg")}}

	err := c.UploadBatch(ctx, testBatch(), items)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	assert.Equal(t, fallback.URL, c.ActiveEndpoint(), "5xx fails over")

	require.NoError(t, c.UploadBatch(ctx, testBatch(), items))
	assert.Equal(t, "tok-1", gotToken.Load(), "checkout token rides as idempotency key")
}

func TestUploadBatchRejectionIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	err := c.UploadBatch(context.Background(), testBatch(), nil)
	require.Error(t, err)
	assert.False(t, errdefs.IsTransient(err), "4xx must not be retried")
	assert.Equal(t, srv.URL, c.ActiveEndpoint())
}

func TestConfidenceThresholdStaleTolerant(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Config{ConfidenceThreshold: 0.7, HeartbeatSeconds: 60})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	ctx := context.Background()

	assert.InDelta(t, 0.5, float64(c.ConfidenceThreshold()), 1e-6, "default before first refresh")

	c.refreshConfig(ctx)
	assert.InDelta(t, 0.7, float64(c.ConfidenceThreshold()), 1e-6)

	// The platform going away keeps the last known good value in effect.
	broken.Store(true)
	c.refreshConfig(ctx)
	assert.InDelta(t, 0.7, float64(c.ConfidenceThreshold()), 1e-6)
}

func TestPushStatusMailboxKeepsNewestOnly(t *testing.T) {
	c := newTestClient("http://unused.invalid", "")

	ts1 := c.PushStatus(StatusMaintenance)
	ts2 := c.PushStatus(StatusActive)
	assert.Greater(t, ts2, ts1)

	queued := <-c.pushCh
	assert.Equal(t, StatusActive, queued.Status)
	assert.Equal(t, ts2, queued.LogicalTS)
	select {
	case p := <-c.pushCh:
		t.Fatalf("stale push %v still queued", p.Status)
	default:
	}
}

type statusRecorder struct {
	mu      sync.Mutex
	healthy atomic.Bool
	fails   atomic.Int32
	acked   []statusPush
}

func (s *statusRecorder) handler(w http.ResponseWriter, r *http.Request) {
	if !s.healthy.Load() {
		s.fails.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Status    Status `json:"status"`
		LogicalTS uint64 `json:"logical_ts"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.acked = append(s.acked, statusPush{Status: body.Status, LogicalTS: body.LogicalTS})
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *statusRecorder) ackedPushes() []statusPush {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusPush(nil), s.acked...)
}

func TestStatusLoopRetriesUntilAcked(t *testing.T) {
	rec := &statusRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.RunStatusLoop(ctx); close(done) }()

	require.Eventually(t, c.statusRunning.Load, time.Second, time.Millisecond)

	ts := c.PushStatus(StatusMaintenance)
	require.Eventually(t, func() bool { return rec.fails.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)

	rec.healthy.Store(true)
	require.Eventually(t, func() bool { return len(rec.ackedPushes()) >= 1 }, 10*time.Second, 10*time.Millisecond)

	acked := rec.ackedPushes()
	assert.Equal(t, StatusMaintenance, acked[0].Status)
	assert.Equal(t, ts, acked[0].LogicalTS)

	cancel()
	<-done
	assert.False(t, c.statusRunning.Load())
}

func TestRunningRequiresBothLoops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Config{ConfidenceThreshold: 0.5})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	assert.False(t, c.Running())

	statusCtx, cancelStatus := context.WithCancel(context.Background())
	statusDone := make(chan struct{})
	go func() { c.RunStatusLoop(statusCtx); close(statusDone) }()
	require.Eventually(t, c.statusRunning.Load, time.Second, time.Millisecond)
	assert.False(t, c.Running(), "status loop alone is not enough")

	cfgCtx, cancelCfg := context.WithCancel(context.Background())
	cfgDone := make(chan struct{})
	go func() { c.RunConfigLoop(cfgCtx, 10*time.Millisecond); close(cfgDone) }()
	require.Eventually(t, c.Running, time.Second, time.Millisecond)

	// Either loop exiting must turn the health signal off again.
	cancelCfg()
	<-cfgDone
	assert.False(t, c.Running())

	cancelStatus()
	<-statusDone
}

func TestConcurrentPushersNeverLeaveStaleMailbox(t *testing.T) {
	c := newTestClient("http://unused.invalid", "")

	const (
		pushers = 4
		rounds  = 500
	)
	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status := StatusActive
			if n%2 == 0 {
				status = StatusMaintenance
			}
			for j := 0; j < rounds; j++ {
				c.PushStatus(status)
			}
		}(i)
	}
	wg.Wait()

	// With no loop draining, the mailbox must end up holding the single
	// newest push ever issued.
	queued := <-c.pushCh
	assert.Equal(t, uint64(pushers*rounds), queued.LogicalTS)
	select {
	case p := <-c.pushCh:
		t.Fatalf("second push ts=%d still queued", p.LogicalTS)
	default:
	}
}

func TestNewerPushSupersedesUnackedOlder(t *testing.T) {
	rec := &statusRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunStatusLoop(ctx)

	c.PushStatus(StatusMaintenance)
	tsNew := c.PushStatus(StatusActive)

	// Let the loop fail at least once while the stale push might be in
	// flight, then heal the platform.
	require.Eventually(t, func() bool { return rec.fails.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	rec.healthy.Store(true)

	require.Eventually(t, func() bool { return len(rec.ackedPushes()) >= 1 }, 10*time.Second, 10*time.Millisecond)

	for _, p := range rec.ackedPushes() {
		assert.Equal(t, StatusActive, p.Status, "stale status must never be applied")
		assert.Equal(t, tsNew, p.LogicalTS)
	}
}
