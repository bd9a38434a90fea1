// Package platform is the outbound client for the remote platform: status
// pushes, dynamic config pulls and batch uploads. It owns the consistency
// contract: a status push is retried until acked or superseded by a strictly
// newer push, and config reads never block on the network.
package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cropsight/edge-agent/internal/errdefs"
	"github.com/cropsight/edge-agent/internal/metrics"
	"github.com/cropsight/edge-agent/internal/models"
)

// Status is the device status mirrored to the platform.
type Status string

const (
	// StatusMaintenance is pushed while a maintenance session is open.
	StatusMaintenance Status = "maintenance"
	// StatusActive is the normal unattended operating status.
	StatusActive Status = "active"
)

// Config is the dynamic device configuration served by the platform.
type Config struct {
	ConfidenceThreshold float32 `json:"confidence_threshold"`
	HeartbeatSeconds    int     `json:"heartbeat_seconds,omitempty"`
}

type statusPush struct {
	Status    Status
	LogicalTS uint64
	RequestID string
}

// Options configures a Client.
type Options struct {
	DeviceID         string
	PrimaryEndpoint  string
	FallbackEndpoint string
	CallTimeout      time.Duration
	DefaultThreshold float32
	Logger           zerolog.Logger
}

// Client talks to the platform over its primary endpoint and fails over to
// the fallback (e.g. local network vs. tunnel) on transport errors.
type Client struct {
	opts Options
	http *http.Client
	log  zerolog.Logger

	endpoints []string
	activeIdx atomic.Int32

	logicalTS atomic.Uint64

	// Single-slot latest-wins mailbox for status pushes: a newer push
	// supersedes an unacked older one, which is abandoned.
	pushCh chan statusPush

	cfgMu sync.RWMutex
	cfg   Config
	cfgOK bool

	statusRunning atomic.Bool
	configRunning atomic.Bool
}

// New builds a Client. The fallback endpoint may be empty.
func New(opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	endpoints := []string{opts.PrimaryEndpoint}
	if opts.FallbackEndpoint != "" {
		endpoints = append(endpoints, opts.FallbackEndpoint)
	}
	return &Client{
		opts:      opts,
		http:      &http.Client{Timeout: opts.CallTimeout},
		log:       opts.Logger,
		endpoints: endpoints,
		pushCh:    make(chan statusPush, 1),
	}
}

// ActiveEndpoint returns the endpoint currently used for outbound calls.
func (c *Client) ActiveEndpoint() string {
	return c.endpoints[c.activeIdx.Load()]
}

func (c *Client) failover() {
	if len(c.endpoints) < 2 {
		return
	}
	idx := (c.activeIdx.Load() + 1) % int32(len(c.endpoints))
	c.activeIdx.Store(idx)
	c.log.Warn().Str("endpoint", c.endpoints[idx]).Msg("failing over platform endpoint")
}

// Running reports whether both background loops are up. Used as the
// orchestrator health check: remote reachability alone must not mark the sync
// service unhealthy.
func (c *Client) Running() bool {
	return c.statusRunning.Load() && c.configRunning.Load()
}

// PushStatus enqueues a status push carrying the next logical timestamp and
// returns immediately. The push loop retries it until the platform acks or a
// newer push supersedes it.
func (c *Client) PushStatus(status Status) uint64 {
	ts := c.logicalTS.Add(1)
	p := statusPush{Status: status, LogicalTS: ts, RequestID: uuid.NewString()}
	for {
		select {
		case c.pushCh <- p:
			return ts
		default:
			// Mailbox full: keep whichever push is newer, never apply a
			// stale one out of order. Under concurrent callers the queued
			// push may carry the higher timestamp.
			select {
			case queued := <-c.pushCh:
				if queued.LogicalTS > p.LogicalTS {
					p = queued
				} else {
					c.log.Debug().Str("status", string(queued.Status)).
						Uint64("logical_ts", queued.LogicalTS).
						Msg("status push superseded before send")
				}
			default:
			}
		}
	}
}

// RunStatusLoop drives the status pusher until ctx is cancelled.
func (c *Client) RunStatusLoop(ctx context.Context) {
	c.statusRunning.Store(true)
	defer c.statusRunning.Store(false)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retried until acked or superseded

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.pushCh:
			bo.Reset()
			for {
				err := c.doPushStatus(ctx, p)
				if err == nil {
					c.log.Info().Str("status", string(p.Status)).
						Uint64("logical_ts", p.LogicalTS).Msg("status acked")
					break
				}
				if !errdefs.IsTransient(err) {
					c.log.Error().Err(err).Str("status", string(p.Status)).
						Msg("status push rejected, dropping")
					break
				}
				metrics.StatusPushRetries.Inc()
				c.failover()
				select {
				case <-ctx.Done():
					return
				case next := <-c.pushCh:
					// Superseded by a strictly newer push; the stale
					// one is abandoned. An older push surfacing here
					// is dropped instead.
					if next.LogicalTS > p.LogicalTS {
						p = next
						bo.Reset()
					}
				case <-time.After(bo.NextBackOff()):
				}
			}
		}
	}
}

func (c *Client) doPushStatus(ctx context.Context, p statusPush) error {
	body, _ := json.Marshal(map[string]interface{}{
		"device_id":  c.opts.DeviceID,
		"status":     p.Status,
		"logical_ts": p.LogicalTS,
	})
	endpoint := c.ActiveEndpoint()
	url := fmt.Sprintf("%s/devices/%s/status", endpoint, c.opts.DeviceID)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", p.RequestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Transient(endpoint, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return errdefs.Transient(endpoint, fmt.Errorf("status push returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("status push rejected with %d", resp.StatusCode)
	}
}

// RunConfigLoop refreshes the dynamic config on a fixed interval, independent
// of the detection rate, until ctx is cancelled.
func (c *Client) RunConfigLoop(ctx context.Context, interval time.Duration) {
	c.configRunning.Store(true)
	defer c.configRunning.Store(false)
	c.refreshConfig(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshConfig(ctx)
		}
	}
}

func (c *Client) refreshConfig(ctx context.Context) {
	endpoint := c.ActiveEndpoint()
	url := fmt.Sprintf("%s/devices/%s/config", endpoint, c.opts.DeviceID)

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Stale config is tolerated, the last known good value stays in
		// effect.
		c.log.Debug().Err(err).Msg("config refresh failed, keeping last known good")
		c.failover()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Int("status", resp.StatusCode).Msg("config refresh failed, keeping last known good")
		return
	}
	var cfg Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		c.log.Debug().Err(err).Msg("config refresh returned bad payload")
		return
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgOK = true
	c.cfgMu.Unlock()
}

// ConfidenceThreshold returns the dynamic threshold without blocking. Before
// the first successful refresh the configured default applies.
func (c *Client) ConfidenceThreshold() float32 {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if !c.cfgOK {
		return c.opts.DefaultThreshold
	}
	return c.cfg.ConfidenceThreshold
}

// UploadItem pairs a result record with its media blob for upload.
type UploadItem struct {
	Result *models.DetectionResult
	Media  []byte
}

type wireResult struct {
	Result *models.DetectionResult `json:"result"`
	Media  string                  `json:"media"`
}

// UploadBatch performs one upload attempt for a checkout batch. The retry
// policy lives in the upload coordinator; the checkout token doubles as the
// idempotency key so a retried commit is applied at most once.
func (c *Client) UploadBatch(ctx context.Context, batch *models.UploadBatch, items []UploadItem) error {
	results := make([]wireResult, 0, len(items))
	for _, it := range items {
		results = append(results, wireResult{
			Result: it.Result,
			Media:  base64.StdEncoding.EncodeToString(it.Media),
		})
	}
	body, err := json.Marshal(map[string]interface{}{
		"batch_id":       batch.ID,
		"checkout_token": batch.CheckoutToken,
		"device_id":      c.opts.DeviceID,
		"results":        results,
	})
	if err != nil {
		return err
	}

	endpoint := c.ActiveEndpoint()
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint+"/upload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", batch.CheckoutToken)

	resp, err := c.http.Do(req)
	if err != nil {
		c.failover()
		return errdefs.Transient(endpoint, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		c.failover()
		return errdefs.Transient(endpoint, fmt.Errorf("upload returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("upload rejected with %d", resp.StatusCode)
	}
}
