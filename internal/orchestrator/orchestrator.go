// Package orchestrator starts the agent's services in dependency order,
// gates each start on its dependencies being healthy, supervises health and
// applies bounded restart policies.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cropsight/edge-agent/internal/metrics"
	"github.com/cropsight/edge-agent/internal/models"
)

// Service is the lifecycle contract a managed service implements. Start must
// return once the service is running in the background; HealthCheck must be
// cheap.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// ServiceFuncs adapts plain functions to the Service interface. Nil funcs
// are treated as immediate success.
type ServiceFuncs struct {
	StartFunc  func(ctx context.Context) error
	StopFunc   func(ctx context.Context) error
	HealthFunc func(ctx context.Context) error
}

func (s ServiceFuncs) Start(ctx context.Context) error {
	if s.StartFunc == nil {
		return nil
	}
	return s.StartFunc(ctx)
}

func (s ServiceFuncs) Stop(ctx context.Context) error {
	if s.StopFunc == nil {
		return nil
	}
	return s.StopFunc(ctx)
}

func (s ServiceFuncs) HealthCheck(ctx context.Context) error {
	if s.HealthFunc == nil {
		return nil
	}
	return s.HealthFunc(ctx)
}

// RestartPolicy bounds the restart attempts after a service degrades.
type RestartPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Descriptor registers a named service with its declared dependencies.
// The dependency graph must form a DAG; a cycle is a fatal configuration
// error detected before any service starts.
type Descriptor struct {
	Name           string
	Dependencies   []string
	Service        Service
	Restart        RestartPolicy
	HealthInterval time.Duration
}

// Notifier surfaces terminal service failures to the operator channel.
// May be nil.
type Notifier interface {
	Publish(subject string, payload []byte) error
}

const (
	healthGateAttempts  = 3
	healthFailThreshold = 3
)

type managed struct {
	desc  Descriptor
	state models.ServiceState
}

// Orchestrator supervises the registered services.
type Orchestrator struct {
	log      zerolog.Logger
	notifier Notifier

	mu       sync.Mutex
	services map[string]*managed
	order    []string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds an Orchestrator. notifier may be nil.
func New(log zerolog.Logger, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		log:      log,
		notifier: notifier,
		services: make(map[string]*managed),
	}
}

// Register adds a service descriptor. All registrations must happen before
// StartAll.
func (o *Orchestrator) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("service name required")
	}
	if desc.Service == nil {
		return fmt.Errorf("service %s: implementation required", desc.Name)
	}
	if desc.HealthInterval <= 0 {
		desc.HealthInterval = 10 * time.Second
	}
	if desc.Restart.MaxAttempts <= 0 {
		desc.Restart.MaxAttempts = 3
	}
	if desc.Restart.InitialBackoff <= 0 {
		desc.Restart.InitialBackoff = time.Second
	}
	if desc.Restart.MaxBackoff <= 0 {
		desc.Restart.MaxBackoff = 30 * time.Second
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("service %s: registration after start", desc.Name)
	}
	if _, ok := o.services[desc.Name]; ok {
		return fmt.Errorf("service %s already registered", desc.Name)
	}
	o.services[desc.Name] = &managed{desc: desc, state: models.ServiceRegistered}
	return nil
}

// StartOrder validates the dependency graph and returns the topological start
// order. A cycle or an unknown dependency is a configuration error and
// nothing starts.
func (o *Orchestrator) StartOrder() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startOrderLocked()
}

func (o *Orchestrator) startOrderLocked() ([]string, error) {
	indegree := make(map[string]int, len(o.services))
	dependents := make(map[string][]string, len(o.services))
	for name, m := range o.services {
		indegree[name] += 0
		for _, dep := range m.desc.Dependencies {
			if _, ok := o.services[dep]; !ok {
				return nil, fmt.Errorf("service %s depends on unknown service %s", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Kahn's algorithm; deterministic order keeps logs and tests stable.
	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}
	if len(order) != len(o.services) {
		var stuck []string
		for name := range o.services {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle involving %v", stuck)
	}
	return order, nil
}

// StartAll starts every registered service in dependency order. A service is
// only started once all its dependencies report healthy; each start is gated
// by a bounded health-check retry.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	order, err := o.startOrderLocked()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.order = order
	o.started = true
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for _, name := range order {
		m := o.get(name)
		for _, dep := range m.desc.Dependencies {
			if o.State(dep) != models.ServiceHealthy {
				cancel()
				return fmt.Errorf("service %s: dependency %s is %s", name, dep, o.State(dep))
			}
		}
		o.setState(name, models.ServiceStarting)
		o.log.Info().Str("service", name).Msg("starting service")
		if err := m.desc.Service.Start(ctx); err != nil {
			// Stop supervising whatever already started; StopAll still
			// shuts the started services down.
			cancel()
			o.setState(name, models.ServiceFailed)
			return fmt.Errorf("start %s: %w", name, err)
		}
		if err := o.healthGate(ctx, m); err != nil {
			cancel()
			o.setState(name, models.ServiceFailed)
			return fmt.Errorf("service %s never became healthy: %w", name, err)
		}
		o.setState(name, models.ServiceHealthy)
		o.log.Info().Str("service", name).Msg("service healthy")

		o.wg.Add(1)
		go o.monitor(runCtx, name)
	}
	return nil
}

// healthGate polls the health check with bounded retries before a service is
// considered healthy.
func (o *Orchestrator) healthGate(ctx context.Context, m *managed) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.desc.Restart.InitialBackoff
	bo.MaxInterval = m.desc.Restart.MaxBackoff
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		return m.desc.Service.HealthCheck(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, healthGateAttempts-1), ctx))
}

// monitor polls health after start. Repeated failure marks the service
// degraded and triggers the restart policy; once the attempts are exhausted
// the service is failed, surfaced, and not retried further.
func (o *Orchestrator) monitor(ctx context.Context, name string) {
	defer o.wg.Done()
	m := o.get(name)
	ticker := time.NewTicker(m.desc.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.desc.Service.HealthCheck(ctx); err != nil {
			failures++
			o.log.Warn().Str("service", name).Int("failures", failures).Err(err).
				Msg("health check failed")
			if failures < healthFailThreshold {
				continue
			}
			o.setState(name, models.ServiceDegraded)
			if !o.restart(ctx, m) {
				return
			}
			failures = 0
			continue
		}
		failures = 0
	}
}

// restart applies the bounded restart policy. Returns false when the service
// ends up failed.
func (o *Orchestrator) restart(ctx context.Context, m *managed) bool {
	name := m.desc.Name
	delay := m.desc.Restart.InitialBackoff
	for attempt := 1; attempt <= m.desc.Restart.MaxAttempts; attempt++ {
		metrics.ServiceRestarts.WithLabelValues(name).Inc()
		o.log.Warn().Str("service", name).Int("attempt", attempt).Msg("restarting service")

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = m.desc.Service.Stop(stopCtx)
		cancel()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > m.desc.Restart.MaxBackoff {
			delay = m.desc.Restart.MaxBackoff
		}

		if err := m.desc.Service.Start(ctx); err != nil {
			o.log.Error().Str("service", name).Int("attempt", attempt).Err(err).
				Msg("restart failed")
			continue
		}
		if err := o.healthGate(ctx, m); err != nil {
			o.log.Error().Str("service", name).Int("attempt", attempt).Err(err).
				Msg("restarted service not healthy")
			continue
		}
		o.setState(name, models.ServiceHealthy)
		o.log.Info().Str("service", name).Msg("service recovered")
		return true
	}

	o.setState(name, models.ServiceFailed)
	o.log.Error().Str("service", name).Msg("restart attempts exhausted, service failed")
	if o.notifier != nil {
		payload, _ := json.Marshal(map[string]string{"service": name, "state": string(models.ServiceFailed)})
		if err := o.notifier.Publish("agent.service.failed", payload); err != nil {
			o.log.Warn().Err(err).Msg("service failure notification failed")
		}
	}
	return false
}

// StopAll stops monitoring and shuts services down in reverse start order.
func (o *Orchestrator) StopAll(ctx context.Context) {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	order := make([]string, len(o.order))
	copy(order, o.order)
	o.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		m := o.get(name)
		o.log.Info().Str("service", name).Msg("stopping service")
		if err := m.desc.Service.Stop(ctx); err != nil {
			o.log.Warn().Str("service", name).Err(err).Msg("stop failed")
		}
		o.setState(name, models.ServiceStopped)
	}
}

// Status returns a snapshot of every service state.
func (o *Orchestrator) Status() map[string]models.ServiceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]models.ServiceState, len(o.services))
	for name, m := range o.services {
		out[name] = m.state
	}
	return out
}

// State returns one service's state.
func (o *Orchestrator) State(name string) models.ServiceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.services[name]; ok {
		return m.state
	}
	return ""
}

func (o *Orchestrator) get(name string) *managed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.services[name]
}

func (o *Orchestrator) setState(name string, state models.ServiceState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.services[name]; ok {
		m.state = state
	}
}

func insertSorted(s []string, v string) []string {
	s = append(s, v)
	sort.Strings(s)
	return s
}
