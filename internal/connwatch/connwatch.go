// Package connwatch tracks the reachability of toque's external
// dependencies: the record database, each LLM backend and the optional
// Redis history store. Each service is probed with exponential backoff
// until it first answers, then polled on a fixed interval. Transitions
// are logged and published on the event bus so the live log shows when
// a backend drops out of the fallback chain's reach.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toque/internal/events"
)

// Probe checks one service. A nil error means reachable.
type Probe func(ctx context.Context) error

// Options tune probing. Zero fields take the defaults shown.
type Options struct {
	InitialDelay time.Duration // 2s
	MaxDelay     time.Duration // 1m
	PollInterval time.Duration // 1m
	Timeout      time.Duration // 10s
}

func (o Options) withDefaults() Options {
	if o.InitialDelay <= 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type service struct {
	probe  Probe
	status ServiceStatus
}

// Monitor watches a set of services.
type Monitor struct {
	logger *slog.Logger
	bus    *events.Bus
	opts   Options

	mu       sync.RWMutex
	services map[string]*service

	wg sync.WaitGroup
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(logger *slog.Logger, bus *events.Bus, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		bus:      bus,
		opts:     opts.withDefaults(),
		services: make(map[string]*service),
	}
}

// Watch starts probing name until ctx is cancelled. A second Watch for
// the same name is ignored.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) {
	m.mu.Lock()
	if _, ok := m.services[name]; ok {
		m.mu.Unlock()
		return
	}
	m.services[name] = &service{probe: probe, status: ServiceStatus{Name: name}}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, name, probe)
	}()
}

// Wait blocks until every watcher has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, name string, probe Probe) {
	delay := m.opts.InitialDelay
	for !m.check(ctx, name, probe) {
		if !sleep(ctx, delay) {
			return
		}
		delay *= 2
		if delay > m.opts.MaxDelay {
			delay = m.opts.MaxDelay
		}
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, name, probe)
		}
	}
}

// check probes once, records the outcome and reports readiness.
func (m *Monitor) check(ctx context.Context, name string, probe Probe) bool {
	pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	err := probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	s := m.services[name]
	was := s.status.Ready
	first := s.status.Checks == 0
	s.status.Checks++
	s.status.LastCheck = time.Now()
	s.status.Ready = err == nil
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	m.mu.Unlock()

	switch {
	case err == nil && !was:
		m.logger.Info("service reachable", "service", name)
		m.publish(name, true, nil)
	case err != nil && (was || first):
		m.logger.Warn("service unreachable", "service", name, "error", err)
		m.publish(name, false, err)
	case err != nil:
		m.logger.Debug("service still unreachable", "service", name, "error", err)
	}
	return err == nil
}

func (m *Monitor) publish(name string, ready bool, err error) {
	data := map[string]any{"service": name, "ready": ready}
	if err != nil {
		data["error"] = err.Error()
	}
	m.bus.Emit(events.SourceAPI, events.KindServiceStatus, data)
}

// Status returns every watched service, sorted by name.
func (m *Monitor) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServiceStatus, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
