// Package connwatch watches the health of external services the agent
// depends on, such as the model providers.
//
// A watcher probes its service with exponential backoff until the first
// success, then polls at a fixed interval. Every ready/down transition is
// logged and published on the event bus. This is separate from httpkit's
// transport retry, which only covers sub-second dial errors.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/secretplan/internal/events"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the wait after the first failed probe (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps the doubling backoff (default 60s).
	MaxDelay time.Duration
	// PollInterval is the wait between probes of a ready service
	// (default 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe (default 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 2s, 4s, 8s ... 60s backoff with 60s polling.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the health of one service, as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
}

// Watcher monitors a single service.
type Watcher struct {
	name   string
	probe  Probe
	sched  Schedule
	logger *slog.Logger
	bus    *events.Bus

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.sched.InitialDelay
	for {
		ready := w.check(ctx)

		wait := w.sched.PollInterval
		if !ready {
			wait = delay
			delay *= 2
			if delay > w.sched.MaxDelay {
				delay = w.sched.MaxDelay
			}
		} else {
			delay = w.sched.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe, records it and reports transitions.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.sched.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return w.Status().Ready
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	w.status.LastCheck = time.Now()
	if err != nil {
		w.status.Ready = false
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Ready = true
		w.status.LastError = ""
		w.status.Failures = 0
	}
	attempts := w.status.Failures
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.logger.Info("service connected", "service", w.name)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{
			"service": w.name,
		})
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "service", w.name, "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", attempts, "error", err)
	}
	return err == nil
}

// Manager owns the watchers of a process.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		bus:      bus,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts watching a service until ctx ends or Stop is called.
// Zero fields of sched take their defaults. A second Watch with the same
// name replaces and stops the first.
func (m *Manager) Watch(ctx context.Context, name string, probe Probe, sched Schedule) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:   name,
		probe:  probe,
		sched:  sched.withDefaults(),
		logger: m.logger,
		bus:    m.bus,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: name},
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watched service's health, sorted by name.
func (m *Manager) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched service is reachable.
func (m *Manager) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
