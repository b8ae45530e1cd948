// Package telemetry ships bus events to an HTTP collector in batches.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nugget/secretplan/internal/buildinfo"
	"github.com/nugget/secretplan/internal/config"
	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/httpkit"
)

// maxBuffered bounds the events held while the collector is unreachable.
// Older events are dropped first.
const maxBuffered = 10000

// Batch is the request body posted to the collector.
type Batch struct {
	Service  string            `json:"service"`
	Resource map[string]string `json:"resource"`
	Events   []events.Event    `json:"events"`
	Dropped  int               `json:"dropped,omitempty"`
}

// Exporter buffers bus events and posts them to the configured endpoint
// whenever a batch fills up or the flush interval passes.
type Exporter struct {
	endpoint  string
	service   string
	resource  map[string]string
	batchSize int
	interval  time.Duration
	client    *http.Client
	logger    *slog.Logger

	mu      sync.Mutex
	buf     []events.Event
	dropped int
}

// New creates an exporter from cfg. The API key is sent as a bearer
// token on every request.
func New(cfg config.ObservabilityConfig, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := time.Duration(cfg.FlushIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Exporter{
		endpoint:  cfg.Endpoint,
		service:   cfg.ServiceName,
		batchSize: batchSize,
		interval:  interval,
		resource: map[string]string{
			"service.version": buildinfo.Version,
			"host.name":       host,
		},
		client: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithHeader("Authorization", "Bearer "+cfg.APIKey),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Add buffers one event. It reports whether the buffer reached the batch
// size.
func (e *Exporter) Add(ev events.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buf) >= maxBuffered {
		e.buf = e.buf[1:]
		e.dropped++
	}
	e.buf = append(e.buf, ev)
	return len(e.buf) >= e.batchSize
}

// Pending returns the number of buffered events.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Flush posts buffered events, batchSize at a time. Events of a failed
// post go back to the front of the buffer.
func (e *Exporter) Flush(ctx context.Context) error {
	for {
		e.mu.Lock()
		n := min(len(e.buf), e.batchSize)
		if n == 0 {
			e.mu.Unlock()
			return nil
		}
		chunk := append([]events.Event(nil), e.buf[:n]...)
		e.buf = e.buf[n:]
		dropped := e.dropped
		e.dropped = 0
		e.mu.Unlock()

		batch := Batch{Service: e.service, Resource: e.resource, Events: chunk, Dropped: dropped}
		if err := httpkit.PostJSON(ctx, e.client, e.endpoint, batch, nil); err != nil {
			e.mu.Lock()
			e.buf = append(chunk, e.buf...)
			e.dropped += dropped
			e.mu.Unlock()
			return fmt.Errorf("export %d events: %w", len(chunk), err)
		}
		e.logger.Log(ctx, config.LevelTrace, "telemetry batch exported", "events", len(chunk))
	}
}

// Run subscribes to bus and exports until ctx is cancelled, then makes
// a last flush bounded by a short timeout.
func (e *Exporter) Run(ctx context.Context, bus *events.Bus) {
	feed := bus.Subscribe(1024)
	defer bus.Unsubscribe(feed)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if err := e.Flush(ctx); err != nil {
			e.logger.Warn("telemetry export failed", "endpoint", e.endpoint, "pending", e.Pending(), "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.drain(feed)
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if e.Add(ev) {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// drain buffers whatever is already queued on feed without blocking.
func (e *Exporter) drain(feed <-chan events.Event) {
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return
			}
			e.Add(ev)
		default:
			return
		}
	}
}
