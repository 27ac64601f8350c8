package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/rename-milter/internal/storage"
)

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// ShadowCounters stores counter values for persistence
type ShadowCounters struct {
	Connections      float64            `json:"connections"`
	Messages         float64            `json:"messages"`
	Headers          float64            `json:"headers"`
	Relocations      map[string]float64 `json:"relocations"`
	MutationFailures map[string]float64 `json:"mutation_failures"`
}

func newShadowCounters() ShadowCounters {
	return ShadowCounters{
		Relocations:      make(map[string]float64),
		MutationFailures: make(map[string]float64),
	}
}

func (s ShadowCounters) clone() ShadowCounters {
	out := ShadowCounters{
		Connections:      s.Connections,
		Messages:         s.Messages,
		Headers:          s.Headers,
		Relocations:      make(map[string]float64, len(s.Relocations)),
		MutationFailures: make(map[string]float64, len(s.MutationFailures)),
	}
	for k, v := range s.Relocations {
		out.Relocations[k] = v
	}
	for k, v := range s.MutationFailures {
		out.MutationFailures[k] = v
	}
	return out
}

// Collector records milter activity into Prometheus metrics, keeps
// persistable shadow copies of the counters and updates system gauges.
// It implements filter.Recorder.
type Collector struct {
	db            *storage.DB
	metrics       *Metrics
	logger        *slog.Logger
	flushInterval time.Duration
	startTime     time.Time

	shadow ShadowCounters
	mu     sync.Mutex
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector. db may be nil, in which case
// counters start at zero and are never persisted.
func NewCollector(db *storage.DB, m *Metrics, flushInterval time.Duration, logger *slog.Logger) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}
	if flushInterval < 0 {
		return nil, fmt.Errorf("invalid flush interval %s", flushInterval)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		logger:        logger,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		shadow:        newShadowCounters(),
		stopCh:        make(chan struct{}),
	}

	// Load persisted counters
	if err := c.loadCounters(); err != nil {
		return nil, err
	}
	c.collectSystemMetrics()

	return c, nil
}

// ReadCounters returns the counters persisted in db
func ReadCounters(db *storage.DB) (ShadowCounters, error) {
	shadow := newShadowCounters()

	data, err := db.Get(bucketMetrics, keyCounters)
	if errors.Is(err, storage.ErrNotFound) {
		return shadow, nil
	}
	if err != nil {
		return shadow, err
	}

	if err := json.Unmarshal(data, &shadow); err != nil {
		return newShadowCounters(), fmt.Errorf("failed to decode counters: %w", err)
	}
	if shadow.Relocations == nil {
		shadow.Relocations = make(map[string]float64)
	}
	if shadow.MutationFailures == nil {
		shadow.MutationFailures = make(map[string]float64)
	}
	return shadow, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stop.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// Counters returns a snapshot of the shadow counters
func (c *Collector) Counters() ShadowCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadow.clone()
}

// loadCounters restores persisted counter values
func (c *Collector) loadCounters() error {
	if c.db == nil {
		return nil
	}

	shadow, err := ReadCounters(c.db)
	if err != nil {
		// Skip invalid data, counting restarts from zero
		c.logger.Warn("ignoring persisted counters", "error", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.shadow = shadow
	c.metrics.ConnectionsTotal.Add(shadow.Connections)
	c.metrics.MessagesTotal.Add(shadow.Messages)
	c.metrics.HeadersTotal.Add(shadow.Headers)
	for rule, v := range shadow.Relocations {
		c.metrics.RelocationsTotal.WithLabelValues(rule).Add(v)
	}
	for op, v := range shadow.MutationFailures {
		c.metrics.MutationFailuresTotal.WithLabelValues(op).Add(v)
	}

	return nil
}

// persistCounters saves counter values to storage
func (c *Collector) persistCounters() error {
	if c.db == nil {
		return nil
	}

	data, err := json.Marshal(c.Counters())
	if err != nil {
		return err
	}

	return c.db.Put(bucketMetrics, keyCounters, data)
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.persistCounters(); err != nil {
				c.logger.Error("failed to persist counters", "error", err)
			}
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics()
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.db != nil {
		c.metrics.StorageUsedBytes.Set(float64(c.db.Size()))
	}
}

// TrackConnection tracks a new MTA connection
func (c *Collector) TrackConnection() {
	c.mu.Lock()
	c.shadow.Connections++
	c.mu.Unlock()
	c.metrics.ConnectionsTotal.Inc()
	c.metrics.ConnectionsActive.Inc()
}

// TrackDisconnect tracks a closed MTA connection
func (c *Collector) TrackDisconnect() {
	c.metrics.ConnectionsActive.Dec()
}

// TrackHeader tracks an inspected header field
func (c *Collector) TrackHeader() {
	c.mu.Lock()
	c.shadow.Headers++
	c.mu.Unlock()
	c.metrics.HeadersTotal.Inc()
}

// TrackMessage tracks a message that reached end of message
func (c *Collector) TrackMessage() {
	c.mu.Lock()
	c.shadow.Messages++
	c.mu.Unlock()
	c.metrics.MessagesTotal.Inc()
}

// TrackRelocations adds count renamed occurrences for rule
func (c *Collector) TrackRelocations(rule string, count int) {
	if count <= 0 {
		return
	}
	c.mu.Lock()
	c.shadow.Relocations[rule] += float64(count)
	c.mu.Unlock()
	c.metrics.RelocationsTotal.WithLabelValues(rule).Add(float64(count))
}

// TrackMutationFailure tracks a header change rejected by the MTA
func (c *Collector) TrackMutationFailure(op string) {
	c.mu.Lock()
	c.shadow.MutationFailures[op]++
	c.mu.Unlock()
	c.metrics.MutationFailuresTotal.WithLabelValues(op).Inc()
}
