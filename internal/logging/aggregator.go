package logging

import (
	"log/slog"
	"sync"
	"time"
)

type aggregateKey struct {
	Component string
	Event     string
}

// aggregateEntry accumulates one event type between flushes. Latency
// figures are only reported when at least one timed observation arrived.
type aggregateEntry struct {
	Count     int64
	Failures  int64
	Timed     int64
	Total     time.Duration
	Max       time.Duration
	FirstSeen time.Time
	Fields    []slog.Attr
}

// Aggregator batches high-frequency events (osascript runs, screen samples
// taken by the wait loops) and emits one summary per event type per
// interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// If logger is nil, recorded events are silently dropped.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining entries and stops the background goroutine.
// Safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Record counts one occurrence. fields are kept from the most recent call.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.entry(component, event)
	entry.Count++
	if len(fields) > 0 {
		entry.Fields = fields
	}
}

// Observe counts one timed occurrence, e.g. a script run.
func (a *Aggregator) Observe(component, event string, took time.Duration, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.entry(component, event)
	entry.Count++
	entry.Timed++
	entry.Total += took
	if took > entry.Max {
		entry.Max = took
	}
	if failed {
		entry.Failures++
	}
}

// entry must be called with a.mu held.
func (a *Aggregator) entry(component, event string) *aggregateEntry {
	key := aggregateKey{Component: component, Event: event}
	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{FirstSeen: time.Now()}
		a.entries[key] = entry
	}
	return entry
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	now := time.Now()
	for key, entry := range entries {
		attrs := []any{
			slog.String("component", key.Component),
			slog.String("event", key.Event),
			slog.Int64("count", entry.Count),
			slog.Int64("span_ms", now.Sub(entry.FirstSeen).Milliseconds()),
		}
		if entry.Timed > 0 {
			attrs = append(attrs,
				slog.Int64("avg_ms", (entry.Total / time.Duration(entry.Timed)).Milliseconds()),
				slog.Int64("max_ms", entry.Max.Milliseconds()),
				slog.Int64("failures", entry.Failures))
		}
		for _, f := range entry.Fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
