package aggregation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// AlarmNotifier receives every minute record persisted by a stream. Records
// are private copies; implementations may keep them.
type AlarmNotifier interface {
	Notify(m metrics.Metrics)
}

// ExportType tells whether an exported record is the incoming delta or the merged total.
type ExportType int

const (
	Increment ExportType = iota
	Total
)

func (t ExportType) String() string {
	if t == Total {
		return "total"
	}
	return "increment"
}

// ExportEvent pairs a record with what it represents. The increment and total
// emitted for one persisted record share an ID.
type ExportEvent struct {
	ID      string
	Type    ExportType
	Metrics metrics.Metrics
}

// Exporter receives increments and totals of persisted minute records.
type Exporter interface {
	Export(e ExportEvent)
}

// LogAlarm logs a warning whenever a stream's value goes above its threshold.
type LogAlarm struct {
	mu         sync.RWMutex
	thresholds map[string]decimal.Decimal
}

func NewLogAlarm() *LogAlarm {
	return &LogAlarm{thresholds: make(map[string]decimal.Decimal)}
}

// SetThreshold arms the alarm for stream.
func (a *LogAlarm) SetThreshold(stream string, above decimal.Decimal) {
	a.mu.Lock()
	a.thresholds[stream] = above
	a.mu.Unlock()
}

// Firing reports whether m is above its stream's threshold.
func (a *LogAlarm) Firing(m metrics.Metrics) bool {
	a.mu.RLock()
	above, ok := a.thresholds[m.Key().Name]
	a.mu.RUnlock()
	return ok && m.Value().GreaterThan(above)
}

func (a *LogAlarm) Notify(m metrics.Metrics) {
	if !a.Firing(m) {
		return
	}
	slog.Warn("[Alarm] Threshold exceeded",
		"stream", m.Key().Name,
		"entity_id", m.Key().EntityID,
		"time_bucket", m.Key().TimeBucket,
		"value", m.Value().String(),
	)
}

// ChannelExporter buffers events for a single reader and drops them when the
// reader falls behind.
type ChannelExporter struct {
	events  chan ExportEvent
	dropped atomic.Int64
}

func NewChannelExporter(buffer int) *ChannelExporter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelExporter{events: make(chan ExportEvent, buffer)}
}

func (e *ChannelExporter) Export(ev ExportEvent) {
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

func (e *ChannelExporter) Events() <-chan ExportEvent { return e.events }

func (e *ChannelExporter) Dropped() int64 { return e.dropped.Load() }

// Run hands buffered events to sink until ctx is cancelled.
func (e *ChannelExporter) Run(ctx context.Context, sink func(ExportEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			sink(ev)
		}
	}
}
