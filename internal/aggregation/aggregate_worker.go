package aggregation

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/queue"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
	"github.com/aevon-lab/metricflow/internal/core/window"
)

// Acceptor is the next stage of a stream pipeline.
type Acceptor interface {
	Accept(m metrics.Metrics)
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(m metrics.Metrics)

func (f AcceptorFunc) Accept(m metrics.Metrics) { f(m) }

// AggregateConfig configures an L1 worker.
type AggregateConfig struct {
	Stream  string
	Profile Profile
	Queue   queue.Config
	// FlushSize triggers a flush once this many records were merged (oal).
	FlushSize int
	// FlushPeriod triggers a flush once this much time passed since the last one (mal).
	FlushPeriod  time.Duration
	StallWarning time.Duration
}

// AggregateWorker merges raw records of one stream in memory and forwards the
// merged records downstream on flush. One record per key leaves per flush.
type AggregateWorker struct {
	cfg    AggregateConfig
	next   Acceptor
	window *window.Window
	queue  *queue.Queue[metrics.Metrics]
	clock  clock.Clock
	tel    *telemetry.Metrics

	pending   atomic.Int64
	lastFlush atomic.Int64
}

// NewAggregateWorker builds an L1 worker. A nil clk uses wall time.
func NewAggregateWorker(cfg AggregateConfig, next Acceptor, clk clock.Clock, tel *telemetry.Metrics) *AggregateWorker {
	if next == nil {
		panic("aggregation: nil next stage")
	}
	if tel == nil {
		panic("aggregation: nil telemetry")
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Profile == "" {
		cfg.Profile = ProfileOAL
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = cfg.Stream + "-l1"
	}
	w := &AggregateWorker{
		cfg:    cfg,
		next:   next,
		window: window.New(window.WithName(cfg.Queue.Name), window.WithStallWarning(cfg.StallWarning)),
		queue:  queue.New(cfg.Queue, func(m metrics.Metrics) uint64 { return m.Key().Hash() }),
		clock:  clk,
		tel:    tel,
	}
	w.lastFlush.Store(clk.Now().UnixNano())
	return w
}

func (w *AggregateWorker) Stream() string { return w.cfg.Stream }

// Submit enqueues a raw record. It returns false when the queue dropped it.
func (w *AggregateWorker) Submit(m metrics.Metrics) bool {
	w.tel.AggregationIn.WithLabelValues(w.cfg.Stream, "l1").Inc()
	if !w.queue.Produce(m) {
		w.tel.Dropped.WithLabelValues(w.cfg.Stream, "l1").Inc()
		return false
	}
	return true
}

// Accept is Submit without the result, so the worker can sit behind an Acceptor.
func (w *AggregateWorker) Accept(m metrics.Metrics) { w.Submit(m) }

func (w *AggregateWorker) Start() {
	slog.Info("[AggregateWorker] Starting",
		"stream", w.cfg.Stream,
		"profile", w.cfg.Profile,
		"partitions", w.queue.Config().Partitions,
		"consumers", w.queue.Config().Consumers,
	)
	w.queue.Start(w)
}

// Stop drains the queue into the window and forwards whatever is left.
func (w *AggregateWorker) Stop() {
	w.queue.Stop()
	w.Flush()
	slog.Info("[AggregateWorker] Stopped", "stream", w.cfg.Stream, "dropped", w.queue.Dropped())
}

// Consume implements queue.Handler.
func (w *AggregateWorker) Consume(batch []metrics.Metrics) {
	wr := w.window.BeginWrite()
	for _, m := range batch {
		wr.Upsert(m)
	}
	wr.End()

	n := w.pending.Add(int64(len(batch)))
	if w.cfg.Profile == ProfileMAL {
		if w.periodElapsed() {
			w.Flush()
		}
		return
	}
	if w.cfg.FlushSize > 0 && n >= int64(w.cfg.FlushSize) {
		w.Flush()
	}
}

// NothingToConsume implements queue.Handler. An idle queue flushes oal
// streams right away and mal streams once their period elapsed.
func (w *AggregateWorker) NothingToConsume() {
	w.tel.QueueLength.WithLabelValues(w.cfg.Stream, "l1").Set(float64(w.queue.Len()))
	if w.pending.Load() == 0 {
		return
	}
	if w.cfg.Profile == ProfileMAL && !w.periodElapsed() {
		return
	}
	w.Flush()
}

func (w *AggregateWorker) periodElapsed() bool {
	last := time.Unix(0, w.lastFlush.Load())
	return w.clock.Since(last) >= w.cfg.FlushPeriod
}

// Flush swaps the window and hands every merged record to the next stage. It
// returns false when another flush is already running.
func (w *AggregateWorker) Flush() bool {
	n := w.pending.Swap(0)
	if !w.window.TrySwapPointer() {
		w.pending.Add(n)
		return false
	}
	defer w.window.TrySwapPointerFinally()

	w.lastFlush.Store(w.clock.Now().UnixNano())
	for _, m := range w.window.DrainLast() {
		w.next.Accept(m)
	}
	return true
}
