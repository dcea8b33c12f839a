package aggregation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/queue"
	"github.com/aevon-lab/metricflow/internal/core/session"
	"github.com/aevon-lab/metricflow/internal/core/storage"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
	"github.com/aevon-lab/metricflow/internal/core/window"
)

// PersistenceWorker is what the flush driver sees of an L2 worker.
type PersistenceWorker interface {
	Name() string
	// FlushAndSwitch advances the round counter and swaps the window when the
	// round is due. It reports whether a swap happened.
	FlushAndSwitch() bool
	// ForceSwitch swaps regardless of the round counter.
	ForceSwitch()
	BuildBatchRequests(ctx context.Context) []storage.PreparedRequest
	EndOfRound()
}

// PersistentConfig configures one L2 worker.
type PersistentConfig struct {
	Model storage.Model
	Queue queue.Config
	// PersistentMod swaps the window every PersistentMod rounds; minute workers use 1.
	PersistentMod int
	// MaxBatchGet bounds the records loaded with one MultiGet.
	MaxBatchGet  int
	SessionTTL   time.Duration
	StallWarning time.Duration
}

// PersistentDeps are the collaborators of an L2 worker. Alarm and Exporter are optional.
type PersistentDeps struct {
	DAO       storage.MetricsDAO
	Expiry    storage.ExpiryChecker
	Alarm     AlarmNotifier
	Exporter  Exporter
	Clock     clock.Clock
	Telemetry *telemetry.Metrics
}

// PersistentWorker merges records of one stream at one precision and turns them
// into storage requests, reading existing rows through its session cache.
type PersistentWorker struct {
	cfg     PersistentConfig
	deps    PersistentDeps
	name    string
	window  *window.Window
	queue   *queue.Queue[metrics.Metrics]
	session *session.Cache

	// A cache miss skips the storage read only for keys above readFloor that
	// this worker has not written. readFloor starts at the boot bucket and
	// rises to every bucket pruned from written.
	keysMu    sync.Mutex
	readFloor int64
	written   map[metrics.Key]struct{}

	mu      sync.Mutex
	round   int
	swapped bool
}

func NewPersistentWorker(cfg PersistentConfig, deps PersistentDeps) *PersistentWorker {
	if deps.DAO == nil {
		panic("aggregation: nil metrics DAO")
	}
	if deps.Telemetry == nil {
		panic("aggregation: nil telemetry")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Expiry == nil {
		deps.Expiry = storage.NeverExpire{}
	}
	if cfg.PersistentMod <= 0 {
		cfg.PersistentMod = 1
	}
	if cfg.MaxBatchGet <= 0 {
		cfg.MaxBatchGet = 2000
	}
	name := cfg.Model.Table()
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = name + "-l2"
	}
	return &PersistentWorker{
		cfg:        cfg,
		deps:       deps,
		name:       name,
		window:     window.New(window.WithName(cfg.Queue.Name), window.WithStallWarning(cfg.StallWarning)),
		queue:      queue.New(cfg.Queue, func(m metrics.Metrics) uint64 { return m.Key().Hash() }),
		session:    session.New(cfg.SessionTTL, deps.Clock),
		readFloor:  cfg.Model.Precision.Bucket(deps.Clock.Now()),
		written:    make(map[metrics.Key]struct{}),
	}
}

func (w *PersistentWorker) Name() string         { return w.name }
func (w *PersistentWorker) Model() storage.Model { return w.cfg.Model }

// Accept rejects records already outside retention and queues the rest.
func (w *PersistentWorker) Accept(m metrics.Metrics) {
	if w.deps.Expiry.IsExpired(w.cfg.Model, m, w.deps.Clock.Now()) {
		w.deps.Telemetry.ExpiredRejected.WithLabelValues(w.name).Inc()
		slog.Debug("[PersistentWorker] Rejected expired record", "stream", w.name, "key", m.Key().String())
		return
	}
	w.deps.Telemetry.AggregationIn.WithLabelValues(w.name, "l2").Inc()
	if !w.queue.Produce(m) {
		w.deps.Telemetry.Dropped.WithLabelValues(w.name, "l2").Inc()
	}
}

func (w *PersistentWorker) Start() { w.queue.Start(w) }

// Stop drains the queue into the window. The final flush is up to the driver.
func (w *PersistentWorker) Stop() { w.queue.Stop() }

func (w *PersistentWorker) Consume(batch []metrics.Metrics) {
	wr := w.window.BeginWrite()
	defer wr.End()
	for _, m := range batch {
		wr.Upsert(m)
	}
}

func (w *PersistentWorker) NothingToConsume() {
	w.deps.Telemetry.QueueLength.WithLabelValues(w.name, "l2").Set(float64(w.queue.Len()))
}

func (w *PersistentWorker) FlushAndSwitch() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.round++
	if w.round%w.cfg.PersistentMod != 0 {
		return false
	}
	w.window.SwapPointer()
	w.swapped = true
	return true
}

func (w *PersistentWorker) ForceSwitch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.window.SwapPointer()
	w.swapped = true
}

// BuildBatchRequests drains the last swapped window and returns the requests
// to execute this round. Nothing is returned when the window was not swapped.
func (w *PersistentWorker) BuildBatchRequests(ctx context.Context) []storage.PreparedRequest {
	w.mu.Lock()
	swapped := w.swapped
	w.swapped = false
	w.mu.Unlock()
	if !swapped {
		return nil
	}

	drained := w.window.DrainLast()
	if len(drained) == 0 {
		return nil
	}
	records := make([]metrics.Metrics, 0, len(drained))
	for _, m := range drained {
		records = append(records, m)
	}

	reqs := make([]storage.PreparedRequest, 0, len(records))
	for start := 0; start < len(records); start += w.cfg.MaxBatchGet {
		end := min(start+w.cfg.MaxBatchGet, len(records))
		chunk := records[start:end]

		if err := w.loadFromStorage(ctx, chunk); err != nil {
			w.deps.Telemetry.RecordErrors.WithLabelValues(w.name).Add(float64(len(chunk)))
			slog.Error("[PersistentWorker] Loading rows failed, records kept for next round",
				"stream", w.name,
				"records", len(chunk),
				"error", err,
			)
			for _, m := range chunk {
				w.window.Upsert(m)
			}
			continue
		}
		for _, m := range chunk {
			if req := w.prepare(m); req != nil {
				reqs = append(reqs, req)
			}
		}
	}
	return reqs
}

// loadFromStorage makes sure every record of chunk that has a stored row also
// has it in the session cache.
func (w *PersistentWorker) loadFromStorage(ctx context.Context, chunk []metrics.Metrics) error {
	now := w.deps.Clock.Now()
	var misses []metrics.Metrics
	for _, m := range chunk {
		key := m.Key()
		if cached, ok := w.session.Get(key); ok {
			if !w.deps.DAO.IsExpiredCache(w.cfg.Model, cached, now, w.cfg.Model.TTL) {
				continue
			}
			w.session.Remove(key)
		}
		if !w.requireInitialization(key) {
			continue
		}
		misses = append(misses, m)
	}
	if len(misses) == 0 {
		return nil
	}

	loaded, err := w.deps.DAO.MultiGet(ctx, w.cfg.Model, misses)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		w.session.Put(m)
	}
	return nil
}

func (w *PersistentWorker) requireInitialization(key metrics.Key) bool {
	w.keysMu.Lock()
	defer w.keysMu.Unlock()
	if key.TimeBucket <= w.readFloor {
		return true
	}
	_, ok := w.written[key]
	return ok
}

func (w *PersistentWorker) markWritten(key metrics.Key) {
	w.keysMu.Lock()
	w.written[key] = struct{}{}
	w.keysMu.Unlock()
}

// pruneWritten forgets keys of buckets before the current one and raises
// readFloor past them, so their next miss reads storage.
func (w *PersistentWorker) pruneWritten() {
	current := w.cfg.Model.Precision.Bucket(w.deps.Clock.Now())
	w.keysMu.Lock()
	defer w.keysMu.Unlock()
	for key := range w.written {
		if key.TimeBucket >= current {
			continue
		}
		delete(w.written, key)
		if key.TimeBucket > w.readFloor {
			w.readFloor = key.TimeBucket
		}
	}
}

func (w *PersistentWorker) prepare(m metrics.Metrics) storage.PreparedRequest {
	key := m.Key()
	w.markWritten(key)
	cached, ok := w.session.Get(key)
	if ok {
		if !w.cfg.Model.SupportUpdate {
			return nil
		}
		if !cached.Combine(m) {
			return nil
		}
		cached.Calculate()
		req, err := w.deps.DAO.PrepareBatchUpdate(w.cfg.Model, cached, storage.SessionCallback{
			OnUpdateFailure: func() { w.session.Remove(key) },
		})
		if err != nil {
			w.session.Remove(key)
			w.recordError(m, err)
			return nil
		}
		w.session.Touch(key)
		w.deps.Telemetry.Requests.WithLabelValues(w.name, storage.Update.String()).Inc()
		w.notify(m, cached)
		return req
	}

	m.Calculate()
	req, err := w.deps.DAO.PrepareBatchInsert(w.cfg.Model, m, storage.SessionCallback{
		OnInsertCompleted: func() { w.session.Put(m) },
	})
	if err != nil {
		w.recordError(m, err)
		return nil
	}
	w.deps.Telemetry.Requests.WithLabelValues(w.name, storage.Insert.String()).Inc()
	w.notify(m, m)
	return req
}

func (w *PersistentWorker) recordError(m metrics.Metrics, err error) {
	w.deps.Telemetry.RecordErrors.WithLabelValues(w.name).Inc()
	slog.Error("[PersistentWorker] Preparing request failed, record skipped",
		"stream", w.name,
		"key", m.Key().String(),
		"error", err,
	)
}

func (w *PersistentWorker) notify(incoming, merged metrics.Metrics) {
	if w.deps.Alarm != nil {
		w.deps.Alarm.Notify(metrics.Clone(merged))
	}
	if w.deps.Exporter != nil {
		id := uuid.NewString()
		w.deps.Exporter.Export(ExportEvent{ID: id, Type: Increment, Metrics: metrics.Clone(incoming)})
		w.deps.Exporter.Export(ExportEvent{ID: id, Type: Total, Metrics: metrics.Clone(merged)})
	}
}

// EndOfRound evicts idle session entries.
func (w *PersistentWorker) EndOfRound() {
	w.pruneWritten()
	if n := w.session.RemoveExpired(); n > 0 {
		slog.Debug("[PersistentWorker] Evicted idle session entries", "stream", w.name, "evicted", n)
	}
	w.deps.Telemetry.SessionSize.WithLabelValues(w.name).Set(float64(w.session.Len()))
}

// SessionLen is the number of cached rows.
func (w *PersistentWorker) SessionLen() int { return w.session.Len() }
