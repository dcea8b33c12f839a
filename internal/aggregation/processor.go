package aggregation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/partition"
	"github.com/aevon-lab/metricflow/internal/core/queue"
	"github.com/aevon-lab/metricflow/internal/core/storage"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
	"github.com/aevon-lab/metricflow/internal/remote"
)

// PipelineOptions sizes and times the workers of every stream.
type PipelineOptions struct {
	L1BufferSize     int
	MALBufferDivisor int
	L1Consumers      int
	L1Strategy       queue.Strategy
	FlushSize        int
	MALFlushPeriod   time.Duration
	IdleBackoff      time.Duration
	StallWarning     time.Duration

	L2BufferSize     int
	L2ConsumerFactor float64
	L2ConsumerFloor  int
	PersistentMod    int
	MaxBatchGet      int

	SessionTTL   time.Duration
	MetricsTTL   time.Duration
	SkipTTLCheck bool

	DownsampleHour  bool
	DownsampleDay   bool
	DownsampleMonth bool
}

// DefaultPipelineOptions mirrors the configuration defaults.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		L1BufferSize:     10000,
		MALBufferDivisor: 20,
		L1Strategy:       queue.Blocking,
		FlushSize:        10000,
		MALFlushPeriod:   time.Second,
		IdleBackoff:      20 * time.Millisecond,
		StallWarning:     5 * time.Second,
		L2BufferSize:     2000,
		L2ConsumerFactor: 1.0,
		L2ConsumerFloor:  2,
		PersistentMod:    4,
		MaxBatchGet:      2000,
		SessionTTL:       70 * time.Second,
		MetricsTTL:       7 * 24 * time.Hour,
		DownsampleHour:   true,
		DownsampleDay:    true,
	}
}

func (o PipelineOptions) aggregateConfig(def StreamDefinition) AggregateConfig {
	consumers := o.L1Consumers
	if consumers <= 0 {
		consumers = queue.ConsumersFromCPU(1, 1)
	}
	buffer := o.L1BufferSize
	if def.Profile == ProfileMAL && o.MALBufferDivisor > 1 {
		buffer = max(buffer/o.MALBufferDivisor, 1)
	}
	partitions, size := queue.AdaptivePartitions(consumers, buffer, 64)
	return AggregateConfig{
		Stream:  def.Name,
		Profile: def.Profile,
		Queue: queue.Config{
			Name:          def.Name + "-l1",
			Partitions:    partitions,
			PartitionSize: size,
			Consumers:     consumers,
			Strategy:      o.L1Strategy,
			IdleBackoff:   o.IdleBackoff,
		},
		FlushSize:    o.FlushSize,
		FlushPeriod:  o.MALFlushPeriod,
		StallWarning: o.StallWarning,
	}
}

func (o PipelineOptions) persistentConfig(def StreamDefinition, p metrics.Precision) PersistentConfig {
	consumers := queue.ConsumersFromCPU(o.L2ConsumerFactor, o.L2ConsumerFloor)
	partitions, size := queue.AdaptivePartitions(consumers, o.L2BufferSize, 64)
	mod := o.PersistentMod
	if p == metrics.Minute {
		mod = 1
	}
	return PersistentConfig{
		Model: storage.Model{
			Name:          def.Name,
			Precision:     p,
			SupportUpdate: def.SupportUpdate,
			TTL:           o.MetricsTTL,
		},
		Queue: queue.Config{
			Partitions:    partitions,
			PartitionSize: size,
			Consumers:     consumers,
			Strategy:      queue.Blocking,
			IdleBackoff:   o.IdleBackoff,
		},
		PersistentMod: mod,
		MaxBatchGet:   o.MaxBatchGet,
		SessionTTL:    o.SessionTTL,
		StallWarning:  o.StallWarning,
	}
}

// StreamDefinition is what the processor needs to build one stream.
type StreamDefinition struct {
	Name          string
	Function      string
	Profile       Profile
	Downsampling  bool
	SupportUpdate bool
}

// Definition projects a rule onto the pipeline it needs.
func (r StreamRule) Definition() StreamDefinition {
	return StreamDefinition{
		Name:          r.Name,
		Function:      r.Function,
		Profile:       r.Profile,
		Downsampling:  r.Downsampling,
		SupportUpdate: r.SupportUpdate,
	}
}

// ReceiverRegistry binds the receiving end of a stream on this node.
type ReceiverRegistry interface {
	Register(stream string, r remote.Receiver) error
}

// Deps wires a Processor. Alarm and Exporter are optional.
type Deps struct {
	DAO       storage.MetricsDAO
	Sender    remote.Sender
	Receivers ReceiverRegistry
	Selector  partition.Selector
	Alarm     AlarmNotifier
	Exporter  Exporter
	Clock     clock.Clock
	Telemetry *telemetry.Metrics
	Options   PipelineOptions
}

type stream struct {
	def        StreamDefinition
	entry      *AggregateWorker
	persistent []*PersistentWorker
}

// Processor owns the worker chain of every stream:
// AggregateWorker → RemoteWorker → TransWorker → PersistentWorker(s).
type Processor struct {
	deps Deps

	mu      sync.RWMutex
	streams map[string]*stream
	order   []string
	started bool
	stopped bool
}

func NewProcessor(deps Deps) *Processor {
	if deps.DAO == nil {
		panic("aggregation: nil metrics DAO")
	}
	if deps.Telemetry == nil {
		panic("aggregation: nil telemetry")
	}
	if deps.Sender == nil {
		local := remote.NewLocalSender()
		deps.Sender, deps.Receivers = local, local
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Processor{deps: deps, streams: make(map[string]*stream)}
}

// Create builds and registers the workers of one stream. Streams created after
// Start are started immediately.
func (p *Processor) Create(def StreamDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("stream name must not be empty")
	}
	if !metrics.ValidFunction(def.Function) {
		return fmt.Errorf("stream %q: unsupported function %q", def.Name, def.Function)
	}
	if def.Profile == "" {
		def.Profile = ProfileOAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.streams[def.Name]; dup {
		return fmt.Errorf("stream %q already exists", def.Name)
	}

	s := &stream{def: def}
	trans := &TransWorker{}
	trans.Minute = p.newPersistent(s, def, metrics.Minute, true)
	if def.Downsampling {
		opts := p.deps.Options
		if opts.DownsampleHour {
			trans.Hour = p.newPersistent(s, def, metrics.Hour, false)
		}
		if opts.DownsampleDay {
			trans.Day = p.newPersistent(s, def, metrics.Day, false)
		}
		if opts.DownsampleMonth {
			trans.Month = p.newPersistent(s, def, metrics.Month, false)
		}
	}

	if p.deps.Receivers != nil {
		if err := p.deps.Receivers.Register(def.Name, trans); err != nil {
			return fmt.Errorf("stream %q: %w", def.Name, err)
		}
	}
	rw := NewRemoteWorker(def.Name, p.deps.Sender, p.deps.Selector, p.deps.Telemetry)
	s.entry = NewAggregateWorker(p.deps.Options.aggregateConfig(def), rw, p.deps.Clock, p.deps.Telemetry)

	p.streams[def.Name] = s
	p.order = append(p.order, def.Name)
	if p.started {
		for _, w := range s.persistent {
			w.Start()
		}
		s.entry.Start()
	}

	slog.Info("[Processor] Stream created",
		"stream", def.Name,
		"function", def.Function,
		"profile", def.Profile,
		"persistent_workers", len(s.persistent),
	)
	return nil
}

func (p *Processor) newPersistent(s *stream, def StreamDefinition, prec metrics.Precision, minute bool) *PersistentWorker {
	deps := PersistentDeps{
		DAO:       p.deps.DAO,
		Expiry:    storage.TTLExpiryChecker{},
		Clock:     p.deps.Clock,
		Telemetry: p.deps.Telemetry,
	}
	if p.deps.Options.SkipTTLCheck {
		deps.Expiry = storage.NeverExpire{}
	}
	if minute {
		deps.Alarm = p.deps.Alarm
		deps.Exporter = p.deps.Exporter
	}
	w := NewPersistentWorker(p.deps.Options.persistentConfig(def, prec), deps)
	s.persistent = append(s.persistent, w)
	return w
}

// In routes a raw record to its stream. It returns false for unknown streams
// and for records dropped by a full queue.
func (p *Processor) In(m metrics.Metrics) bool {
	p.mu.RLock()
	s, ok := p.streams[m.Key().Name]
	p.mu.RUnlock()
	if !ok {
		slog.Debug("[Processor] Record for unknown stream", "stream", m.Key().Name)
		return false
	}
	return s.entry.Submit(m)
}

// Stream returns the definition of a registered stream.
func (p *Processor) Stream(name string) (StreamDefinition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[name]
	if !ok {
		return StreamDefinition{}, false
	}
	return s.def, true
}

// PersistentWorkers returns every L2 worker in creation order.
func (p *Processor) PersistentWorkers() []PersistenceWorker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PersistenceWorker
	for _, name := range p.order {
		for _, w := range p.streams[name].persistent {
			out = append(out, w)
		}
	}
	return out
}

// Models returns the storage model of every L2 worker.
func (p *Processor) Models() []storage.Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []storage.Model
	for _, name := range p.order {
		for _, w := range p.streams[name].persistent {
			out = append(out, w.Model())
		}
	}
	return out
}

// Start launches the consumers of every stream, L2 before L1.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for _, name := range p.order {
		for _, w := range p.streams[name].persistent {
			w.Start()
		}
	}
	for _, name := range p.order {
		p.streams[name].entry.Start()
	}
	slog.Info("[Processor] Started", "streams", len(p.order))
}

// Stop flushes every L1 worker into L2 and then drains the L2 queues. The L2
// windows still hold data; the flush driver's final round persists it. A
// stopped processor cannot be started again.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	p.stopped = true
	for _, name := range p.order {
		p.streams[name].entry.Stop()
	}
	for _, name := range p.order {
		for _, w := range p.streams[name].persistent {
			w.Stop()
		}
	}
	slog.Info("[Processor] Stopped", "streams", len(p.order))
}
