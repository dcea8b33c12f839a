// Package queue provides a bounded, partitioned work queue drained by a fixed
// pool of consumer goroutines.
package queue

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy decides what Produce does when the target partition is full.
type Strategy int

const (
	// Blocking waits for room, or until the queue is stopped.
	Blocking Strategy = iota
	// IfPossible drops the item and returns false.
	IfPossible
)

func (s Strategy) String() string {
	if s == IfPossible {
		return "if_possible"
	}
	return "blocking"
}

// ParseStrategy accepts "blocking" and "if_possible".
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "blocking":
		return Blocking, nil
	case "if_possible":
		return IfPossible, nil
	}
	return Blocking, errors.New("queue: unknown strategy " + s)
}

type Config struct {
	Name          string
	Partitions    int
	PartitionSize int
	Consumers     int
	BatchSize     int
	Strategy      Strategy
	IdleBackoff   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.PartitionSize <= 0 {
		c.PartitionSize = 1000
	}
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.Consumers > c.Partitions {
		c.Consumers = c.Partitions
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.PartitionSize
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 20 * time.Millisecond
	}
}

// Handler receives batches from a single consumer goroutine. Items of one
// partition are always delivered by the same goroutine, in produce order.
// The batch slice is reused once Consume returns.
type Handler[T any] interface {
	Consume(batch []T)
	// NothingToConsume is called whenever a consumer finds all its partitions empty.
	NothingToConsume()
}

// PartitionFunc returns the routing hash of an item.
type PartitionFunc[T any] func(T) uint64

type Queue[T any] struct {
	cfg   Config
	hash  PartitionFunc[T]
	parts []chan T

	// mu excludes producers while Stop seals the queue.
	mu     sync.RWMutex
	closed bool

	stopping chan struct{}
	sealed   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped atomic.Int64
}

func New[T any](cfg Config, hash PartitionFunc[T]) *Queue[T] {
	if hash == nil {
		panic("queue: nil partition func")
	}
	cfg.applyDefaults()
	q := &Queue[T]{
		cfg:      cfg,
		hash:     hash,
		parts:    make([]chan T, cfg.Partitions),
		stopping: make(chan struct{}),
		sealed:   make(chan struct{}),
	}
	for i := range q.parts {
		q.parts[i] = make(chan T, cfg.PartitionSize)
	}
	return q
}

// Config returns the effective configuration after defaults.
func (q *Queue[T]) Config() Config { return q.cfg }

// Partition returns the partition index item is routed to.
func (q *Queue[T]) Partition(item T) int {
	return int(q.hash(item) % uint64(len(q.parts)))
}

// Produce enqueues item. It returns false when the item was dropped because the
// partition was full under IfPossible, or because the queue is stopped.
func (q *Queue[T]) Produce(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}

	ch := q.parts[q.Partition(item)]
	if q.cfg.Strategy == IfPossible {
		select {
		case ch <- item:
			return true
		default:
			q.dropped.Add(1)
			return false
		}
	}
	select {
	case ch <- item:
		return true
	case <-q.stopping:
		q.dropped.Add(1)
		return false
	}
}

// Start launches the consumer goroutines. Consumer i owns every partition p
// with p % consumers == i.
func (q *Queue[T]) Start(h Handler[T]) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < q.cfg.Consumers; i++ {
		var owned []chan T
		for p := i; p < len(q.parts); p += q.cfg.Consumers {
			owned = append(owned, q.parts[p])
		}
		q.wg.Add(1)
		go q.consume(owned, h)
	}
	slog.Debug("[Queue] Started",
		"queue", q.cfg.Name,
		"partitions", q.cfg.Partitions,
		"consumers", q.cfg.Consumers,
		"strategy", q.cfg.Strategy.String())
}

// Stop rejects new items, lets consumers drain what is already queued and waits
// for them to exit.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopping)
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.sealed)
	})
	q.wg.Wait()
}

// Len is the number of queued items across all partitions.
func (q *Queue[T]) Len() int {
	n := 0
	for _, ch := range q.parts {
		n += len(ch)
	}
	return n
}

// Dropped is the number of items rejected by Produce so far.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

func (q *Queue[T]) consume(owned []chan T, h Handler[T]) {
	defer q.wg.Done()

	batch := make([]T, 0, q.cfg.BatchSize)
	timer := time.NewTimer(q.cfg.IdleBackoff)
	defer timer.Stop()

	for {
		batch = q.pull(owned, batch[:0], h)
		if len(batch) > 0 {
			h.Consume(batch)
			select {
			case <-q.sealed:
				q.drain(owned, h)
				return
			default:
			}
			continue
		}

		h.NothingToConsume()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.IdleBackoff)
		select {
		case <-q.sealed:
			q.drain(owned, h)
			return
		case <-timer.C:
		}
	}
}

// pull takes up to BatchSize items, visiting owned partitions in turn. A full
// batch is handed to h before the sweep continues.
func (q *Queue[T]) pull(owned []chan T, batch []T, h Handler[T]) []T {
	for _, ch := range owned {
		for {
			select {
			case item := <-ch:
				batch = append(batch, item)
				if len(batch) >= q.cfg.BatchSize {
					h.Consume(batch)
					batch = batch[:0]
				}
				continue
			default:
			}
			break
		}
	}
	return batch
}

func (q *Queue[T]) drain(owned []chan T, h Handler[T]) {
	batch := q.pull(owned, nil, h)
	if len(batch) > 0 {
		h.Consume(batch)
	}
}

// ConsumersFromCPU sizes a consumer pool as NumCPU * multiplier with a floor.
func ConsumersFromCPU(multiplier float64, floor int) int {
	n := int(float64(runtime.NumCPU()) * multiplier)
	if n < floor {
		return floor
	}
	return n
}

// AdaptivePartitions splits bufferSize across as many partitions as possible
// while keeping at least minPerPartition slots each. The partition count is a
// multiple of consumers between 1x and 8x.
func AdaptivePartitions(consumers, bufferSize, minPerPartition int) (partitions, partitionSize int) {
	if consumers <= 0 {
		consumers = 1
	}
	if minPerPartition <= 0 {
		minPerPartition = 1
	}
	partitions = bufferSize / minPerPartition
	partitions -= partitions % consumers
	switch {
	case partitions < consumers:
		partitions = consumers
	case partitions > consumers*8:
		partitions = consumers * 8
	}
	partitionSize = bufferSize / partitions
	if partitionSize < 1 {
		partitionSize = 1
	}
	return partitions, partitionSize
}
