// Package window implements the double-buffered merge cache shared by the
// aggregation workers. Any number of writers merge into the active slot while a
// single drainer reads the other one.
package window

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

type slot struct {
	mu   sync.Mutex
	data map[metrics.Key]metrics.Metrics

	// writers is mutated under Window.mu; the atomic lets the stall watchdog read it
	// without taking the lock.
	writers atomic.Int64
}

// Window is a two-slot, pointer-swapping key → record map.
//
// Lock order is Window.mu then slot.mu. DrainLast must only be called by one
// goroutine at a time.
type Window struct {
	name         string
	stallWarning time.Duration

	mu       sync.Mutex
	drained  *sync.Cond
	slots    [2]*slot
	active   int
	swapping atomic.Bool
}

// Option configures a Window.
type Option func(*Window)

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(w *Window) { w.name = name }
}

// WithStallWarning logs an error every d while DrainLast waits on writers that
// have not ended their write scope. Zero disables the warning.
func WithStallWarning(d time.Duration) Option {
	return func(w *Window) { w.stallWarning = d }
}

func New(opts ...Option) *Window {
	w := &Window{
		name:         "window",
		stallWarning: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.drained = sync.NewCond(&w.mu)
	for i := range w.slots {
		w.slots[i] = &slot{data: make(map[metrics.Key]metrics.Metrics)}
	}
	return w
}

// Writer is an open write scope on the slot that was active when it began.
// Callers must call End exactly once, typically with defer.
type Writer struct {
	w    *Window
	s    *slot
	done bool
}

// BeginWrite opens a write scope on the active slot.
func (w *Window) BeginWrite() *Writer {
	w.mu.Lock()
	s := w.slots[w.active]
	s.writers.Add(1)
	w.mu.Unlock()
	return &Writer{w: w, s: s}
}

// End closes the write scope. Extra calls are no-ops.
func (wr *Writer) End() {
	if wr.done {
		return
	}
	wr.done = true
	wr.w.mu.Lock()
	if wr.s.writers.Add(-1) == 0 {
		wr.w.drained.Broadcast()
	}
	wr.w.mu.Unlock()
}

// Upsert merges m into the writer's slot, inserting it if the key is new.
// It returns false when the slot already holds a newer record and m was abandoned.
func (wr *Writer) Upsert(m metrics.Metrics) bool {
	wr.s.mu.Lock()
	defer wr.s.mu.Unlock()
	existing, ok := wr.s.data[m.Key()]
	if !ok {
		wr.s.data[m.Key()] = m
		return true
	}
	return existing.Combine(m)
}

// Upsert runs a single merge inside its own write scope.
func (w *Window) Upsert(m metrics.Metrics) bool {
	wr := w.BeginWrite()
	defer wr.End()
	return wr.Upsert(m)
}

// SwapPointer flips the active slot. It never waits on writers.
func (w *Window) SwapPointer() {
	w.mu.Lock()
	w.active = 1 - w.active
	w.mu.Unlock()
}

// TrySwapPointer swaps unless another swap is already pending. A true result must
// be paired with TrySwapPointerFinally once the caller has drained.
func (w *Window) TrySwapPointer() bool {
	if !w.swapping.CompareAndSwap(false, true) {
		return false
	}
	w.SwapPointer()
	return true
}

// TrySwapPointerFinally releases the swap guard taken by TrySwapPointer.
func (w *Window) TrySwapPointerFinally() {
	w.swapping.Store(false)
}

// DrainLast waits until the inactive slot has no open writers, then returns its
// records and leaves the slot empty.
func (w *Window) DrainLast() map[metrics.Key]metrics.Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.slots[1-w.active]
	if s.writers.Load() > 0 && w.stallWarning > 0 {
		stop := w.watch(s)
		defer stop()
	}
	for s.writers.Load() > 0 {
		w.drained.Wait()
	}

	s.mu.Lock()
	data := s.data
	s.data = make(map[metrics.Key]metrics.Metrics, len(data))
	s.mu.Unlock()
	return data
}

// Len reports the number of records in the active slot.
func (w *Window) Len() int {
	w.mu.Lock()
	s := w.slots[w.active]
	w.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (w *Window) watch(s *slot) (stop func()) {
	done := make(chan struct{})
	started := time.Now()
	go func() {
		ticker := time.NewTicker(w.stallWarning)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				slog.Error("[Window] Drain stalled on in-flight writers",
					"window", w.name,
					"writers", s.writers.Load(),
					"waiting", time.Since(started).Round(time.Millisecond))
			}
		}
	}()
	return func() { close(done) }
}
