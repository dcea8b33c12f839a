package aggregation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/metricflow/internal/core/storage"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
)

type noopRequest struct{}

func (noopRequest) Succeeded()   {}
func (noopRequest) Failed(error) {}

type fakeWorker struct {
	name string
	reqs int
	due  bool

	switches atomic.Int32
	forced   atomic.Int32
	builds   atomic.Int32
	ends     atomic.Int32
}

func (w *fakeWorker) Name() string { return w.name }
func (w *fakeWorker) FlushAndSwitch() bool {
	w.switches.Add(1)
	return w.due
}
func (w *fakeWorker) ForceSwitch() { w.forced.Add(1) }
func (w *fakeWorker) BuildBatchRequests(context.Context) []storage.PreparedRequest {
	w.builds.Add(1)
	out := make([]storage.PreparedRequest, w.reqs)
	for i := range out {
		out[i] = noopRequest{}
	}
	return out
}
func (w *fakeWorker) EndOfRound() { w.ends.Add(1) }

type workerList []PersistenceWorker

func (l workerList) PersistentWorkers() []PersistenceWorker { return l }

// chunkRecorder records chunk sizes and fails chunks of size failOn.
type chunkRecorder struct {
	mu     sync.Mutex
	sizes  []int
	failOn int
}

func (r *chunkRecorder) Execute(_ context.Context, reqs []storage.PreparedRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, len(reqs))
	if len(reqs) == r.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (r *chunkRecorder) recorded() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int(nil), r.sizes...)
	sort.Ints(out)
	return out
}

func TestFlushDriver_ChunksAndCombinesErrors(t *testing.T) {
	a := &fakeWorker{name: "a", reqs: 3, due: true}
	b := &fakeWorker{name: "b", reqs: 3, due: true}
	idle := &fakeWorker{name: "idle", reqs: 10}
	exec := &chunkRecorder{failOn: 2}

	d := NewFlushDriver(DriverOptions{MaxSyncOperations: 4}, workerList{a, b, idle}, exec, newMockClock(), telemetry.New(nil))
	err := d.RunRound(context.Background(), false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []int{2, 4}, exec.recorded(), "every chunk runs even when one fails")
	assert.Zero(t, idle.builds.Load(), "a worker not due this round builds nothing")
	for _, w := range []*fakeWorker{a, b, idle} {
		assert.Equal(t, int32(1), w.switches.Load(), w.name)
		assert.Equal(t, int32(1), w.ends.Load(), w.name)
	}
}

func TestFlushDriver_FinalRoundForcesEveryWorker(t *testing.T) {
	idle := &fakeWorker{name: "idle", reqs: 1}
	exec := &chunkRecorder{}

	d := NewFlushDriver(DriverOptions{}, workerList{idle}, exec, newMockClock(), telemetry.New(nil))
	require.NoError(t, d.FinalRound())

	assert.Equal(t, int32(1), idle.forced.Load())
	assert.Zero(t, idle.switches.Load())
	assert.Equal(t, []int{1}, exec.recorded())
}

func TestFlushDriver_StartRunsOnTicks(t *testing.T) {
	clk := newMockClock()
	w := &fakeWorker{name: "w", reqs: 1, due: true}
	d := NewFlushDriver(DriverOptions{Period: time.Second}, workerList{w}, &chunkRecorder{}, clk, telemetry.New(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return w.ends.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
}
