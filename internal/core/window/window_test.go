package window

import (
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

func sample(t *testing.T, entity string, v int64) metrics.Metrics {
	t.Helper()
	key := metrics.Key{Name: "requests", EntityID: entity, TimeBucket: 202401010000}
	m, err := metrics.New(metrics.FnSum, key, metrics.Minute, decimal.NewFromInt(v), 0)
	require.NoError(t, err)
	return m
}

func TestWindow_UpsertMergesSameKey(t *testing.T) {
	w := New()
	require.True(t, w.Upsert(sample(t, "svc_a", 5)))
	require.True(t, w.Upsert(sample(t, "svc_a", 7)))
	require.True(t, w.Upsert(sample(t, "svc_b", 1)))
	require.Equal(t, 2, w.Len())

	w.SwapPointer()
	got := w.DrainLast()
	require.Len(t, got, 2)
	for k, m := range got {
		if k.EntityID == "svc_a" {
			require.True(t, decimal.NewFromInt(12).Equal(m.Value()))
		}
	}
	require.Equal(t, 0, w.Len())

	// The drained slot was reset.
	w.SwapPointer()
	w.SwapPointer()
	require.Empty(t, w.DrainLast())
}

func TestWindow_DrainWaitsForOpenWriters(t *testing.T) {
	w := New(WithStallWarning(0))

	wr := w.BeginWrite()
	wr.Upsert(sample(t, "svc_a", 1))
	w.SwapPointer()

	result := make(chan map[metrics.Key]metrics.Metrics, 1)
	go func() { result <- w.DrainLast() }()

	// Writes that started before the swap still land in the drained slot.
	wr.Upsert(sample(t, "svc_a", 2))
	select {
	case <-result:
		t.Fatal("DrainLast returned while a writer was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// New writers go to the other slot and do not block the drain.
	require.True(t, w.Upsert(sample(t, "svc_b", 1)))

	wr.End()
	wr.End()

	select {
	case got := <-result:
		require.Len(t, got, 1)
		for _, m := range got {
			require.True(t, decimal.NewFromInt(3).Equal(m.Value()))
		}
	case <-time.After(time.Second):
		t.Fatal("DrainLast did not return after writer ended")
	}
	require.Equal(t, 1, w.Len())
}

func TestWindow_TrySwapPointer(t *testing.T) {
	w := New()
	require.True(t, w.TrySwapPointer())
	require.False(t, w.TrySwapPointer())
	w.TrySwapPointerFinally()
	require.True(t, w.TrySwapPointer())
	w.TrySwapPointerFinally()
}

func TestWindow_ConcurrentWritersLoseNothing(t *testing.T) {
	const (
		writers   = 8
		perWriter = 5000
		keys      = 50
	)
	w := New(WithStallWarning(0))

	var total decimal.Decimal
	drain := func() {
		for _, m := range w.DrainLast() {
			total = total.Add(m.Value())
		}
	}

	stop := make(chan struct{})
	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		for {
			select {
			case <-stop:
				return
			default:
				w.SwapPointer()
				drain()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < perWriter; j++ {
				w.Upsert(sample(t, "svc-"+strconv.Itoa(rnd.Intn(keys)), 1))
			}
		}(int64(i))
	}
	wg.Wait()
	close(stop)
	<-drainerDone

	// Both slots may still hold data.
	w.SwapPointer()
	drain()
	w.SwapPointer()
	drain()

	require.True(t, decimal.NewFromInt(writers*perWriter).Equal(total), "got %s", total)
}
