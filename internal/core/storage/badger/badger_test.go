package badger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
)

var model = storage.Model{Name: "service_resp_time", Precision: metrics.Minute, SupportUpdate: true, TTL: 7 * 24 * time.Hour}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func avgRecord(t *testing.T, entity string, values ...int64) metrics.Metrics {
	t.Helper()
	key := metrics.Key{Name: model.Name, EntityID: entity, TimeBucket: 202401010000}
	m, err := metrics.New(metrics.FnAvg, key, metrics.Minute, decimal.NewFromInt(values[0]), 1)
	require.NoError(t, err)
	for _, v := range values[1:] {
		next, err := metrics.New(metrics.FnAvg, key, metrics.Minute, decimal.NewFromInt(v), 2)
		require.NoError(t, err)
		m.Combine(next)
	}
	m.Calculate()
	return m
}

func TestStore_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	inserted := false
	ins, err := s.PrepareBatchInsert(model, avgRecord(t, "svc_a", 2, 4), storage.SessionCallback{
		OnInsertCompleted: func() { inserted = true },
	})
	require.NoError(t, err)
	require.NoError(t, s.Execute(ctx, []storage.PreparedRequest{ins}))
	require.True(t, inserted)

	got, err := s.Get(ctx, model, avgRecord(t, "svc_a", 0))
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(3).Equal(got.Value()))
	require.Equal(t, int64(2), got.LastUpdate())

	// Merging into the stored copy continues from its summation and count.
	got.Combine(avgRecord(t, "svc_a", 9))
	got.Calculate()
	upd, err := s.PrepareBatchUpdate(model, got, storage.SessionCallback{})
	require.NoError(t, err)
	require.NoError(t, s.Execute(ctx, []storage.PreparedRequest{upd}))

	again, err := s.Get(ctx, model, got)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(5).Equal(again.Value()))
}

func TestStore_UpdateMissingRowFails(t *testing.T) {
	s := newStore(t)
	failed := false
	upd, err := s.PrepareBatchUpdate(model, avgRecord(t, "svc_a", 1), storage.SessionCallback{
		OnUpdateFailure: func() { failed = true },
	})
	require.NoError(t, err)
	require.NoError(t, s.Execute(context.Background(), []storage.PreparedRequest{upd}))
	require.True(t, failed)

	_, err = s.Get(context.Background(), model, avgRecord(t, "svc_a", 1))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_MultiGetSkipsMissing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var reqs []storage.PreparedRequest
	for _, e := range []string{"a", "b", "c"} {
		r, err := s.PrepareBatchInsert(model, avgRecord(t, e, 1), storage.SessionCallback{})
		require.NoError(t, err)
		reqs = append(reqs, r)
	}
	require.NoError(t, s.Execute(ctx, reqs))

	got, err := s.MultiGet(ctx, model, []metrics.Metrics{avgRecord(t, "a", 1), avgRecord(t, "x", 1), avgRecord(t, "c", 1)})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStore_ExecuteRejectsForeignRequest(t *testing.T) {
	s := newStore(t)
	err := s.Execute(context.Background(), []storage.PreparedRequest{&storage.BaseRequest{}})
	require.ErrorIs(t, err, storage.ErrUnsupportedRequest)
}

func TestStore_ExecuteHonoursCancelledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inserted := false
	ins, err := s.PrepareBatchInsert(model, avgRecord(t, "svc_a", 1), storage.SessionCallback{
		OnInsertCompleted: func() { inserted = true },
	})
	require.NoError(t, err)
	require.Error(t, s.Execute(ctx, []storage.PreparedRequest{ins}))
	require.False(t, inserted)
}
