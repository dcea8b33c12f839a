package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

func minuteRecord(t *testing.T, bucket int64) metrics.Metrics {
	t.Helper()
	m, err := metrics.New(metrics.FnSum, metrics.Key{Name: "cpm", EntityID: "svc", TimeBucket: bucket},
		metrics.Minute, decimal.NewFromInt(1), 0)
	require.NoError(t, err)
	return m
}

func TestModel_Table(t *testing.T) {
	require.Equal(t, "service_cpm_hour", Model{Name: "Service_CPM", Precision: metrics.Hour}.Table())
}

func TestBaseRequest_Callbacks(t *testing.T) {
	var inserted, updateFailed int
	cb := SessionCallback{
		OnInsertCompleted: func() { inserted++ },
		OnUpdateFailure:   func() { updateFailed++ },
	}

	ins := &BaseRequest{Kind: Insert, Callback: cb}
	ins.Succeeded()
	ins.Failed(errors.New("boom"))

	upd := &BaseRequest{Kind: Update, Callback: cb}
	upd.Succeeded()
	FailAll([]PreparedRequest{upd}, errors.New("boom"))

	require.Equal(t, 1, inserted)
	require.Equal(t, 1, updateFailed)

	// Nil callbacks are allowed.
	(&BaseRequest{Kind: Update}).Failed(nil)
	(&BaseRequest{Kind: Insert}).Succeeded()
}

func TestBucketExpired(t *testing.T) {
	now := time.Date(2024, time.January, 3, 0, 0, 0, 0, time.UTC)
	old := minuteRecord(t, 202401010000)

	require.True(t, BucketExpired(old, now, 24*time.Hour))
	require.False(t, BucketExpired(old, now, 72*time.Hour))
	require.False(t, BucketExpired(old, now, 0))

	require.True(t, TTLExpiryChecker{}.IsExpired(Model{TTL: time.Hour}, old, now))
	require.False(t, NeverExpire{}.IsExpired(Model{TTL: time.Hour}, old, now))
}

type nopClient struct{ MetricsDAO }

func (nopClient) Execute(context.Context, []PreparedRequest) error { return nil }
func (nopClient) Close() error                                      { return nil }

func TestFactory_Open(t *testing.T) {
	f := NewFactory()
	f.Register("memory", func(_ context.Context, cfg Config) (Client, error) {
		return nopClient{}, nil
	})
	f.Register("broken", func(context.Context, Config) (Client, error) {
		return nil, errors.New("no route to host")
	})
	require.Equal(t, []string{"broken", "memory"}, f.Types())

	c, err := f.Open(context.Background(), Config{Type: "MEMORY"})
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = f.Open(context.Background(), Config{Type: "broken"})
	require.ErrorContains(t, err, "no route to host")

	_, err = f.Open(context.Background(), Config{Type: "cassandra"})
	require.ErrorContains(t, err, "unknown backend")

	require.Panics(t, func() {
		f.Register("memory", func(context.Context, Config) (Client, error) { return nil, nil })
	})
}
