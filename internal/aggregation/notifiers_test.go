package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
	"github.com/aevon-lab/metricflow/internal/core/storage/memory"
)

func TestLogAlarm_Firing(t *testing.T) {
	alarm := NewLogAlarm()
	bucket := metrics.Minute.Bucket(testNow)
	hot := record(t, metrics.FnAvg, "service_resp_time", "svc", bucket, 800, 1)

	assert.False(t, alarm.Firing(hot), "unarmed streams never fire")

	alarm.SetThreshold("service_resp_time", decimal.NewFromInt(500))
	assert.True(t, alarm.Firing(hot))
	assert.False(t, alarm.Firing(record(t, metrics.FnAvg, "service_resp_time", "svc", bucket, 500, 1)))
	alarm.Notify(hot)
}

func TestChannelExporter_DropsWhenFull(t *testing.T) {
	e := NewChannelExporter(1)
	m := record(t, metrics.FnSum, "service_cpm", "svc", metrics.Minute.Bucket(testNow), 1, 1)

	e.Export(ExportEvent{Type: Increment, Metrics: m})
	e.Export(ExportEvent{Type: Total, Metrics: m})
	assert.Equal(t, int64(1), e.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan ExportEvent, 1)
	go e.Run(ctx, func(ev ExportEvent) { got <- ev })
	defer cancel()

	select {
	case ev := <-got:
		assert.Equal(t, Increment, ev.Type)
		assert.Equal(t, "increment", ev.Type.String())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

type modelList []storage.Model

func (l modelList) Models() []storage.Model { return l }

func TestRetentionKeeper_Purge(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	kept := storage.Model{Name: "service_cpm", Precision: metrics.Minute, SupportUpdate: true}
	expiring := kept
	expiring.TTL = time.Hour

	old := record(t, metrics.FnSum, "service_cpm", "svc", metrics.Minute.Bucket(testNow.Add(-2*time.Hour)), 1, 1)
	fresh := record(t, metrics.FnSum, "service_cpm", "svc", metrics.Minute.Bucket(testNow), 1, 1)
	for _, m := range []metrics.Metrics{old, fresh} {
		req, err := store.PrepareBatchInsert(expiring, m, storage.SessionCallback{})
		require.NoError(t, err)
		require.NoError(t, store.Execute(ctx, []storage.PreparedRequest{req}))
	}

	assert.Zero(t, NewRetentionKeeper(time.Minute, modelList{kept}, store, newMockClock()).Purge(ctx),
		"models without ttl keep their rows")

	k := NewRetentionKeeper(time.Minute, modelList{expiring}, store, newMockClock())
	assert.Equal(t, int64(1), k.Purge(ctx))
	assert.Equal(t, 1, store.Len())
}
