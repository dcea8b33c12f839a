package aggregation

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aevon-lab/metricflow/internal/core/storage"
)

// ModelSource lists the models whose rows the retention keeper purges.
type ModelSource interface {
	Models() []storage.Model
}

// RetentionKeeper periodically deletes rows older than their model's TTL from
// backends that do not expire rows on their own.
type RetentionKeeper struct {
	period time.Duration
	models ModelSource
	store  storage.Retainer
	clock  clock.Clock
}

func NewRetentionKeeper(period time.Duration, models ModelSource, store storage.Retainer, clk clock.Clock) *RetentionKeeper {
	if clk == nil {
		clk = clock.New()
	}
	if period <= 0 {
		period = 5 * time.Minute
	}
	return &RetentionKeeper{period: period, models: models, store: store, clock: clk}
}

// Start purges every period until ctx is cancelled.
func (k *RetentionKeeper) Start(ctx context.Context) error {
	ticker := k.clock.Ticker(k.period)
	defer ticker.Stop()

	slog.Info("[Retention] Starting retention keeper", "period", k.period)
	for {
		select {
		case <-ticker.C:
			k.Purge(ctx)
		case <-ctx.Done():
			slog.Info("[Retention] Stopping (context cancelled)")
			return nil
		}
	}
}

// Purge runs one pass and returns the number of deleted rows.
func (k *RetentionKeeper) Purge(ctx context.Context) int64 {
	now := k.clock.Now()
	var total int64
	for _, model := range k.models.Models() {
		if model.TTL <= 0 {
			continue
		}
		n, err := k.store.DeleteExpired(ctx, model, now.Add(-model.TTL))
		if err != nil {
			slog.Error("[Retention] Purge failed", "table", model.Table(), "error", err)
			continue
		}
		if n > 0 {
			slog.Info("[Retention] Purged expired rows", "table", model.Table(), "rows", n)
		}
		total += n
	}
	return total
}
