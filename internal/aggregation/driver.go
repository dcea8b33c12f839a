package aggregation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/aevon-lab/metricflow/internal/core/storage"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
)

// WorkerSource lists the L2 workers a round visits.
type WorkerSource interface {
	PersistentWorkers() []PersistenceWorker
}

// DriverOptions configures the persistence rounds.
type DriverOptions struct {
	Period            time.Duration
	PrepareThreads    int
	SyncThreads       int
	MaxSyncOperations int
	// ShutdownTimeout bounds FinalRound.
	ShutdownTimeout time.Duration
}

func (o DriverOptions) normalized() DriverOptions {
	if o.Period <= 0 {
		o.Period = 25 * time.Second
	}
	if o.PrepareThreads <= 0 {
		o.PrepareThreads = 2
	}
	if o.SyncThreads <= 0 {
		o.SyncThreads = 2
	}
	if o.MaxSyncOperations <= 0 {
		o.MaxSyncOperations = 50000
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	return o
}

// FlushDriver runs persistence rounds: every period it asks each L2 worker for
// its requests and executes them in chunks.
type FlushDriver struct {
	opts     DriverOptions
	source   WorkerSource
	executor storage.BatchDAO
	clock    clock.Clock
	tel      *telemetry.Metrics

	// running keeps rounds from overlapping when one outlasts the period.
	running sync.Mutex
}

func NewFlushDriver(opts DriverOptions, source WorkerSource, executor storage.BatchDAO, clk clock.Clock, tel *telemetry.Metrics) *FlushDriver {
	if clk == nil {
		clk = clock.New()
	}
	return &FlushDriver{
		opts:     opts.normalized(),
		source:   source,
		executor: executor,
		clock:    clk,
		tel:      tel,
	}
}

// Start runs rounds until ctx is cancelled, then runs one final round that
// flushes every worker regardless of its round counter.
// Stop the processor before cancelling ctx so the final round sees all data.
func (d *FlushDriver) Start(ctx context.Context) error {
	ticker := d.clock.Ticker(d.opts.Period)
	defer ticker.Stop()

	slog.Info("[FlushDriver] Starting persistence rounds",
		"period", d.opts.Period,
		"prepare_threads", d.opts.PrepareThreads,
		"sync_threads", d.opts.SyncThreads,
		"max_sync_operations", d.opts.MaxSyncOperations,
	)

	for {
		select {
		case <-ticker.C:
			_ = d.RunRound(ctx, false)
		case <-ctx.Done():
			slog.Info("[FlushDriver] Stopping (context cancelled)")
			return nil
		}
	}
}

// FinalRound flushes every worker once, bounded by the shutdown timeout.
func (d *FlushDriver) FinalRound() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()

	slog.Info("[FlushDriver] Running final round before shutdown...")
	err := d.RunRound(ctx, true)
	slog.Info("[FlushDriver] Final round complete")
	return err
}

// RunRound performs one persistence round. Errors of individual chunks are
// combined; a failed chunk never stops the others.
func (d *FlushDriver) RunRound(ctx context.Context, force bool) error {
	d.running.Lock()
	defer d.running.Unlock()

	start := d.clock.Now()
	workers := d.source.PersistentWorkers()

	reqs := d.prepare(ctx, workers, force)
	d.tel.PrepareLatency.Observe(d.clock.Since(start).Seconds())

	err := d.execute(ctx, reqs)

	for _, w := range workers {
		w.EndOfRound()
	}
	d.tel.AllLatency.Observe(d.clock.Since(start).Seconds())

	if err != nil {
		slog.Error("[FlushDriver] Round finished with errors",
			"requests", len(reqs),
			"error", err,
		)
		return err
	}
	if len(reqs) > 0 {
		slog.Debug("[FlushDriver] Round complete",
			"workers", len(workers),
			"requests", len(reqs),
			"duration", d.clock.Since(start),
		)
	}
	return nil
}

func (d *FlushDriver) prepare(ctx context.Context, workers []PersistenceWorker, force bool) []storage.PreparedRequest {
	var (
		mu   sync.Mutex
		reqs []storage.PreparedRequest
		g    errgroup.Group
	)
	g.SetLimit(d.opts.PrepareThreads)
	for _, w := range workers {
		g.Go(func() error {
			if force {
				w.ForceSwitch()
			} else if !w.FlushAndSwitch() {
				return nil
			}
			built := w.BuildBatchRequests(ctx)
			if len(built) == 0 {
				return nil
			}
			mu.Lock()
			reqs = append(reqs, built...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reqs
}

func (d *FlushDriver) execute(ctx context.Context, reqs []storage.PreparedRequest) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(d.opts.SyncThreads)
	for start := 0; start < len(reqs); start += d.opts.MaxSyncOperations {
		chunk := reqs[start:min(start+d.opts.MaxSyncOperations, len(reqs))]
		g.Go(func() error {
			t := d.clock.Now()
			err := d.executor.Execute(ctx, chunk)
			d.tel.ExecuteLatency.Observe(d.clock.Since(t).Seconds())
			if err != nil {
				d.tel.PersistenceError.Inc()
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
