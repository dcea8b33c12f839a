package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
)

// request is a prepared insert or update for the metrics table.
type request struct {
	storage.BaseRequest
	snapshot metrics.Snapshot
}

func (a *Adapter) PrepareBatchInsert(model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	return a.prepare(storage.Insert, model, m, cb), nil
}

func (a *Adapter) PrepareBatchUpdate(model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	if !model.SupportUpdate {
		return nil, fmt.Errorf("prepare update %s: model is write-once", model.Table())
	}
	return a.prepare(storage.Update, model, m, cb), nil
}

func (a *Adapter) prepare(kind storage.RequestKind, model storage.Model, m metrics.Metrics, cb storage.SessionCallback) *request {
	return &request{
		BaseRequest: storage.BaseRequest{Kind: kind, Model: model, Metrics: m, Callback: cb},
		snapshot:    m.Snapshot(),
	}
}

// Execute writes all requests in one transaction. Any statement error rolls the
// batch back and fails every request. An update that matched no row counts as a
// failed update so the worker drops its stale session entry.
func (a *Adapter) Execute(ctx context.Context, reqs []storage.PreparedRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	batch := make([]*request, len(reqs))
	for i, pr := range reqs {
		r, ok := pr.(*request)
		if !ok {
			storage.FailAll(reqs, storage.ErrUnsupportedRequest)
			return fmt.Errorf("metrics execute: %w", storage.ErrUnsupportedRequest)
		}
		batch[i] = r
	}

	missing, err := a.execTx(ctx, batch)
	if err != nil {
		storage.FailAll(reqs, err)
		return err
	}

	for i, r := range batch {
		if missing[i] {
			r.Failed(storage.ErrNotFound)
			continue
		}
		r.Succeeded()
	}
	slog.Debug("[Postgres] Executed batch", "requests", len(reqs))
	return nil
}

func (a *Adapter) execTx(ctx context.Context, batch []*request) ([]bool, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics execute: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := make(map[storage.RequestKind]*sql.Stmt, 2)
	defer func() {
		for _, s := range stmts {
			s.Close()
		}
	}()
	stmtFor := func(kind storage.RequestKind) (*sql.Stmt, error) {
		if s, ok := stmts[kind]; ok {
			return s, nil
		}
		query := queryInsertMetric
		if kind == storage.Update {
			query = queryUpdateMetric
		}
		s, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("metrics execute: prepare %s: %w", kind, err)
		}
		stmts[kind] = s
		return s, nil
	}

	now := a.now()
	missing := make([]bool, len(batch))
	for i, r := range batch {
		stmt, err := stmtFor(r.Kind)
		if err != nil {
			return nil, err
		}
		key := r.Metrics.Key()
		precision := r.Model.Precision.String()
		s := r.snapshot

		if r.Kind == storage.Insert {
			if _, err := stmt.ExecContext(ctx,
				r.Model.Name, precision, key.ID(), key.EntityID, key.TimeBucket,
				s.Function, s.Value, s.Summation, s.Count, s.LastUpdate, now,
			); err != nil {
				return nil, fmt.Errorf("metrics execute: insert %s/%s: %w", r.Model.Table(), key.ID(), err)
			}
			continue
		}

		res, err := stmt.ExecContext(ctx,
			r.Model.Name, precision, key.ID(),
			s.Value, s.Summation, s.Count, s.LastUpdate, now,
		)
		if err != nil {
			return nil, fmt.Errorf("metrics execute: update %s/%s: %w", r.Model.Table(), key.ID(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("metrics execute: check update %s/%s: %w", r.Model.Table(), key.ID(), err)
		}
		missing[i] = n == 0
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metrics execute: commit: %w", err)
	}
	return missing, nil
}
