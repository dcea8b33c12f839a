// Package memory is a map-backed storage backend. It keeps nothing across
// restarts and is meant for local runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
)

type rowKey struct {
	table string
	id    string
}

type row struct {
	key       metrics.Key
	precision metrics.Precision
	snapshot  metrics.Snapshot
}

// Store implements storage.Client.
type Store struct {
	mu   sync.RWMutex
	rows map[rowKey]row
}

func New() *Store {
	return &Store{rows: make(map[rowKey]row)}
}

// Open satisfies storage.Opener.
func Open(context.Context, storage.Config) (storage.Client, error) {
	return New(), nil
}

func keyOf(model storage.Model, m metrics.Metrics) rowKey {
	return rowKey{table: model.Table(), id: m.Key().ID()}
}

func (s *Store) Get(_ context.Context, model storage.Model, m metrics.Metrics) (metrics.Metrics, error) {
	s.mu.RLock()
	r, ok := s.rows[keyOf(model, m)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return metrics.FromSnapshot(r.key, r.precision, r.snapshot)
}

func (s *Store) MultiGet(ctx context.Context, model storage.Model, ms []metrics.Metrics) ([]metrics.Metrics, error) {
	out := make([]metrics.Metrics, 0, len(ms))
	for _, m := range ms {
		got, err := s.Get(ctx, model, m)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, got)
	}
	return out, nil
}

func (s *Store) PrepareBatchInsert(model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	return &request{BaseRequest: storage.BaseRequest{Kind: storage.Insert, Model: model, Metrics: m, Callback: cb}, snapshot: m.Snapshot()}, nil
}

func (s *Store) PrepareBatchUpdate(model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	return &request{BaseRequest: storage.BaseRequest{Kind: storage.Update, Model: model, Metrics: m, Callback: cb}, snapshot: m.Snapshot()}, nil
}

func (s *Store) IsExpiredCache(_ storage.Model, cached metrics.Metrics, now time.Time, ttl time.Duration) bool {
	return storage.BucketExpired(cached, now, ttl)
}

// Execute applies every request. An update of a missing row fails with ErrNotFound.
func (s *Store) Execute(_ context.Context, reqs []storage.PreparedRequest) error {
	s.mu.Lock()
	results := make([]error, len(reqs))
	for i, pr := range reqs {
		r, ok := pr.(*request)
		if !ok {
			results[i] = storage.ErrUnsupportedRequest
			continue
		}
		k := keyOf(r.Model, r.Metrics)
		if _, exists := s.rows[k]; r.Kind == storage.Update && !exists {
			results[i] = storage.ErrNotFound
			continue
		}
		s.rows[k] = row{key: r.Metrics.Key(), precision: r.Metrics.Precision(), snapshot: r.snapshot}
	}
	s.mu.Unlock()

	// Callbacks run outside the lock; they may read the store.
	for i, pr := range reqs {
		if results[i] != nil {
			pr.Failed(results[i])
		} else {
			pr.Succeeded()
		}
	}
	return nil
}

// DeleteExpired removes rows of model whose bucket is older than before's bucket.
func (s *Store) DeleteExpired(_ context.Context, model storage.Model, before time.Time) (int64, error) {
	cutoff := model.Precision.Bucket(before)
	table := model.Table()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.rows {
		if k.table == table && r.key.TimeBucket < cutoff {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Len is the number of stored rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) Close() error { return nil }

type request struct {
	storage.BaseRequest
	snapshot metrics.Snapshot
}
