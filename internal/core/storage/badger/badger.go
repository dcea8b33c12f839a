// Package badger stores metrics rows in an embedded BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
)

// Store implements storage.Client on BadgerDB. Rows are JSON under
// "m/<table>/<id>" and inherit the model TTL as the badger entry TTL.
type Store struct {
	db *badger.DB
}

type Config struct {
	// Path to store database files
	Path string
	// InMemory mode (for testing)
	InMemory bool
}

type storedRow struct {
	EntityID   string           `json:"entity_id"`
	TimeBucket int64            `json:"time_bucket"`
	Snapshot   metrics.Snapshot `json:"snapshot"`
}

func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	slog.Info("[Badger] Opened", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &Store{db: db}, nil
}

// Open satisfies storage.Opener.
func Open(_ context.Context, cfg storage.Config) (storage.Client, error) {
	return New(Config{Path: cfg.Path, InMemory: cfg.InMemory})
}

func rowKey(model storage.Model, id string) []byte {
	return []byte("m/" + model.Table() + "/" + id)
}

func decode(model storage.Model, raw []byte) (metrics.Metrics, error) {
	var r storedRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	key := metrics.Key{Name: model.Name, EntityID: r.EntityID, TimeBucket: r.TimeBucket}
	return metrics.FromSnapshot(key, model.Precision, r.Snapshot)
}

func (s *Store) Get(ctx context.Context, model storage.Model, m metrics.Metrics) (metrics.Metrics, error) {
	got, err := s.MultiGet(ctx, model, []metrics.Metrics{m})
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, storage.ErrNotFound
	}
	return got[0], nil
}

func (s *Store) MultiGet(ctx context.Context, model storage.Model, ms []metrics.Metrics) ([]metrics.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]metrics.Metrics, 0, len(ms))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, m := range ms {
			item, err := txn.Get(rowKey(model, m.Key().ID()))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var got metrics.Metrics
			if err := item.Value(func(val []byte) error {
				got, err = decode(model, val)
				return err
			}); err != nil {
				return err
			}
			out = append(out, got)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("multi get %s: %w", model.Table(), err)
	}
	return out, nil
}

type request struct {
	storage.BaseRequest
	key   []byte
	value []byte
}

func (s *Store) PrepareBatchInsert(model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	return prepare(storage.Insert, model, m, cb)
}

func (s *Store) PrepareBatchUpdate(model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	return prepare(storage.Update, model, m, cb)
}

func prepare(kind storage.RequestKind, model storage.Model, m metrics.Metrics, cb storage.SessionCallback) (storage.PreparedRequest, error) {
	value, err := json.Marshal(storedRow{EntityID: m.Key().EntityID, TimeBucket: m.Key().TimeBucket, Snapshot: m.Snapshot()})
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", model.Table(), err)
	}
	return &request{
		BaseRequest: storage.BaseRequest{Kind: kind, Model: model, Metrics: m, Callback: cb},
		key:         rowKey(model, m.Key().ID()),
		value:       value,
	}, nil
}

func (s *Store) IsExpiredCache(_ storage.Model, cached metrics.Metrics, now time.Time, ttl time.Duration) bool {
	return storage.BucketExpired(cached, now, ttl)
}

// Execute writes requests in as few transactions as badger allows. Requests in
// a transaction that failed to commit are failed; earlier commits stand.
func (s *Store) Execute(ctx context.Context, reqs []storage.PreparedRequest) error {
	batch := make([]*request, len(reqs))
	for i, pr := range reqs {
		r, ok := pr.(*request)
		if !ok {
			storage.FailAll(reqs, storage.ErrUnsupportedRequest)
			return fmt.Errorf("metrics execute: %w", storage.ErrUnsupportedRequest)
		}
		batch[i] = r
	}

	missing := make([]bool, len(batch))
	committed := 0
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	fail := func(err error) error {
		for _, r := range batch[committed:] {
			r.Failed(err)
		}
		s.report(batch[:committed], missing)
		return fmt.Errorf("metrics execute: %w", err)
	}

	for i, r := range batch {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
		}
		if r.Kind == storage.Update {
			_, err := txn.Get(r.key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				missing[i] = true
				continue
			}
			if err != nil {
				return fail(err)
			}
		}

		entry := badger.NewEntry(r.key, r.value)
		if r.Model.TTL > 0 {
			entry = entry.WithTTL(r.Model.TTL)
		}
		err := txn.SetEntry(entry)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fail(err)
			}
			committed = i
			txn = s.db.NewTransaction(true)
			err = txn.SetEntry(entry)
		}
		if err != nil {
			return fail(err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fail(err)
	}
	s.report(batch, missing)
	return nil
}

func (s *Store) report(batch []*request, missing []bool) {
	for i, r := range batch {
		if missing[i] {
			r.Failed(storage.ErrNotFound)
			continue
		}
		r.Succeeded()
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
