package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

var (
	// ErrNotFound is returned by Get when no row exists for the record's key.
	ErrNotFound = errors.New("metrics row not found")

	// ErrUnsupportedRequest is returned by Execute for a request built by another backend.
	ErrUnsupportedRequest = errors.New("prepared request does not belong to this backend")
)

// Model describes one persisted metric stream at one precision.
type Model struct {
	Name          string
	Precision     metrics.Precision
	SupportUpdate bool
	// TTL is how long rows are retained; zero keeps them forever.
	TTL time.Duration
}

// Table is the logical table name, e.g. "service_cpm_minute".
func (m Model) Table() string {
	return strings.ToLower(m.Name) + "_" + m.Precision.String()
}

// SessionCallback lets the persistent worker keep its session cache in step
// with storage once a request has been executed.
type SessionCallback struct {
	OnInsertCompleted func()
	OnUpdateFailure   func()
}

// MetricsDAO reads existing rows and builds write requests for one backend.
// Building a request never touches storage; BatchDAO.Execute does.
type MetricsDAO interface {
	// Get returns ErrNotFound when the row does not exist.
	Get(ctx context.Context, model Model, m metrics.Metrics) (metrics.Metrics, error)
	// MultiGet returns the stored rows for the given records; missing rows are omitted.
	MultiGet(ctx context.Context, model Model, ms []metrics.Metrics) ([]metrics.Metrics, error)
	PrepareBatchInsert(model Model, m metrics.Metrics, cb SessionCallback) (PreparedRequest, error)
	PrepareBatchUpdate(model Model, m metrics.Metrics, cb SessionCallback) (PreparedRequest, error)
	// IsExpiredCache reports whether the cached copy may already be gone from storage.
	IsExpiredCache(model Model, cached metrics.Metrics, now time.Time, ttl time.Duration) bool
}

// BatchDAO executes prepared requests and fires their callbacks.
type BatchDAO interface {
	Execute(ctx context.Context, reqs []PreparedRequest) error
}

// Client is an opened backend.
type Client interface {
	MetricsDAO
	BatchDAO
	Close() error
}

// Retainer is implemented by backends that purge old rows themselves on request.
// Backends with native row expiry do not implement it.
type Retainer interface {
	// DeleteExpired removes rows of model whose bucket starts before the given time.
	DeleteExpired(ctx context.Context, model Model, before time.Time) (int64, error)
}
