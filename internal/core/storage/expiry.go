package storage

import (
	"time"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// BucketExpired reports whether the bucket of m ended more than ttl before now.
// A zero ttl never expires.
func BucketExpired(m metrics.Metrics, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	start, err := metrics.BucketTime(m.Key().TimeBucket, m.Precision())
	if err != nil {
		return false
	}
	return now.Sub(start) > ttl
}

// ExpiryChecker decides whether an incoming record is already outside its
// model's retention and can be rejected before queueing.
type ExpiryChecker interface {
	IsExpired(model Model, m metrics.Metrics, now time.Time) bool
}

// TTLExpiryChecker compares the record's bucket with Model.TTL.
type TTLExpiryChecker struct{}

func (TTLExpiryChecker) IsExpired(model Model, m metrics.Metrics, now time.Time) bool {
	return BucketExpired(m, now, model.TTL)
}

// NeverExpire accepts everything. Used when the TTL check is disabled.
type NeverExpire struct{}

func (NeverExpire) IsExpired(Model, metrics.Metrics, time.Time) bool { return false }
