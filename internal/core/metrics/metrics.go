package metrics

import (
	"github.com/shopspring/decimal"
)

// Metrics is a mergeable aggregate flowing through the pipeline.
//
// Combine merges another record with the same Key into the receiver. It returns
// false when the incoming record is logically stale; the receiver is left untouched
// in that case and the caller must drop the incoming record.
//
// Calculate finalizes derived values (e.g. avg = summation / count) and is idempotent.
//
// Downsample returns an independent clone at a coarser precision. Mutating the clone
// never affects the receiver.
type Metrics interface {
	Key() Key
	Precision() Precision
	Function() string
	Combine(other Metrics) bool
	Calculate()
	Downsample(p Precision) Metrics
	Value() decimal.Decimal
	LastUpdate() int64
	SetLastUpdate(millis int64)
	Snapshot() Snapshot
}

// Snapshot is the storage shape of a Metrics value. Backends persist it as-is and
// rebuild the record with FromSnapshot.
type Snapshot struct {
	Function   string          `json:"function"`
	Value      decimal.Decimal `json:"value"`
	Summation  decimal.Decimal `json:"summation"`
	Count      int64           `json:"count"`
	LastUpdate int64           `json:"last_update"`
}

// Clone returns an independent copy of m at its own precision.
func Clone(m Metrics) Metrics { return m.Downsample(m.Precision()) }

// ToHour clones m at hour precision.
func ToHour(m Metrics) Metrics { return m.Downsample(Hour) }

// ToDay clones m at day precision.
func ToDay(m Metrics) Metrics { return m.Downsample(Day) }

// ToMonth clones m at month precision.
func ToMonth(m Metrics) Metrics { return m.Downsample(Month) }

// meta carries the identity shared by every function implementation.
type meta struct {
	key        Key
	precision  Precision
	lastUpdate int64
}

func (m *meta) Key() Key                   { return m.key }
func (m *meta) Precision() Precision       { return m.precision }
func (m *meta) LastUpdate() int64          { return m.lastUpdate }
func (m *meta) SetLastUpdate(millis int64) { m.lastUpdate = millis }

// coarser returns the meta of a clone at precision p. A target finer than the
// current precision keeps the current bucket.
func (m *meta) coarser(p Precision) meta {
	bucket, err := ConvertBucket(m.key.TimeBucket, m.precision, p)
	if err != nil {
		return *m
	}
	return meta{key: m.key.WithBucket(bucket), precision: p, lastUpdate: m.lastUpdate}
}

func (m *meta) touch(other Metrics) {
	if other.LastUpdate() > m.lastUpdate {
		m.lastUpdate = other.LastUpdate()
	}
}
