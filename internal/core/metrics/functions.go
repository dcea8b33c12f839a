package metrics

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Supported aggregation functions.
const (
	FnCount  = "count"
	FnSum    = "sum"
	FnAvg    = "avg"
	FnMin    = "min"
	FnMax    = "max"
	FnLatest = "latest"
)

// Function builds records of one aggregation kind.
// To add a new function: implement Metrics and register it in Functions.
type Function struct {
	// New returns the record produced by a single sample.
	New func(base meta, value decimal.Decimal) Metrics
	// Restore rebuilds a record from its stored snapshot.
	Restore func(base meta, s Snapshot) Metrics
}

// Functions is the registry of all supported aggregation functions.
var Functions = map[string]Function{
	FnCount: {
		New:     func(b meta, _ decimal.Decimal) Metrics { return &sumMetrics{meta: b, fn: FnCount, value: decimal.NewFromInt(1)} },
		Restore: func(b meta, s Snapshot) Metrics { return &sumMetrics{meta: b, fn: FnCount, value: s.Value} },
	},
	FnSum: {
		New:     func(b meta, v decimal.Decimal) Metrics { return &sumMetrics{meta: b, fn: FnSum, value: v} },
		Restore: func(b meta, s Snapshot) Metrics { return &sumMetrics{meta: b, fn: FnSum, value: s.Value} },
	},
	FnAvg: {
		New: func(b meta, v decimal.Decimal) Metrics {
			return &avgMetrics{meta: b, summation: v, count: 1, value: v}
		},
		Restore: func(b meta, s Snapshot) Metrics {
			return &avgMetrics{meta: b, summation: s.Summation, count: s.Count, value: s.Value}
		},
	},
	FnMin: {
		New:     func(b meta, v decimal.Decimal) Metrics { return &extremeMetrics{meta: b, fn: FnMin, value: v} },
		Restore: func(b meta, s Snapshot) Metrics { return &extremeMetrics{meta: b, fn: FnMin, value: s.Value} },
	},
	FnMax: {
		New:     func(b meta, v decimal.Decimal) Metrics { return &extremeMetrics{meta: b, fn: FnMax, value: v} },
		Restore: func(b meta, s Snapshot) Metrics { return &extremeMetrics{meta: b, fn: FnMax, value: s.Value} },
	},
	FnLatest: {
		New:     func(b meta, v decimal.Decimal) Metrics { return &latestMetrics{meta: b, value: v} },
		Restore: func(b meta, s Snapshot) Metrics { return &latestMetrics{meta: b, value: s.Value} },
	},
}

// ValidFunction reports whether fn is a registered aggregation function.
func ValidFunction(fn string) bool {
	_, ok := Functions[fn]
	return ok
}

// New creates the record for one sample.
func New(fn string, key Key, p Precision, value decimal.Decimal, lastUpdate int64) (Metrics, error) {
	f, ok := Functions[fn]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation function %q", fn)
	}
	if !p.Valid() {
		return nil, fmt.Errorf("invalid precision %d", int(p))
	}
	return f.New(meta{key: key, precision: p, lastUpdate: lastUpdate}, value), nil
}

// FromSnapshot rebuilds a stored record.
func FromSnapshot(key Key, p Precision, s Snapshot) (Metrics, error) {
	f, ok := Functions[s.Function]
	if !ok {
		return nil, fmt.Errorf("unknown aggregation function %q", s.Function)
	}
	return f.Restore(meta{key: key, precision: p, lastUpdate: s.LastUpdate}, s), nil
}

// sumMetrics accumulates a counter. Count is a sum of ones.
type sumMetrics struct {
	meta
	fn    string
	value decimal.Decimal
}

func (m *sumMetrics) Function() string       { return m.fn }
func (m *sumMetrics) Value() decimal.Decimal { return m.value }
func (m *sumMetrics) Calculate()             {}

func (m *sumMetrics) Combine(other Metrics) bool {
	o, ok := other.(*sumMetrics)
	if !ok {
		return false
	}
	m.value = m.value.Add(o.value)
	m.touch(other)
	return true
}

func (m *sumMetrics) Downsample(p Precision) Metrics {
	return &sumMetrics{meta: m.coarser(p), fn: m.fn, value: m.value}
}

func (m *sumMetrics) Snapshot() Snapshot {
	return Snapshot{Function: m.fn, Value: m.value, LastUpdate: m.lastUpdate}
}

// avgMetrics keeps summation and count; Calculate derives the average.
type avgMetrics struct {
	meta
	summation decimal.Decimal
	count     int64
	value     decimal.Decimal
}

func (m *avgMetrics) Function() string       { return FnAvg }
func (m *avgMetrics) Value() decimal.Decimal { return m.value }

func (m *avgMetrics) Combine(other Metrics) bool {
	o, ok := other.(*avgMetrics)
	if !ok {
		return false
	}
	m.summation = m.summation.Add(o.summation)
	m.count += o.count
	m.touch(other)
	return true
}

func (m *avgMetrics) Calculate() {
	if m.count == 0 {
		m.value = decimal.Zero
		return
	}
	m.value = m.summation.Div(decimal.NewFromInt(m.count))
}

func (m *avgMetrics) Downsample(p Precision) Metrics {
	return &avgMetrics{meta: m.coarser(p), summation: m.summation, count: m.count, value: m.value}
}

func (m *avgMetrics) Snapshot() Snapshot {
	return Snapshot{Function: FnAvg, Value: m.value, Summation: m.summation, Count: m.count, LastUpdate: m.lastUpdate}
}

// extremeMetrics tracks the minimum or maximum value seen.
type extremeMetrics struct {
	meta
	fn    string
	value decimal.Decimal
}

func (m *extremeMetrics) Function() string       { return m.fn }
func (m *extremeMetrics) Value() decimal.Decimal { return m.value }
func (m *extremeMetrics) Calculate()             {}

func (m *extremeMetrics) Combine(other Metrics) bool {
	o, ok := other.(*extremeMetrics)
	if !ok || o.fn != m.fn {
		return false
	}
	if (m.fn == FnMin && o.value.LessThan(m.value)) || (m.fn == FnMax && o.value.GreaterThan(m.value)) {
		m.value = o.value
	}
	m.touch(other)
	return true
}

func (m *extremeMetrics) Downsample(p Precision) Metrics {
	return &extremeMetrics{meta: m.coarser(p), fn: m.fn, value: m.value}
}

func (m *extremeMetrics) Snapshot() Snapshot {
	return Snapshot{Function: m.fn, Value: m.value, LastUpdate: m.lastUpdate}
}

// latestMetrics keeps the most recent sample. An incoming sample older than the
// current one is stale and abandoned.
type latestMetrics struct {
	meta
	value decimal.Decimal
}

func (m *latestMetrics) Function() string       { return FnLatest }
func (m *latestMetrics) Value() decimal.Decimal { return m.value }
func (m *latestMetrics) Calculate()             {}

func (m *latestMetrics) Combine(other Metrics) bool {
	o, ok := other.(*latestMetrics)
	if !ok || o.lastUpdate < m.lastUpdate {
		return false
	}
	// Equal timestamps keep the larger value so arrival order does not matter.
	if o.lastUpdate == m.lastUpdate && o.value.LessThan(m.value) {
		return true
	}
	m.value = o.value
	m.lastUpdate = o.lastUpdate
	return true
}

func (m *latestMetrics) Downsample(p Precision) Metrics {
	return &latestMetrics{meta: m.coarser(p), value: m.value}
}

func (m *latestMetrics) Snapshot() Snapshot {
	return Snapshot{Function: FnLatest, Value: m.value, LastUpdate: m.lastUpdate}
}
