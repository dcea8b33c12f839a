package projection

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// rollupTotal folds bucket rows into a single value for the entire range.
// count/sum add up, min/max keep the extreme, avg re-derives from the summed
// summation and count, latest keeps the most recently updated value.
func rollupTotal(fn string, rows []metrics.Metrics, start, end time.Time) Point {
	total := Point{WindowStart: start, WindowEnd: end, Value: decimal.Zero}
	if len(rows) == 0 {
		return total
	}

	var (
		summation  = decimal.Zero
		count      int64
		lastUpdate int64
	)
	for i, m := range rows {
		snap := m.Snapshot()
		count += snap.Count
		switch fn {
		case metrics.FnCount, metrics.FnSum:
			total.Value = total.Value.Add(m.Value())
		case metrics.FnMin:
			if i == 0 || m.Value().LessThan(total.Value) {
				total.Value = m.Value()
			}
		case metrics.FnMax:
			if i == 0 || m.Value().GreaterThan(total.Value) {
				total.Value = m.Value()
			}
		case metrics.FnAvg:
			summation = summation.Add(snap.Summation)
		case metrics.FnLatest:
			if i == 0 || m.LastUpdate() >= lastUpdate {
				total.Value = m.Value()
				lastUpdate = m.LastUpdate()
			}
		}
	}
	if fn == metrics.FnAvg && count > 0 {
		total.Value = summation.Div(decimal.NewFromInt(count))
	}
	total.Count = count
	return total
}
