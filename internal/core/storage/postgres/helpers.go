package postgres

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMetricRow scans one metrics row and rebuilds the record for model.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanMetricRow(row scanner, model storage.Model) (metrics.Metrics, error) {
	var (
		key                  = metrics.Key{Name: model.Name}
		snap                 metrics.Snapshot
		valueStr, summingStr string
	)
	if err := row.Scan(
		&key.EntityID,
		&key.TimeBucket,
		&snap.Function,
		&valueStr,
		&summingStr,
		&snap.Count,
		&snap.LastUpdate,
	); err != nil {
		return nil, fmt.Errorf("scan metrics row: %w", err)
	}

	var err error
	if snap.Value, err = decimal.NewFromString(valueStr); err != nil {
		return nil, fmt.Errorf("parse value %q: %w", valueStr, err)
	}
	if snap.Summation, err = decimal.NewFromString(summingStr); err != nil {
		return nil, fmt.Errorf("parse summation %q: %w", summingStr, err)
	}
	return metrics.FromSnapshot(key, model.Precision, snap)
}
