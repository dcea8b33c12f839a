package projection

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

const (
	GranularityBucket = "bucket"
	GranularityTotal  = "total"
)

// QueryRequest selects one entity of one stream over [Start, End).
type QueryRequest struct {
	Stream      string
	EntityID    string
	Precision   metrics.Precision
	Start       time.Time
	End         time.Time
	Granularity string // default: "bucket"
}

// Point is one persisted bucket, or the folded range for granularity=total.
type Point struct {
	TimeBucket  int64           `json:"time_bucket,omitempty"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Value       decimal.Decimal `json:"value"`
	Count       int64           `json:"count,omitempty"`
}

type QueryResponse struct {
	Stream           string    `json:"stream"`
	EntityID         string    `json:"entity_id"`
	Function         string    `json:"function"`
	Precision        string    `json:"precision"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Granularity      string    `json:"granularity"`
	DataThrough      time.Time `json:"data_through"`
	StalenessSeconds int       `json:"staleness_seconds"`
	Values           []Point   `json:"values"`
}
