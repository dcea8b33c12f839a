package ingestion

import (
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/aevon-lab/metricflow/internal/aggregation"
	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// Sink takes the records built from ingested payloads.
type Sink interface {
	// In returns false when the record was not accepted.
	In(m metrics.Metrics) bool
	Stream(name string) (aggregation.StreamDefinition, bool)
}

type Service struct {
	rules            aggregation.RuleRepository
	sink             Sink
	clock            clock.Clock
	maxBodySizeBytes int
}

// NewService builds the ingestion service. A nil clk uses wall time.
func NewService(rules aggregation.RuleRepository, sink Sink, maxBodySizeMB int, clk clock.Clock) *Service {
	if rules == nil {
		panic("ingestion: rule repository must not be nil")
	}
	if sink == nil {
		panic("ingestion: sink must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		rules:            rules,
		sink:             sink,
		clock:            clk,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/events", s.IngestHandler)
	r.POST("/v1/meters", s.MeterHandler)

	// Backward-compatible alias. Can be removed after clients migrate.
	r.POST("/v1/ingest", s.IngestHandler)
}
