package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"

	"github.com/aevon-lab/metricflow/internal/aggregation"
	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/storage"
)

const defaultMaxBuckets = 10000

// ErrInvalidQuery marks request validation errors that should return HTTP 400.
var ErrInvalidQuery = errors.New("invalid metrics query")

// Catalog describes the streams the processor persists.
type Catalog interface {
	Stream(name string) (aggregation.StreamDefinition, bool)
	Models() []storage.Model
}

// Service reads persisted buckets back out of storage. It serves only what a
// flush round has already written; records still in the pipeline are not visible.
type Service struct {
	dao        storage.MetricsDAO
	catalog    Catalog
	clock      clock.Clock
	maxBuckets int
}

func NewService(dao storage.MetricsDAO, catalog Catalog, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{dao: dao, catalog: catalog, clock: clk, maxBuckets: defaultMaxBuckets}
}

// Query loads every bucket of req's entity in the range with one MultiGet.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	req, err := s.normalizeAndValidate(req)
	if err != nil {
		return nil, err
	}

	def, ok := s.catalog.Stream(req.Stream)
	if !ok {
		return nil, invalidQueryf("unknown stream: %s", req.Stream)
	}
	model, ok := s.modelFor(req.Stream, req.Precision)
	if !ok {
		return nil, invalidQueryf("stream %s is not persisted at %s precision", req.Stream, req.Precision)
	}

	probes, err := s.probes(def, req)
	if err != nil {
		return nil, err
	}

	rows, err := s.dao.MultiGet(ctx, model, probes)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model.Table(), err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key().TimeBucket < rows[j].Key().TimeBucket })

	points, err := toPoints(rows, req.Precision)
	if err != nil {
		return nil, err
	}

	values := points
	if req.Granularity == GranularityTotal {
		values = []Point{rollupTotal(def.Function, rows, req.Start, req.End)}
	}

	now := s.clock.Now().UTC()
	dataThrough := minTime(computeDataThrough(req.End, points), now)
	staleness := int(now.Sub(dataThrough).Seconds())
	if staleness < 0 {
		staleness = 0
	}

	return &QueryResponse{
		Stream:           req.Stream,
		EntityID:         req.EntityID,
		Function:         def.Function,
		Precision:        req.Precision.String(),
		Start:            req.Start,
		End:              req.End,
		Granularity:      req.Granularity,
		DataThrough:      dataThrough,
		StalenessSeconds: staleness,
		Values:           values,
	}, nil
}

func (s *Service) normalizeAndValidate(req QueryRequest) (QueryRequest, error) {
	if req.Granularity == "" {
		req.Granularity = GranularityBucket
	}
	if req.Stream == "" {
		return req, invalidQueryf("stream is required")
	}
	if req.EntityID == "" {
		return req, invalidQueryf("entity is required")
	}
	if !req.End.After(req.Start) {
		return req, invalidQueryf("end time must be after start time")
	}
	if req.Precision < metrics.Minute || !req.Precision.Valid() {
		return req, invalidQueryf("invalid precision: %s", req.Precision)
	}
	switch req.Granularity {
	case GranularityBucket, GranularityTotal:
	default:
		return req, invalidQueryf("invalid granularity: %s (must be bucket or total)", req.Granularity)
	}
	req.Start, req.End = req.Start.UTC(), req.End.UTC()
	return req, nil
}

func (s *Service) modelFor(stream string, p metrics.Precision) (storage.Model, bool) {
	for _, m := range s.catalog.Models() {
		if m.Name == stream && m.Precision == p {
			return m, true
		}
	}
	return storage.Model{}, false
}

// probes builds one zero-valued record per bucket overlapping [Start, End).
func (s *Service) probes(def aggregation.StreamDefinition, req QueryRequest) ([]metrics.Metrics, error) {
	first, err := metrics.BucketTime(req.Precision.Bucket(req.Start), req.Precision)
	if err != nil {
		return nil, err
	}
	var out []metrics.Metrics
	for t := first; t.Before(req.End); t = nextBucket(t, req.Precision) {
		if len(out) == s.maxBuckets {
			return nil, invalidQueryf("range spans more than %d %s buckets", s.maxBuckets, req.Precision)
		}
		key := metrics.Key{Name: req.Stream, EntityID: req.EntityID, TimeBucket: req.Precision.Bucket(t)}
		m, err := metrics.New(def.Function, key, req.Precision, decimal.Zero, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func nextBucket(t time.Time, p metrics.Precision) time.Time {
	switch p {
	case metrics.Hour:
		return t.Add(time.Hour)
	case metrics.Day:
		return t.AddDate(0, 0, 1)
	case metrics.Month:
		return t.AddDate(0, 1, 0)
	default:
		return t.Add(time.Minute)
	}
}

func toPoints(rows []metrics.Metrics, p metrics.Precision) ([]Point, error) {
	points := make([]Point, 0, len(rows))
	for _, m := range rows {
		start, err := metrics.BucketTime(m.Key().TimeBucket, p)
		if err != nil {
			return nil, err
		}
		points = append(points, Point{
			TimeBucket:  m.Key().TimeBucket,
			WindowStart: start,
			WindowEnd:   nextBucket(start, p),
			Value:       m.Value(),
			Count:       m.Snapshot().Count,
		})
	}
	return points, nil
}

// computeDataThrough is the end of the latest bucket with data, capped at end.
func computeDataThrough(end time.Time, points []Point) time.Time {
	if len(points) == 0 {
		// Empty result still means the query is complete up to the requested end.
		return end
	}
	var dataThrough time.Time
	for _, p := range points {
		if p.WindowEnd.After(dataThrough) {
			dataThrough = p.WindowEnd
		}
	}
	return minTime(dataThrough, end)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func invalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}
