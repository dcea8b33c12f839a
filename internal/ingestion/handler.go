package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/aevon-lab/metricflow/internal/aggregation"
	v1 "github.com/aevon-lab/metricflow/internal/api/v1"
	httperr "github.com/aevon-lab/metricflow/internal/core/errors"
	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgRulesFailed    = "Failed to load stream rules"
	msgQueueFull      = "Ingestion queue is full, retry later"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

func badRequest(errorType, message string) *ingestionError {
	return &ingestionError{statusCode: http.StatusBadRequest, errorType: errorType, message: message}
}

// IngestHandler handles HTTP POST requests for event ingestion.
func (s *Service) IngestHandler(c *gin.Context) {
	var evt v1.Event
	payloadSize, err := s.bind(c, &evt)
	if err != nil {
		writeError(c, err)
		return
	}
	evt.IngestedAt = s.clock.Now().UTC()

	if err := evt.Validate(); err != nil {
		slog.Warn("Envelope validation failed", "error", err, "event_id", evt.ID)
		writeError(c, badRequest(httperr.HttpInvalidJsonError, err.Error()))
		return
	}

	records, ierr := s.eventRecords(c.Request.Context(), &evt)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	slog.Debug("Received Event",
		"event_id", evt.ID,
		"principal_id", evt.PrincipalID,
		"event_type", evt.Type,
		"payload_size", payloadSize,
		"records", len(records))

	if ierr := s.submit(records); ierr != nil {
		writeError(c, ierr)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "records": len(records)})
}

// MeterHandler handles batches of pre-aggregated meter samples.
func (s *Service) MeterHandler(c *gin.Context) {
	var batch v1.MeterBatch
	if _, err := s.bind(c, &batch); err != nil {
		writeError(c, err)
		return
	}
	if len(batch.Samples) == 0 {
		writeError(c, badRequest(httperr.HttpInvalidJsonError, "samples must not be empty"))
		return
	}

	records := make([]metrics.Metrics, 0, len(batch.Samples))
	for i := range batch.Samples {
		m, err := s.meterRecord(&batch.Samples[i])
		if err != nil {
			err.details = map[string]interface{}{"index": i}
			writeError(c, err)
			return
		}
		records = append(records, m)
	}

	if err := s.submit(records); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "records": len(records)})
}

// bind reads the size-limited body and decodes it as JSON into dst.
// Returns the raw payload size (used for structured logging upstream).
func (s *Service) bind(c *gin.Context, dst interface{}) (int, *ingestionError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err := c.ShouldBindJSON(dst); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return len(bodyBytes), badRequest(httperr.HttpInvalidJsonError, msgInvalidJSON)
	}
	return len(bodyBytes), nil
}

// eventRecords applies every rule listening to the event's type. All records
// are built before any is submitted so a bad field rejects the whole event.
func (s *Service) eventRecords(ctx context.Context, evt *v1.Event) ([]metrics.Metrics, *ingestionError) {
	rules, err := s.rules.List(ctx, evt.Type)
	if err != nil {
		slog.Error("Failed to list stream rules", "error", err, "event_type", evt.Type)
		return nil, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgRulesFailed,
		}
	}

	bucket := metrics.Minute.Bucket(evt.OccurredAt)
	lastUpdate := evt.OccurredAt.UnixMilli()
	records := make([]metrics.Metrics, 0, len(rules))
	for _, rule := range rules {
		entity, err := entityOf(rule, evt)
		if err != nil {
			return nil, badRequest(httperr.HttpInvalidFieldError, err.Error())
		}
		value := decimal.NewFromInt(1)
		if rule.Function != metrics.FnCount {
			if value, err = toDecimal(evt.Data[rule.Field]); err != nil {
				return nil, badRequest(httperr.HttpInvalidFieldError,
					fmt.Sprintf("stream %q: field %q: %v", rule.Name, rule.Field, err))
			}
		}
		m, err := metrics.New(rule.Function,
			metrics.Key{Name: rule.Name, EntityID: entity, TimeBucket: bucket},
			metrics.Minute, value, lastUpdate)
		if err != nil {
			return nil, badRequest(httperr.HttpInvalidFieldError, err.Error())
		}
		records = append(records, m)
	}
	return records, nil
}

func (s *Service) meterRecord(sample *v1.MeterSample) (metrics.Metrics, *ingestionError) {
	if err := sample.Validate(); err != nil {
		return nil, badRequest(httperr.HttpInvalidJsonError, err.Error())
	}
	def, ok := s.sink.Stream(sample.Metric)
	if !ok {
		return nil, badRequest(httperr.HttpUnknownStreamError, fmt.Sprintf("unknown stream %q", sample.Metric))
	}
	if def.Profile != aggregation.ProfileMAL {
		return nil, badRequest(httperr.HttpUnknownStreamError,
			fmt.Sprintf("stream %q does not accept meter samples", sample.Metric))
	}
	m, err := metrics.New(def.Function,
		metrics.Key{Name: def.Name, EntityID: sample.EntityID, TimeBucket: metrics.Minute.Bucket(sample.Timestamp)},
		metrics.Minute, sample.Value, sample.Timestamp.UnixMilli())
	if err != nil {
		return nil, badRequest(httperr.HttpInvalidFieldError, err.Error())
	}
	return m, nil
}

// submit hands records to the sink. Records accepted before a drop stay accepted.
func (s *Service) submit(records []metrics.Metrics) *ingestionError {
	dropped := 0
	for _, m := range records {
		if !s.sink.In(m) {
			dropped++
		}
	}
	if dropped == 0 {
		return nil
	}
	slog.Warn("Records dropped by full queue", "dropped", dropped, "records", len(records))
	return &ingestionError{
		statusCode: http.StatusTooManyRequests,
		errorType:  httperr.HttpQueueFullError,
		message:    msgQueueFull,
		details: map[string]interface{}{
			"accepted": len(records) - dropped,
			"dropped":  dropped,
		},
	}
}

func entityOf(rule aggregation.StreamRule, evt *v1.Event) (string, error) {
	if rule.EntityField == "" || rule.EntityField == aggregation.EntityFromPrincipal {
		return evt.PrincipalID, nil
	}
	switch v := evt.Data[rule.EntityField].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return decimal.NewFromFloat(v).String(), nil
	case bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("stream %q: entity field %q is missing or not a scalar", rule.Name, rule.EntityField)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		return decimal.NewFromString(x)
	case nil:
		return decimal.Zero, fmt.Errorf("missing")
	}
	return decimal.Zero, fmt.Errorf("not numeric")
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
