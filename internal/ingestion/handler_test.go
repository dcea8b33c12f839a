package ingestion

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/metricflow/internal/aggregation"
	v1 "github.com/aevon-lab/metricflow/internal/api/v1"
	httperr "github.com/aevon-lab/metricflow/internal/core/errors"
	"github.com/aevon-lab/metricflow/internal/core/metrics"
	ingestionmocks "github.com/aevon-lab/metricflow/internal/mocks/ingestion"
)

var occurredAt = time.Date(2024, 3, 5, 10, 30, 42, 0, time.UTC)

func testRules() *aggregation.InMemoryRuleRepository {
	return aggregation.NewInMemoryRuleRepository(
		aggregation.StreamRule{Name: "service_cpm", SourceEvent: "api.request", Function: metrics.FnCount},
		aggregation.StreamRule{Name: "endpoint_resp_time", SourceEvent: "api.request", Function: metrics.FnAvg,
			Field: "latency", EntityField: "endpoint"},
		aggregation.StreamRule{Name: "order_total", SourceEvent: "order.placed", Function: metrics.FnSum, Field: "amount"},
	)
}

func newRouter(t *testing.T, sink Sink, maxBodyMB int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := NewService(testRules(), sink, maxBodyMB, clock.NewMock())
	r := gin.New()
	svc.RegisterRoutes(r)
	return r
}

func post(r http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func eventBody(t *testing.T, data map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(&v1.Event{
		ID:          "evt-001",
		PrincipalID: "user-1",
		Type:        "api.request",
		OccurredAt:  occurredAt,
		Data:        data,
	})
	require.NoError(t, err)
	return body
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) httperr.ErrorResponse {
	t.Helper()
	var out httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestIngestHandler_Success(t *testing.T) {
	sink := ingestionmocks.NewSink(t)
	bucket := metrics.Minute.Bucket(occurredAt)

	sink.EXPECT().
		In(mock.MatchedBy(func(m metrics.Metrics) bool {
			return m.Key() == metrics.Key{Name: "service_cpm", EntityID: "user-1", TimeBucket: bucket} &&
				m.Value().Equal(decimal.NewFromInt(1))
		})).
		Return(true).
		Once()
	sink.EXPECT().
		In(mock.MatchedBy(func(m metrics.Metrics) bool {
			return m.Key() == metrics.Key{Name: "endpoint_resp_time", EntityID: "/checkout", TimeBucket: bucket} &&
				m.Function() == metrics.FnAvg &&
				m.LastUpdate() == occurredAt.UnixMilli()
		})).
		Return(true).
		Once()

	resp := post(newRouter(t, sink, 1), "/v1/events", eventBody(t, map[string]interface{}{"latency": 120.5, "endpoint": "/checkout"}))

	require.Equal(t, http.StatusAccepted, resp.Code)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.Equal(t, "accepted", result["status"])
	require.Equal(t, float64(2), result["records"])
}

func TestIngestHandler_NoMatchingRules(t *testing.T) {
	sink := ingestionmocks.NewSink(t)
	body, err := json.Marshal(&v1.Event{ID: "e", PrincipalID: "p", Type: "invoice.created", OccurredAt: occurredAt})
	require.NoError(t, err)

	resp := post(newRouter(t, sink, 1), "/v1/ingest", body)
	require.Equal(t, http.StatusAccepted, resp.Code)
	sink.AssertNotCalled(t, "In", mock.Anything)
}

func TestIngestHandler_InvalidJSON(t *testing.T) {
	resp := post(newRouter(t, ingestionmocks.NewSink(t), 1), "/v1/events", []byte(`{"id":`))
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, httperr.HttpInvalidJsonError, decodeError(t, resp).ErrorType)
}

func TestIngestHandler_ValidationFailure(t *testing.T) {
	body, err := json.Marshal(&v1.Event{ID: "e", Type: "api.request", OccurredAt: occurredAt})
	require.NoError(t, err)

	resp := post(newRouter(t, ingestionmocks.NewSink(t), 1), "/v1/events", body)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "principal_id is required", decodeError(t, resp).Message)
}

func TestIngestHandler_BadFieldRejectsWholeEvent(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
	}{
		{"missing value field", map[string]interface{}{"endpoint": "/checkout"}},
		{"non numeric value", map[string]interface{}{"endpoint": "/checkout", "latency": []int{1}}},
		{"missing entity field", map[string]interface{}{"latency": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := ingestionmocks.NewSink(t)
			resp := post(newRouter(t, sink, 1), "/v1/events", eventBody(t, tt.data))

			require.Equal(t, http.StatusBadRequest, resp.Code)
			require.Equal(t, httperr.HttpInvalidFieldError, decodeError(t, resp).ErrorType)
			sink.AssertNotCalled(t, "In", mock.Anything)
		})
	}
}

func TestIngestHandler_QueueFull(t *testing.T) {
	sink := ingestionmocks.NewSink(t)
	sink.EXPECT().In(mock.Anything).Return(true).Once()
	sink.EXPECT().In(mock.Anything).Return(false).Once()

	resp := post(newRouter(t, sink, 1), "/v1/events", eventBody(t, map[string]interface{}{"latency": "7", "endpoint": "/a"}))

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	out := decodeError(t, resp)
	require.Equal(t, httperr.HttpQueueFullError, out.ErrorType)
	require.Equal(t, map[string]interface{}{"accepted": float64(1), "dropped": float64(1)}, out.Details)
}

func TestIngestHandler_BodySizeLimit(t *testing.T) {
	big := strings.Repeat("x", 1024*1024+1)
	resp := post(newRouter(t, ingestionmocks.NewSink(t), 1), "/v1/events", eventBody(t, map[string]interface{}{"blob": big}))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func meterBody(t *testing.T, samples ...v1.MeterSample) []byte {
	t.Helper()
	body, err := json.Marshal(&v1.MeterBatch{Samples: samples})
	require.NoError(t, err)
	return body
}

func TestMeterHandler_Success(t *testing.T) {
	sink := ingestionmocks.NewSink(t)
	sink.EXPECT().Stream("instance_cpu").
		Return(aggregation.StreamDefinition{Name: "instance_cpu", Function: metrics.FnLatest, Profile: aggregation.ProfileMAL}, true)
	sink.EXPECT().
		In(mock.MatchedBy(func(m metrics.Metrics) bool {
			return m.Function() == metrics.FnLatest &&
				m.Key().TimeBucket == metrics.Minute.Bucket(occurredAt) &&
				m.Value().Equal(decimal.RequireFromString("42.5"))
		})).
		Return(true).
		Once()

	resp := post(newRouter(t, sink, 1), "/v1/meters", meterBody(t, v1.MeterSample{
		Metric: "instance_cpu", EntityID: "i-1", Timestamp: occurredAt, Value: decimal.RequireFromString("42.5"),
	}))
	require.Equal(t, http.StatusAccepted, resp.Code)
}

func TestMeterHandler_Rejections(t *testing.T) {
	sample := v1.MeterSample{Metric: "instance_cpu", EntityID: "i-1", Timestamp: occurredAt, Value: decimal.NewFromInt(1)}

	t.Run("empty batch", func(t *testing.T) {
		resp := post(newRouter(t, ingestionmocks.NewSink(t), 1), "/v1/meters", meterBody(t))
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("unknown stream", func(t *testing.T) {
		sink := ingestionmocks.NewSink(t)
		sink.EXPECT().Stream("instance_cpu").Return(aggregation.StreamDefinition{}, false)

		resp := post(newRouter(t, sink, 1), "/v1/meters", meterBody(t, sample))
		require.Equal(t, http.StatusBadRequest, resp.Code)
		require.Equal(t, httperr.HttpUnknownStreamError, decodeError(t, resp).ErrorType)
	})

	t.Run("event stream", func(t *testing.T) {
		sink := ingestionmocks.NewSink(t)
		sink.EXPECT().Stream("instance_cpu").
			Return(aggregation.StreamDefinition{Name: "instance_cpu", Function: metrics.FnSum, Profile: aggregation.ProfileOAL}, true)

		resp := post(newRouter(t, sink, 1), "/v1/meters", meterBody(t, sample))
		require.Equal(t, http.StatusBadRequest, resp.Code)
		require.Contains(t, decodeError(t, resp).Message, "does not accept meter samples")
	})

	t.Run("invalid sample", func(t *testing.T) {
		bad := sample
		bad.EntityID = ""
		resp := post(newRouter(t, ingestionmocks.NewSink(t), 1), "/v1/meters", meterBody(t, bad, sample))
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})
}
