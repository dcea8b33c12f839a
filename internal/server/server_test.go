package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func get(s *Server, path string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	return resp
}

func TestHealth(t *testing.T) {
	healthy := New(":0", pingFunc(func(context.Context) error { return nil }), nil, "release")
	resp := get(healthy, "/health")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"healthy"`)

	down := New(":0", pingFunc(func(context.Context) error { return errors.New("refused") }), nil, "release")
	resp = get(down, "/health")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Contains(t, resp.Body.String(), "storage unreachable")

	assert.Equal(t, http.StatusOK, get(New(":0", nil, nil, "release"), "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "metricflow_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	resp := get(New(":0", nil, reg, "release"), "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "metricflow_test_total 3")

	assert.Equal(t, http.StatusNotFound, get(New(":0", nil, nil, "release"), "/metrics").Code)
}
