//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	v1 "github.com/aevon-lab/metricflow/internal/api/v1"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestCoreAPI_ShutdownPersistsBufferedRecords(t *testing.T) {
	h := startHarnessWithoutDriver(t)
	defer h.close(t)

	require.NoError(t, resetDatabase(t, h.db))

	principalID := "principal-567"
	base := time.Now().UTC().Truncate(time.Second)

	t.Run("health endpoint", func(t *testing.T) {
		resp, err := h.client.Get(h.baseURL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ingest orders", func(t *testing.T) {
		for i, amount := range []float64{10.5, 4.5} {
			event := v1.Event{
				ID:          fmt.Sprintf("order-%d-%d", i, time.Now().UnixNano()),
				PrincipalID: principalID,
				Type:        "order.placed",
				OccurredAt:  base.Add(time.Duration(i) * time.Second),
				Data:        map[string]interface{}{"amount": amount},
			}
			status, body := postJSON(t, h.client, h.baseURL+"/v1/events", event)
			require.Equal(t, http.StatusAccepted, status, string(body))
		}
	})

	t.Run("nothing is visible before a flush round", func(t *testing.T) {
		status, payload := queryTotal(t, h, "order_total", principalID, base)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "0", payload.Values[0].Value)
	})

	t.Run("stop and final round persist everything", func(t *testing.T) {
		h.processor.Stop()
		require.NoError(t, h.driver.FinalRound())

		status, payload := queryTotal(t, h, "order_total", principalID, base)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "15", payload.Values[0].Value)
	})

	t.Run("metrics endpoint exposes pipeline counters", func(t *testing.T) {
		resp, err := h.client.Get(h.baseURL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
