package projection

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	httperr "github.com/aevon-lab/metricflow/internal/core/errors"
	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/metrics/:stream", s.HandleQuery)
}

// HandleQuery handles GET /v1/metrics/:stream
// Query parameters: entity, start, end, precision (default minute), granularity
func (s *Service) HandleQuery(c *gin.Context) {
	var query struct {
		Entity      string    `form:"entity" binding:"required"`
		Start       time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		End         time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
		Precision   string    `form:"precision"`
		Granularity string    `form:"granularity"`
	}

	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidFieldError,
			Message:   "Invalid query parameters",
			Details:   err.Error(),
		})
		return
	}

	precision := metrics.Minute
	if query.Precision != "" {
		p, err := metrics.ParsePrecision(query.Precision)
		if err != nil {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpInvalidFieldError,
				Message:   "Invalid precision",
				Details:   err.Error(),
			})
			return
		}
		precision = p
	}

	resp, err := s.Query(c.Request.Context(), QueryRequest{
		Stream:      c.Param("stream"),
		EntityID:    query.Entity,
		Precision:   precision,
		Start:       query.Start,
		End:         query.End,
		Granularity: query.Granularity,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidQuery) {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpInvalidFieldError,
				Message:   "Invalid metrics query",
				Details:   err.Error(),
			})
			return
		}

		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to query metrics",
			Details:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}
