package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/quartermile/ledgerflow"
	"github.com/quartermile/ledgerflow/pkg/api"
)

const healthCheckTimeout = 2 * time.Second

// handleHealth reports liveness plus the state of the worker's
// dependencies. A failing store or a queue over its depth limit degrades
// the response to 503 so load balancers rotate the instance out.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(
		c.Request.Context(), healthCheckTimeout,
	)
	defer cancel()

	status := api.HealthHealthy
	checks := map[string]string{}

	if err := s.store.Ping(ctx); err != nil {
		status = api.HealthDegraded
		checks["store"] = err.Error()
	} else {
		checks["store"] = "ok"
	}

	depth, err := s.bus.Depth(ctx)
	switch {
	case err != nil:
		status = api.HealthDegraded
		checks["queue"] = err.Error()
	case s.cfg.QueueDepthLimit > 0 && depth > int64(s.cfg.QueueDepthLimit):
		status = api.HealthDegraded
		checks["queue"] = "depth " + strconv.FormatInt(depth, 10) +
			" over limit"
	default:
		checks["queue"] = "depth " + strconv.FormatInt(depth, 10)
	}

	code := http.StatusOK
	if status != api.HealthHealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, api.HealthResponse{
		Service: app.Name,
		Version: app.Version,
		Status:  status,
		Checks:  checks,
	})
}
