package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quartermile/ledgerflow/pkg/api"
)

var (
	ErrInvalidJSON  = errors.New("invalid JSON payload")
	ErrPublishEvent = errors.New("failed to publish event")
)

func (s *Server) publishEvent(c *gin.Context) {
	var ev api.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	// identity and delivery state belong to the worker, not the caller
	ev.ID = api.NewEventID()
	ev.Attempt = 0

	res, err := s.bus.Publish(c.Request.Context(), &ev)
	if err != nil {
		if errors.Is(err, api.ErrEventNameRequired) ||
			errors.Is(err, api.ErrEventMalformed) {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Error:  err.Error(),
				Status: http.StatusBadRequest,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrPublishEvent, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	// a key already seen inside the window is a conflict, not an accept;
	// the response still names the event the key resolved to
	if res.Duplicate {
		c.JSON(http.StatusConflict, api.EventAcceptedResponse{
			EventID:   res.EventID,
			Duplicate: true,
		})
		return
	}

	c.JSON(http.StatusAccepted, api.EventAcceptedResponse{
		EventID: res.EventID,
	})
}

func (s *Server) listFunctions(c *gin.Context) {
	fns := s.registry.Functions()

	infos := make([]api.FunctionInfo, len(fns))
	for i, fn := range fns {
		info := api.FunctionInfo{
			ID:          fn.ID,
			Name:        fn.Name,
			EventName:   fn.EventName,
			MaxAttempts: fn.MaxAttempts,
			Concurrency: fn.Concurrency,
		}
		if fn.Cron != nil {
			info.CronSpec = fn.Cron.Spec
		}
		infos[i] = info
	}

	c.JSON(http.StatusOK, api.FunctionsListResponse{
		Functions: infos,
		Count:     len(infos),
	})
}
