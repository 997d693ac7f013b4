package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
)

var (
	ErrListDLQ  = errors.New("failed to list dead letters")
	ErrRetryDLQ = errors.New("failed to queue dead-letter retry")
)

func (s *Server) listDLQ(c *gin.Context) {
	// an empty status lists every record
	status := api.DLQStatus(c.Query("status"))

	recs, err := s.store.ListDLQ(c.Request.Context(), status, listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrListDLQ, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, api.DLQListResponse{
		Records: recs,
		Count:   len(recs),
	})
}

// retryDLQ queues an immediate retry for a dead letter regardless of its
// recovery rule, for operators working a manual review queue
func (s *Server) retryDLQ(c *gin.Context) {
	dlqID := c.Param("dlqID")

	rec, ok := s.loadDLQ(c, dlqID)
	if !ok {
		return
	}
	if rec.Status == api.DLQResolved {
		c.JSON(http.StatusConflict, api.ErrorResponse{
			Error:  fmt.Sprintf("dead letter already resolved: %s", dlqID),
			Status: http.StatusConflict,
		})
		return
	}

	ev, err := api.NewEvent(api.EventDLQRetry, &api.DLQRetryData{
		DLQID:         rec.ID,
		OriginalEvent: rec.OriginalEvent,
		ErrorType:     api.ClassifyMessage(rec.ErrorMessage),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrRetryDLQ, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	res, err := s.bus.Publish(c.Request.Context(), ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrRetryDLQ, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, api.DLQRetryResponse{
		DLQID:   rec.ID,
		EventID: res.EventID,
	})
}

func (s *Server) resolveDLQ(c *gin.Context) {
	dlqID := c.Param("dlqID")

	err := s.store.UpdateDLQ(c.Request.Context(), dlqID,
		func(rec *api.DLQRecord) error {
			rec.Status = api.DLQResolved
			return nil
		})
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  fmt.Sprintf("dead letter not found: %s", dlqID),
			Status: http.StatusNotFound,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusInternalServerError,
		})
		return
	}

	if rec, ok := s.loadDLQ(c, dlqID); ok {
		c.JSON(http.StatusOK, rec)
	}
}

func (s *Server) loadDLQ(c *gin.Context, dlqID string) (*api.DLQRecord, bool) {
	rec, err := s.store.GetDLQ(c.Request.Context(), dlqID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  fmt.Sprintf("dead letter not found: %s", dlqID),
			Status: http.StatusNotFound,
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusInternalServerError,
		})
		return nil, false
	}
	return rec, true
}
