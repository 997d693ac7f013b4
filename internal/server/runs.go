package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
)

var (
	ErrGetRun   = errors.New("failed to get run")
	ErrListRuns = errors.New("failed to list runs")
)

const defaultListLimit = 100

func (s *Server) getRun(c *gin.Context) {
	runID := api.RunID(c.Param("runID"))

	run, err := s.store.GetRun(c.Request.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:  fmt.Sprintf("run not found: %s", runID),
			Status: http.StatusNotFound,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrGetRun, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	memos, err := s.store.ListMemos(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrGetRun, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, api.RunResponse{
		Run:   run,
		Memos: memos,
	})
}

func (s *Server) listRuns(c *gin.Context) {
	status := api.RunStatus(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "status query parameter is required",
			Status: http.StatusBadRequest,
		})
		return
	}

	runs, err := s.store.ListRunsByStatus(
		c.Request.Context(), status, listLimit(c),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrListRuns, err),
			Status: http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, api.RunsListResponse{
		Runs:  runs,
		Count: len(runs),
	})
}

func listLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}
