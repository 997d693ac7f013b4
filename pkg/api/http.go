package api

import "encoding/json"

type (
	// ErrorResponse is the uniform error body returned by the HTTP API
	ErrorResponse struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
	}

	// EventAcceptedResponse acknowledges an accepted or collapsed event
	EventAcceptedResponse struct {
		EventID   EventID `json:"event_id"`
		Duplicate bool    `json:"duplicate,omitempty"`
	}

	// HealthResponse reports worker liveness and its dependency checks
	HealthResponse struct {
		Service string            `json:"service"`
		Version string            `json:"version"`
		Status  string            `json:"status"`
		Checks  map[string]string `json:"checks"`
	}

	// RunResponse is a run with its memoized step table
	RunResponse struct {
		Run   *Run        `json:"run"`
		Memos []*StepMemo `json:"memos"`
	}

	// RunsListResponse lists runs by status
	RunsListResponse struct {
		Runs  []*Run `json:"runs"`
		Count int    `json:"count"`
	}

	// DLQListResponse lists dead-letter records
	DLQListResponse struct {
		Records []*DLQRecord `json:"records"`
		Count   int          `json:"count"`
	}

	// DLQRetryResponse acknowledges a manually requested dead-letter retry
	DLQRetryResponse struct {
		DLQID   string  `json:"dlq_id"`
		EventID EventID `json:"event_id"`
	}

	// FunctionInfo describes a registered function without its handler
	FunctionInfo struct {
		ID          FunctionID `json:"id"`
		Name        string     `json:"name,omitempty"`
		EventName   string     `json:"event_name"`
		CronSpec    string     `json:"cron_spec,omitempty"`
		MaxAttempts int        `json:"max_attempts"`
		Concurrency int        `json:"concurrency,omitempty"`
	}

	// FunctionsListResponse lists registered functions
	FunctionsListResponse struct {
		Functions []FunctionInfo `json:"functions"`
		Count     int            `json:"count"`
	}

	// WebSocketEvent is one accepted event streamed to a socket client
	WebSocketEvent struct {
		Type      string          `json:"type"`
		Name      string          `json:"name"`
		EventID   EventID         `json:"event_id"`
		Data      json.RawMessage `json:"data,omitempty"`
		Timestamp int64           `json:"timestamp"`
	}
)

// Health status values reported by the HTTP API
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)
