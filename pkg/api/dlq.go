package api

import (
	"encoding/json"
	"time"
)

type (
	// DLQStatus is the triage state of a dead-letter record
	DLQStatus string

	// DLQRecord captures a run whose retries were exhausted, for
	// classification-driven auto-retry or manual review
	DLQRecord struct {
		ID             string          `json:"id"`
		FunctionID     FunctionID      `json:"function_id"`
		RunID          RunID           `json:"run_id"`
		OriginalEvent  json.RawMessage `json:"original_event"`
		ErrorMessage   string          `json:"error_message"`
		ErrorStack     string          `json:"error_stack,omitempty"`
		AttemptCount   int             `json:"attempt_count"`
		FailedAt       time.Time       `json:"failed_at"`
		Status         DLQStatus       `json:"status"`
		TenantID       string          `json:"tenant_id,omitempty"`
		CompanyID      string          `json:"company_id,omitempty"`
		RecoveryAction string          `json:"recovery_action,omitempty"`
		RetryCount     int             `json:"retry_count"`
		LastRetryAt    time.Time       `json:"last_retry_at,omitempty"`
	}

	// RecoveryRule decides whether a function's terminal failures are
	// auto-retried from the dead-letter queue
	RecoveryRule struct {
		MaxAttempts int
		Delay       time.Duration
		Recoverable []Subclass
	}
)

const (
	DLQFailed       DLQStatus = "failed"
	DLQRetrying     DLQStatus = "retrying"
	DLQManualReview DLQStatus = "manual_review"
	DLQResolved     DLQStatus = "resolved"
)

// DefaultRecoveryRules are the function-scoped auto-retry policies applied
// by the dead-letter handler
var DefaultRecoveryRules = map[FunctionID]RecoveryRule{
	"fx-rate-ingestion": {
		MaxAttempts: 5,
		Delay:       5 * time.Minute,
		Recoverable: []Subclass{
			SubclassNetwork, SubclassTimeout, SubclassRateLimit,
		},
	},
	"pdf-generation": {
		MaxAttempts: 3,
		Delay:       time.Minute,
		Recoverable: []Subclass{SubclassTimeout, SubclassMemory},
	},
	"email-workflow": {
		MaxAttempts: 3,
		Delay:       2 * time.Minute,
		Recoverable: []Subclass{SubclassRateLimit, SubclassTemporary},
	},
}

// RecoveryRuleFor returns the recovery rule for a function, or false when
// failures of that function always go to manual review
func RecoveryRuleFor(fn FunctionID) (RecoveryRule, bool) {
	rule, ok := DefaultRecoveryRules[fn]
	return rule, ok
}

// Covers reports whether the rule auto-retries the given failure subclass
func (r RecoveryRule) Covers(subclass Subclass) bool {
	for _, s := range r.Recoverable {
		if s == subclass {
			return true
		}
	}
	return false
}
