package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/pkg/api"
)

// adminAlertAttempts is the failure depth at which dead letters page the
// admin even for non-critical functions
const adminAlertAttempts = 3

// dlqDecision is the memoized outcome of recording a dead letter
type dlqDecision struct {
	DLQID     string       `json:"dlqId"`
	Retry     bool         `json:"retry"`
	DelayMs   int64        `json:"retryDelayMs,omitempty"`
	ErrorType api.Subclass `json:"errorType"`
}

// DLQHandler captures terminal run failures as dead-letter records and
// decides their fate: auto-retry when the function has a recovery rule
// covering the failure class and the attempt budget is not spent, manual
// review otherwise. Its own failures are suppressed so a broken handler
// cannot feed itself.
func DLQHandler(d *Deps) *engine.Function {
	return &engine.Function{
		ID:                   "dlq-handler",
		Name:                 "Dead Letter Handler",
		EventName:            api.EventFunctionFailed,
		SuppressFailureEvent: true,
		Handler: func(sc *engine.Context) (any, error) {
			var failed api.FunctionFailedData
			if err := sc.Bind(&failed); err != nil {
				return nil, err
			}
			if failed.FunctionID == "" {
				return nil, api.Fatal(api.SubclassValidation,
					"function failure event carries no function id")
			}

			decision, err := engine.Run(sc, "record-dlq",
				func(ctx context.Context) (*dlqDecision, error) {
					return recordDeadLetter(ctx, d, &failed, sc.Now())
				})
			if err != nil {
				return nil, err
			}

			if decision.Retry {
				if err := queueDLQRetry(sc, &failed, decision); err != nil {
					return nil, err
				}
			} else {
				if _, err := sc.RunStep("mark-manual-review",
					func(ctx context.Context) (any, error) {
						return nil, d.Store.UpdateDLQ(ctx, decision.DLQID,
							func(rec *api.DLQRecord) error {
								rec.Status = api.DLQManualReview
								rec.RecoveryAction = "manual_review"
								return nil
							})
					}); err != nil {
					return nil, err
				}
			}

			if d.Cfg.IsCriticalFunction(string(failed.FunctionID)) ||
				failed.AttemptCount >= adminAlertAttempts {
				if err := alertAdmin(sc, d, &failed, decision); err != nil {
					return nil, err
				}
			}
			return decision, nil
		},
	}
}

// DLQRetry waits out the recovery delay and re-publishes the original
// event under a fresh identity. The accumulated attempt count rides on
// the event, so a failing retry exhausts immediately and comes back as a
// deeper dead letter.
func DLQRetry(d *Deps) *engine.Function {
	return &engine.Function{
		ID:                   "dlq-retry",
		Name:                 "Dead Letter Retry",
		EventName:            api.EventDLQRetry,
		SuppressFailureEvent: true,
		Handler: func(sc *engine.Context) (any, error) {
			var req api.DLQRetryData
			if err := sc.Bind(&req); err != nil {
				return nil, err
			}
			if req.DLQID == "" || len(req.OriginalEvent) == 0 {
				return nil, api.Fatal(api.SubclassValidation,
					"dlq retry needs dlqId and the original event")
			}

			if err := sc.Sleep("retry-delay",
				time.Duration(req.RetryDelayMs)*time.Millisecond,
			); err != nil {
				return nil, err
			}

			if _, err := sc.RunStep("mark-retrying",
				func(ctx context.Context) (any, error) {
					return nil, d.Store.UpdateDLQ(ctx, req.DLQID,
						func(rec *api.DLQRecord) error {
							rec.Status = api.DLQRetrying
							rec.RecoveryAction = "auto_retry"
							rec.RetryCount++
							rec.LastRetryAt = sc.Now()
							return nil
						})
				}); err != nil {
				return nil, err
			}

			var original api.Event
			if err := json.Unmarshal(req.OriginalEvent, &original); err != nil {
				return nil, api.Fatal(api.SubclassValidation,
					"original event does not decode: %v", err)
			}
			original.ID = api.NewEventID()
			original.IdempotencyKey = ""
			original.ScheduledFor = time.Time{}

			id, err := sc.Send("republish-original", &original)
			if err != nil {
				return nil, err
			}
			return map[string]any{"republishedEventId": id}, nil
		},
	}
}

func recordDeadLetter(
	ctx context.Context, d *Deps, failed *api.FunctionFailedData,
	now time.Time,
) (*dlqDecision, error) {
	subclass := api.ClassifyMessage(failed.Error.Message)

	rec := &api.DLQRecord{
		ID:            api.NewDLQID(),
		FunctionID:    failed.FunctionID,
		RunID:         failed.RunID,
		OriginalEvent: failed.OriginalEvent,
		ErrorMessage:  failed.Error.Message,
		ErrorStack:    failed.Error.Stack,
		AttemptCount:  failed.AttemptCount,
		FailedAt:      now,
		Status:        api.DLQFailed,
		TenantID: gjson.GetBytes(
			failed.OriginalEvent, "data.tenantId").String(),
		CompanyID: gjson.GetBytes(
			failed.OriginalEvent, "data.companyId").String(),
	}
	if err := d.Store.PutDLQ(ctx, rec); err != nil {
		return nil, err
	}

	decision := &dlqDecision{DLQID: rec.ID, ErrorType: subclass}
	rule, ok := api.RecoveryRuleFor(failed.FunctionID)
	if ok && rule.Covers(subclass) &&
		failed.AttemptCount <= rule.MaxAttempts {
		decision.Retry = true
		decision.DelayMs = rule.Delay.Milliseconds()
	}
	return decision, nil
}

func queueDLQRetry(
	sc *engine.Context, failed *api.FunctionFailedData, decision *dlqDecision,
) error {
	original := failed.OriginalEvent
	if updated, err := carryAttempt(original, failed.AttemptCount); err == nil {
		original = updated
	}

	ev, err := api.NewEvent(api.EventDLQRetry, &api.DLQRetryData{
		DLQID:         decision.DLQID,
		OriginalEvent: original,
		RetryDelayMs:  decision.DelayMs,
		ErrorType:     decision.ErrorType,
	})
	if err != nil {
		return err
	}

	_, err = sc.Send("queue-retry", ev)
	return err
}

// carryAttempt stamps the accumulated attempt count onto the original
// event JSON so the retried generation starts at the right depth
func carryAttempt(raw json.RawMessage, attempts int) (json.RawMessage, error) {
	var ev map[string]json.RawMessage
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	ev["attempt"] = json.RawMessage(fmt.Sprintf("%d", attempts))
	return json.Marshal(ev)
}

func alertAdmin(
	sc *engine.Context, d *Deps, failed *api.FunctionFailedData,
	decision *dlqDecision,
) error {
	action := "manual_review"
	if decision.Retry {
		action = "auto_retry"
	}
	data, err := json.Marshal(map[string]any{
		"functionId":   failed.FunctionID,
		"runId":        failed.RunID,
		"attemptCount": failed.AttemptCount,
		"errorType":    decision.ErrorType,
		"action":       action,
		"dlqId":        decision.DLQID,
	})
	if err != nil {
		return err
	}

	ev, err := api.NewEvent(api.EventEmailSend, &api.EmailSendData{
		To: d.Cfg.AdminEmail,
		Subject: fmt.Sprintf("Dead letter: %s failed after %d attempts",
			failed.FunctionID, failed.AttemptCount),
		Template: "dlq-alert",
		Data:     data,
		Priority: string(api.PriorityHigh),
	})
	if err != nil {
		return err
	}

	_, err = sc.Send("notify-admin", ev)
	return err
}
