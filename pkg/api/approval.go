package api

import (
	"errors"
	"fmt"
	"time"
)

type (
	// WorkflowType selects the approval topology for a document
	WorkflowType string

	// WorkflowStatus is the lifecycle state of an approval workflow
	WorkflowStatus string

	// ApproverStatus is the state of one approver's part in a workflow
	ApproverStatus string

	// Decision is an approver's verdict on a document
	Decision string

	// Priority orders approval work for reviewers
	Priority string

	// DocumentApprovalWorkflow is the approval state embedded in an
	// attachment's metadata. Once Status leaves WorkflowInProgress the
	// workflow is immutable.
	DocumentApprovalWorkflow struct {
		ID                 string         `json:"id"`
		AttachmentID       string         `json:"attachmentId"`
		TenantID           string         `json:"tenantId"`
		WorkflowType       WorkflowType   `json:"workflowType"`
		Status             WorkflowStatus `json:"status"`
		Approvers          []*Approver    `json:"approvers"`
		RequireAll         bool           `json:"requireAllApprovers"`
		AllowSelfApproval  bool           `json:"allowSelfApproval"`
		Priority           Priority       `json:"priority"`
		DueDate            time.Time      `json:"dueDate,omitempty"`
		CurrentStage       int            `json:"currentStage"`
		TotalStages        int            `json:"totalStages"`
		SubmittedAt        time.Time      `json:"submittedAt"`
		SubmittedBy        string         `json:"submittedBy"`
		CompletedAt        time.Time      `json:"completedAt,omitempty"`
		FinalDecision      Decision       `json:"finalDecision,omitempty"`
		RemindersSent      int            `json:"remindersSent"`
		ReminderIntervalHr int            `json:"reminderIntervalHours,omitempty"`
	}

	// Approver is one participant in an approval workflow stage
	Approver struct {
		ID               string         `json:"id"`
		UserID           string         `json:"userId"`
		Email            string         `json:"email,omitempty"`
		Stage            int            `json:"stage"`
		Order            int            `json:"order"`
		Status           ApproverStatus `json:"status"`
		Decision         Decision       `json:"decision,omitempty"`
		Comments         string         `json:"comments,omitempty"`
		Conditions       string         `json:"conditions,omitempty"`
		DecidedAt        time.Time      `json:"decidedAt,omitempty"`
		DelegatedTo      string         `json:"delegatedTo,omitempty"`
		DelegatedFrom    string         `json:"delegatedFrom,omitempty"`
		DelegationReason string         `json:"delegationReason,omitempty"`
	}

	// StageOutcome is the result of evaluating the current stage after a
	// decision has been recorded
	StageOutcome struct {
		Complete bool
		Approved bool
	}
)

const (
	WorkflowSingleApprover WorkflowType = "single_approver"
	WorkflowMultiStage     WorkflowType = "multi_stage"
	WorkflowParallel       WorkflowType = "parallel"

	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowRejected   WorkflowStatus = "rejected"

	ApproverPending   ApproverStatus = "pending"
	ApproverApproved  ApproverStatus = "approved"
	ApproverRejected  ApproverStatus = "rejected"
	ApproverDelegated ApproverStatus = "delegated"

	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"

	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var (
	ErrWorkflowNotActive  = errors.New("approval workflow is not active")
	ErrNotPendingApprover = errors.New(
		"user is not a pending approver in the current stage",
	)
	ErrSelfApproval      = errors.New("self-approval is not permitted")
	ErrInvalidDecision   = errors.New("decision must be approve or reject")
	ErrDelegateToSelf    = errors.New("cannot delegate to the same user")
	ErrStageOutOfBounds  = errors.New("current stage exceeds total stages")
	ErrNoApprovers       = errors.New("workflow requires at least one approver")
	ErrApproverStageSkew = errors.New("approver stage exceeds total stages")
)

// Validate checks the structural invariants of a workflow definition
func (w *DocumentApprovalWorkflow) Validate() error {
	if len(w.Approvers) == 0 {
		return ErrNoApprovers
	}
	if w.CurrentStage < 1 || w.CurrentStage > w.TotalStages {
		return fmt.Errorf("%w: stage %d of %d",
			ErrStageOutOfBounds, w.CurrentStage, w.TotalStages)
	}
	for _, a := range w.Approvers {
		if a.Stage < 1 || a.Stage > w.TotalStages {
			return fmt.Errorf("%w: approver %s at stage %d",
				ErrApproverStageSkew, a.UserID, a.Stage)
		}
	}
	return nil
}

// StageApprovers returns the approvers assigned to the given stage
func (w *DocumentApprovalWorkflow) StageApprovers(stage int) []*Approver {
	var res []*Approver
	for _, a := range w.Approvers {
		if a.Stage == stage {
			res = append(res, a)
		}
	}
	return res
}

// PendingApprover finds a pending approver for the user in the current
// stage. Delegated and decided approvers do not match.
func (w *DocumentApprovalWorkflow) PendingApprover(userID string) *Approver {
	for _, a := range w.StageApprovers(w.CurrentStage) {
		if a.UserID == userID && a.Status == ApproverPending {
			return a
		}
	}
	return nil
}

// RecordDecision applies an approver's decision to the workflow. The caller
// must have located the approver via PendingApprover.
func (w *DocumentApprovalWorkflow) RecordDecision(
	a *Approver, decision Decision, comments, conditions string,
	now time.Time,
) error {
	switch decision {
	case DecisionApprove:
		a.Status = ApproverApproved
	case DecisionReject:
		a.Status = ApproverRejected
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	a.Decision = decision
	a.Comments = comments
	a.Conditions = conditions
	a.DecidedAt = now
	return nil
}

// Delegate marks the approver delegated and returns the replacement pending
// approver inserted into the same stage
func (w *DocumentApprovalWorkflow) Delegate(
	a *Approver, delegateTo, reason string, now time.Time,
) (*Approver, error) {
	if delegateTo == "" || delegateTo == a.UserID {
		return nil, ErrDelegateToSelf
	}

	a.Status = ApproverDelegated
	a.DelegatedTo = delegateTo
	a.DelegationReason = reason
	a.DecidedAt = now

	replacement := &Approver{
		ID:            a.ID + "-delegate",
		UserID:        delegateTo,
		Stage:         a.Stage,
		Order:         a.Order,
		Status:        ApproverPending,
		DelegatedFrom: a.UserID,
	}
	w.Approvers = append(w.Approvers, replacement)
	return replacement, nil
}

// EvaluateStage determines whether the current stage is complete and, if
// so, whether it was approved.
//
// With RequireAll the stage completes only when every non-delegated
// approver in the stage has decided, and is approved iff all approved.
// Without RequireAll any single decision completes the stage.
func (w *DocumentApprovalWorkflow) EvaluateStage() StageOutcome {
	approvers := w.StageApprovers(w.CurrentStage)

	if !w.RequireAll {
		for _, a := range approvers {
			if a.Status == ApproverRejected {
				return StageOutcome{Complete: true, Approved: false}
			}
		}
		for _, a := range approvers {
			if a.Status == ApproverApproved {
				return StageOutcome{Complete: true, Approved: true}
			}
		}
		return StageOutcome{}
	}

	allApproved := true
	for _, a := range approvers {
		switch a.Status {
		case ApproverPending:
			return StageOutcome{}
		case ApproverRejected:
			allApproved = false
		case ApproverDelegated:
			// replaced by the delegate's entry in the same stage
		}
	}
	return StageOutcome{Complete: true, Approved: allApproved}
}

// Advance moves the workflow past a completed stage. It either finishes
// the workflow or increments the current stage, and reports whether the
// workflow reached a terminal state.
func (w *DocumentApprovalWorkflow) Advance(
	outcome StageOutcome, now time.Time,
) bool {
	if !outcome.Complete {
		return false
	}

	if !outcome.Approved {
		w.Status = WorkflowRejected
		w.FinalDecision = DecisionReject
		w.CompletedAt = now
		return true
	}

	if w.CurrentStage == w.TotalStages {
		w.Status = WorkflowCompleted
		w.FinalDecision = DecisionApprove
		w.CompletedAt = now
		return true
	}

	w.CurrentStage++
	return false
}

// MaxReminders returns the reminder budget for the workflow: the number of
// intervals that fit before the due date, or DefaultMaxReminders when no
// due date is set
func (w *DocumentApprovalWorkflow) MaxReminders(defaultMax int) int {
	if w.DueDate.IsZero() || w.ReminderIntervalHr <= 0 {
		return defaultMax
	}
	window := w.DueDate.Sub(w.SubmittedAt)
	interval := time.Duration(w.ReminderIntervalHr) * time.Hour
	n := int((window + interval - 1) / interval)
	if n < 1 {
		return 1
	}
	return n
}
