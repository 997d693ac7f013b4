package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
)

// DefaultReminderIntervalHr paces approval reminders when a request
// does not set its own interval
const DefaultReminderIntervalHr = 24

type (
	// startOutcome is the memoized result of workflow creation
	startOutcome struct {
		WorkflowID   string          `json:"workflowId"`
		AutoApproved bool            `json:"autoApproved"`
		Notify       []*api.Approver `json:"notify,omitempty"`
		IntervalHr   int             `json:"intervalHr"`
	}

	// decisionOutcome is the memoized result of applying one decision
	decisionOutcome struct {
		Delegated     bool            `json:"delegated"`
		DelegateTo    *api.Approver   `json:"delegateTo,omitempty"`
		Terminal      bool            `json:"terminal"`
		Approved      bool            `json:"approved"`
		StageAdvanced bool            `json:"stageAdvanced"`
		CurrentStage  int             `json:"currentStage"`
		NotifyNext    []*api.Approver `json:"notifyNext,omitempty"`
	}

	// reminderProbe is the memoized state snapshot of a reminder pass
	reminderProbe struct {
		Active        bool            `json:"active"`
		Pending       []*api.Approver `json:"pending,omitempty"`
		RemindersSent int             `json:"remindersSent"`
		MaxReminders  int             `json:"maxReminders"`
		IntervalHr    int             `json:"intervalHr"`
	}
)

// DocumentApprovalStart creates the approval workflow on an attachment,
// auto-approving high-confidence OCR documents, and otherwise notifies
// the first stage and schedules the reminder loop
func DocumentApprovalStart(d *Deps) *engine.Function {
	return &engine.Function{
		ID:        "document-approval-start",
		Name:      "Document Approval Start",
		EventName: api.EventApprovalStart,
		Handler: func(sc *engine.Context) (any, error) {
			var req api.ApprovalStartData
			if err := sc.Bind(&req); err != nil {
				return nil, err
			}
			if req.AttachmentID == "" || req.SubmittedBy == "" {
				return nil, api.Fatal(api.SubclassValidation,
					"approval start needs attachmentId and submittedBy")
			}

			outcome, err := engine.Run(sc, "create-workflow",
				func(ctx context.Context) (*startOutcome, error) {
					return createWorkflow(ctx, d, &req, sc.Now())
				})
			if err != nil {
				return nil, err
			}

			if outcome.AutoApproved {
				if err := announceApproval(sc, "announce-approval",
					req.AttachmentID, req.TenantID,
					"system:auto-approval", sc.Now(),
				); err != nil {
					return nil, err
				}
				return outcome, nil
			}

			if err := notifyApprovers(sc, d, "notify", outcome.Notify,
				"approval-requested", req.AttachmentID, req.TenantID,
			); err != nil {
				return nil, err
			}

			if err := scheduleReminder(sc, "schedule-reminder",
				req.AttachmentID, req.TenantID,
				time.Duration(outcome.IntervalHr)*time.Hour,
			); err != nil {
				return nil, err
			}
			return outcome, nil
		},
	}
}

// DocumentApprovalDecision applies one approver's verdict, advancing
// or ending the workflow according to the stage completion rules
func DocumentApprovalDecision(d *Deps) *engine.Function {
	return &engine.Function{
		ID:        "document-approval-decision",
		Name:      "Document Approval Decision",
		EventName: api.EventApprovalDecision,
		Handler: func(sc *engine.Context) (any, error) {
			var req api.ApprovalDecisionData
			if err := sc.Bind(&req); err != nil {
				return nil, err
			}
			if req.AttachmentID == "" || req.UserID == "" {
				return nil, api.Fatal(api.SubclassValidation,
					"approval decision needs attachmentId and userId")
			}

			outcome, err := engine.Run(sc, "apply-decision",
				func(ctx context.Context) (*decisionOutcome, error) {
					return applyDecision(ctx, d, &req, sc.Now())
				})
			if err != nil {
				return nil, err
			}

			switch {
			case outcome.Delegated:
				if err := notifyApprovers(sc, d, "notify-delegate",
					[]*api.Approver{outcome.DelegateTo},
					"approval-delegated", req.AttachmentID, req.TenantID,
				); err != nil {
					return nil, err
				}

			case outcome.Terminal && outcome.Approved:
				if err := announceApproval(sc, "announce-approval",
					req.AttachmentID, req.TenantID, req.UserID, sc.Now(),
				); err != nil {
					return nil, err
				}

			case outcome.StageAdvanced:
				if err := notifyApprovers(sc, d, "notify-next-stage",
					outcome.NotifyNext, "approval-requested",
					req.AttachmentID, req.TenantID,
				); err != nil {
					return nil, err
				}
			}
			return outcome, nil
		},
	}
}

// DocumentApprovalReminder nudges pending approvers while the workflow
// is active and re-schedules itself until the reminder budget is spent
func DocumentApprovalReminder(d *Deps) *engine.Function {
	return &engine.Function{
		ID:        "document-approval-reminder",
		Name:      "Document Approval Reminder",
		EventName: api.EventApprovalReminder,
		Handler: func(sc *engine.Context) (any, error) {
			var req api.ApprovalReminderData
			if err := sc.Bind(&req); err != nil {
				return nil, err
			}

			probe, err := engine.Run(sc, "check-workflow",
				func(ctx context.Context) (*reminderProbe, error) {
					return probeReminder(ctx, d, req.AttachmentID)
				})
			if err != nil {
				return nil, err
			}
			if !probe.Active {
				return map[string]any{"reminded": false}, nil
			}

			if err := notifyApprovers(sc, d, "remind", probe.Pending,
				"approval-reminder", req.AttachmentID, req.TenantID,
			); err != nil {
				return nil, err
			}

			if _, err := sc.RunStep("count-reminder",
				func(ctx context.Context) (any, error) {
					return nil, d.Store.UpdateAttachment(
						ctx, req.AttachmentID,
						func(att *api.Attachment) error {
							if wf, active := att.ActiveWorkflow(); active {
								wf.RemindersSent++
							}
							return nil
						})
				}); err != nil {
				return nil, err
			}

			if probe.RemindersSent+1 >= probe.MaxReminders {
				return map[string]any{
					"reminded":  true,
					"exhausted": true,
				}, nil
			}

			if err := scheduleReminder(sc, "schedule-next",
				req.AttachmentID, req.TenantID,
				time.Duration(probe.IntervalHr)*time.Hour,
			); err != nil {
				return nil, err
			}
			return map[string]any{"reminded": true}, nil
		},
	}
}

func createWorkflow(
	ctx context.Context, d *Deps, req *api.ApprovalStartData, now time.Time,
) (*startOutcome, error) {
	att, err := d.Store.GetAttachment(ctx, req.AttachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, api.Fatal(api.SubclassValidation,
			"attachment %s does not exist", req.AttachmentID)
	}
	if err != nil {
		return nil, err
	}
	if _, active := att.ActiveWorkflow(); active {
		return nil, api.Fatal(api.SubclassValidation,
			"attachment %s already has an active approval workflow",
			req.AttachmentID)
	}

	if req.AutoApproveThreshold > 0 && att.Metadata != nil &&
		att.Metadata.OcrStatus == "completed" &&
		att.Metadata.OcrConfidence >= req.AutoApproveThreshold {
		wf := &api.DocumentApprovalWorkflow{
			ID:            uuid.NewString(),
			AttachmentID:  req.AttachmentID,
			TenantID:      req.TenantID,
			WorkflowType:  api.WorkflowSingleApprover,
			Status:        api.WorkflowCompleted,
			CurrentStage:  1,
			TotalStages:   1,
			SubmittedAt:   now,
			SubmittedBy:   req.SubmittedBy,
			CompletedAt:   now,
			FinalDecision: api.DecisionApprove,
		}
		if err := storeWorkflow(ctx, d, req.AttachmentID, wf); err != nil {
			return nil, err
		}
		return &startOutcome{
			WorkflowID:   wf.ID,
			AutoApproved: true,
		}, nil
	}

	if len(req.Approvers) == 0 {
		return nil, api.Fatal(api.SubclassValidation,
			"approval start needs at least one approver")
	}

	totalStages := req.TotalStages
	for _, a := range req.Approvers {
		if a.Stage > totalStages {
			totalStages = a.Stage
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.Status = api.ApproverPending
	}

	workflowType := req.WorkflowType
	if workflowType == "" {
		workflowType = api.WorkflowMultiStage
	}
	intervalHr := req.ReminderIntervalHr
	if intervalHr <= 0 {
		intervalHr = DefaultReminderIntervalHr
	}
	priority := req.Priority
	if priority == "" {
		priority = api.PriorityNormal
	}

	wf := &api.DocumentApprovalWorkflow{
		ID:                 uuid.NewString(),
		AttachmentID:       req.AttachmentID,
		TenantID:           req.TenantID,
		WorkflowType:       workflowType,
		Status:             api.WorkflowInProgress,
		Approvers:          req.Approvers,
		RequireAll:         req.RequireAll,
		AllowSelfApproval:  req.AllowSelfApproval,
		Priority:           priority,
		DueDate:            req.DueDate,
		CurrentStage:       1,
		TotalStages:        totalStages,
		SubmittedAt:        now,
		SubmittedBy:        req.SubmittedBy,
		ReminderIntervalHr: intervalHr,
	}
	if err := wf.Validate(); err != nil {
		return nil, api.Fatal(api.SubclassValidation,
			"approval workflow invalid: %v", err)
	}
	if err := storeWorkflow(ctx, d, req.AttachmentID, wf); err != nil {
		return nil, err
	}

	return &startOutcome{
		WorkflowID: wf.ID,
		Notify:     wf.StageApprovers(1),
		IntervalHr: intervalHr,
	}, nil
}

func applyDecision(
	ctx context.Context, d *Deps, req *api.ApprovalDecisionData,
	now time.Time,
) (*decisionOutcome, error) {
	outcome := &decisionOutcome{}

	err := d.Store.UpdateAttachment(ctx, req.AttachmentID,
		func(att *api.Attachment) error {
			wf, active := att.ActiveWorkflow()
			if !active {
				return api.Fatal(api.SubclassValidation,
					"attachment %s has no active approval workflow",
					req.AttachmentID)
			}

			approver := wf.PendingApprover(req.UserID)
			if approver == nil {
				return api.Fatal(api.SubclassValidation,
					"user %s is not a pending approver in stage %d",
					req.UserID, wf.CurrentStage)
			}

			if req.DelegateTo != "" {
				replacement, err := wf.Delegate(
					approver, req.DelegateTo, req.DelegationReason, now,
				)
				if err != nil {
					return api.Fatal(api.SubclassValidation,
						"delegation rejected: %v", err)
				}
				outcome.Delegated = true
				outcome.DelegateTo = replacement
				outcome.CurrentStage = wf.CurrentStage
				return nil
			}

			if req.UserID == wf.SubmittedBy && !wf.AllowSelfApproval {
				return api.Fatal(api.SubclassValidation,
					"self-approval is not permitted on this workflow")
			}

			if err := wf.RecordDecision(
				approver, req.Decision, req.Comments, req.Conditions, now,
			); err != nil {
				return api.Fatal(api.SubclassValidation,
					"decision rejected: %v", err)
			}

			stage := wf.EvaluateStage()
			before := wf.CurrentStage
			outcome.Terminal = wf.Advance(stage, now)
			outcome.Approved = stage.Complete && stage.Approved
			outcome.CurrentStage = wf.CurrentStage
			if !outcome.Terminal && wf.CurrentStage > before {
				outcome.StageAdvanced = true
				outcome.NotifyNext = wf.StageApprovers(wf.CurrentStage)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func probeReminder(
	ctx context.Context, d *Deps, attachmentID string,
) (*reminderProbe, error) {
	att, err := d.Store.GetAttachment(ctx, attachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return &reminderProbe{}, nil
	}
	if err != nil {
		return nil, err
	}

	wf, active := att.ActiveWorkflow()
	if !active {
		return &reminderProbe{}, nil
	}

	var pending []*api.Approver
	for _, a := range wf.StageApprovers(wf.CurrentStage) {
		if a.Status == api.ApproverPending {
			pending = append(pending, a)
		}
	}

	return &reminderProbe{
		Active:        true,
		Pending:       pending,
		RemindersSent: wf.RemindersSent,
		MaxReminders:  wf.MaxReminders(d.Cfg.MaxReminders),
		IntervalHr:    wf.ReminderIntervalHr,
	}, nil
}

func storeWorkflow(
	ctx context.Context, d *Deps, attachmentID string,
	wf *api.DocumentApprovalWorkflow,
) error {
	return d.Store.UpdateAttachment(ctx, attachmentID,
		func(att *api.Attachment) error {
			if att.Metadata == nil {
				att.Metadata = &api.AttachmentMetadata{}
			}
			att.Metadata.ApprovalWorkflow = wf
			return nil
		})
}

// notifyApprovers sends one email event per approver. Step names embed
// the approver's user id so the set stays stable across replays.
func notifyApprovers(
	sc *engine.Context, d *Deps, prefix string, approvers []*api.Approver,
	template, attachmentID, tenantID string,
) error {
	for _, a := range approvers {
		if a == nil || a.Email == "" {
			continue
		}
		data, err := json.Marshal(map[string]any{
			"attachmentId": attachmentID,
			"stage":        a.Stage,
		})
		if err != nil {
			return err
		}

		ev, err := api.NewEvent(api.EventEmailSend, &api.EmailSendData{
			To:       a.Email,
			Subject:  "Document approval required",
			Template: template,
			Data:     data,
			TenantID: tenantID,
		})
		if err != nil {
			return err
		}

		step := api.StepName(fmt.Sprintf("%s-%s", prefix, a.UserID))
		if _, err := sc.Send(step, ev); err != nil {
			return err
		}
	}
	return nil
}

func announceApproval(
	sc *engine.Context, step api.StepName,
	attachmentID, tenantID, approvedBy string, at time.Time,
) error {
	ev, err := api.NewEvent(api.EventDocumentApproved,
		&api.DocumentApprovedData{
			AttachmentID: attachmentID,
			TenantID:     tenantID,
			ApprovedBy:   approvedBy,
			ApprovedAt:   at,
		})
	if err != nil {
		return err
	}
	_, err = sc.Send(step, ev)
	return err
}

func scheduleReminder(
	sc *engine.Context, step api.StepName,
	attachmentID, tenantID string, interval time.Duration,
) error {
	ev, err := api.NewEvent(api.EventApprovalReminder,
		&api.ApprovalReminderData{
			AttachmentID: attachmentID,
			TenantID:     tenantID,
		})
	if err != nil {
		return err
	}
	ev.ScheduledFor = sc.Now().Add(interval)

	_, err = sc.Send(step, ev)
	return err
}
