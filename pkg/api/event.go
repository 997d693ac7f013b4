package api

import (
	"encoding/json"
	"errors"
	"time"
)

type (
	// Event is an immutable unit of work accepted by the event bus
	Event struct {
		Name           string          `json:"name"`
		ID             EventID         `json:"id"`
		Data           json.RawMessage `json:"data,omitempty"`
		IdempotencyKey string          `json:"idempotencyKey,omitempty"`
		User           *EventUser      `json:"user,omitempty"`
		ScheduledFor   time.Time       `json:"scheduledFor,omitempty"`
		Attempt        int             `json:"attempt"`
	}

	// EventUser identifies the user on whose behalf an event was published
	EventUser struct {
		ID string `json:"id"`
	}
)

// Event names consumed and emitted by the runtime
const (
	EventFunctionFailed   = "inngest/function.failed"
	EventDLQRetry         = "dlq/retry"
	EventFxIngestManual   = "fx/ingest.manual"
	EventFxRatesIngested  = "fx/rates.ingested"
	EventPdfGenerate      = "pdf/generate"
	EventPdfGenerated     = "pdf/generated"
	EventEmailSend        = "email/send"
	EventInvoiceApproved  = "accounting.invoice.approved"
	EventApprovalStart    = "document/approval.start"
	EventApprovalDecision = "document/approval.decision"
	EventApprovalReminder = "document/approval.reminder"
	EventDocumentApproved = "document/approved"
)

var (
	ErrEventNameRequired = errors.New("event name is required")
	ErrEventMalformed    = errors.New("malformed event")
)

type (
	// FunctionFailedData is the payload of inngest/function.failed
	FunctionFailedData struct {
		FunctionID    FunctionID      `json:"function_id"`
		RunID         RunID           `json:"run_id"`
		Error         FailureDetail   `json:"error"`
		OriginalEvent json.RawMessage `json:"original_event"`
		AttemptCount  int             `json:"attempt_count"`
	}

	// FailureDetail carries the message and stack of a terminal failure
	FailureDetail struct {
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
	}

	// DLQRetryData is the payload of dlq/retry
	DLQRetryData struct {
		DLQID         string          `json:"dlqId"`
		OriginalEvent json.RawMessage `json:"originalEvent"`
		RetryDelayMs  int64           `json:"retryDelay"`
		ErrorType     Subclass        `json:"errorType"`
	}

	// FxRatesIngestedData is the payload of fx/rates.ingested
	FxRatesIngestedData struct {
		RatesCount int       `json:"ratesCount"`
		Source     string    `json:"source"`
		Timestamp  time.Time `json:"timestamp"`
	}

	// PdfGeneratedData is the payload of pdf/generated
	PdfGeneratedData struct {
		TemplateType string `json:"templateType"`
		FilePath     string `json:"filePath"`
		FileName     string `json:"fileName"`
		PublicURL    string `json:"publicUrl"`
		TenantID     string `json:"tenantId"`
		CompanyID    string `json:"companyId"`
		EntityID     string `json:"entityId,omitempty"`
		EntityType   string `json:"entityType,omitempty"`
		SizeKB       int64  `json:"sizeKB"`
	}

	// EmailSendData is the payload of email/send
	EmailSendData struct {
		To       string          `json:"to"`
		Subject  string          `json:"subject"`
		Template string          `json:"template"`
		Data     json.RawMessage `json:"data,omitempty"`
		TenantID string          `json:"tenantId,omitempty"`
		Priority string          `json:"priority,omitempty"`
	}

	// DocumentApprovedData is the payload of document/approved
	DocumentApprovedData struct {
		AttachmentID string    `json:"attachmentId"`
		TenantID     string    `json:"tenantId"`
		ApprovedBy   string    `json:"approvedBy"`
		ApprovedAt   time.Time `json:"approvedAt"`
	}

	// FxIngestManualData is the payload of fx/ingest.manual
	FxIngestManualData struct {
		BaseCurrency     string   `json:"baseCurrency,omitempty"`
		TargetCurrencies []string `json:"targetCurrencies,omitempty"`
		ForceUpdate      bool     `json:"forceUpdate,omitempty"`
	}

	// PdfGenerateData is the payload of pdf/generate
	PdfGenerateData struct {
		TemplateType string          `json:"templateType"`
		Data         json.RawMessage `json:"data,omitempty"`
		TenantID     string          `json:"tenantId"`
		CompanyID    string          `json:"companyId"`
		EntityID     string          `json:"entityId,omitempty"`
		EntityType   string          `json:"entityType,omitempty"`
	}

	// InvoiceApprovedData is the payload of accounting.invoice.approved
	InvoiceApprovedData struct {
		InvoiceID     string          `json:"invoiceId"`
		InvoiceNumber string          `json:"invoiceNumber,omitempty"`
		TenantID      string          `json:"tenantId"`
		CompanyID     string          `json:"companyId,omitempty"`
		CustomerEmail string          `json:"customerEmail,omitempty"`
		Amount        float64         `json:"amount,omitempty"`
		Currency      string          `json:"currency,omitempty"`
		Data          json.RawMessage `json:"data,omitempty"`
	}

	// ApprovalStartData is the payload of document/approval.start
	ApprovalStartData struct {
		AttachmentID         string      `json:"attachmentId"`
		TenantID             string      `json:"tenantId"`
		WorkflowType         WorkflowType `json:"workflowType,omitempty"`
		Approvers            []*Approver `json:"approvers"`
		RequireAll           bool        `json:"requireAllApprovers,omitempty"`
		AllowSelfApproval    bool        `json:"allowSelfApproval,omitempty"`
		Priority             Priority    `json:"priority,omitempty"`
		DueDate              time.Time   `json:"dueDate,omitempty"`
		TotalStages          int         `json:"totalStages,omitempty"`
		SubmittedBy          string      `json:"submittedBy"`
		ReminderIntervalHr   int         `json:"reminderIntervalHours,omitempty"`
		AutoApproveThreshold float64     `json:"autoApproveThreshold,omitempty"`
	}

	// ApprovalDecisionData is the payload of document/approval.decision
	ApprovalDecisionData struct {
		AttachmentID     string   `json:"attachmentId"`
		TenantID         string   `json:"tenantId"`
		UserID           string   `json:"userId"`
		Decision         Decision `json:"decision,omitempty"`
		Comments         string   `json:"comments,omitempty"`
		Conditions       string   `json:"conditions,omitempty"`
		DelegateTo       string   `json:"delegateTo,omitempty"`
		DelegationReason string   `json:"delegationReason,omitempty"`
	}

	// ApprovalReminderData is the payload of document/approval.reminder
	ApprovalReminderData struct {
		AttachmentID string `json:"attachmentId"`
		TenantID     string `json:"tenantId"`
	}
)

// NewEvent builds an event with a fresh identifier and the given payload.
// The payload must marshal to JSON.
func NewEvent(name string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Name: name, ID: NewEventID(), Data: raw}, nil
}

// Validate checks the structural requirements the bus enforces on accept
func (e *Event) Validate() error {
	if e.Name == "" {
		return ErrEventNameRequired
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return ErrEventMalformed
	}
	return nil
}

// VisibleAt reports when the event becomes eligible for dispatch
func (e *Event) VisibleAt() time.Time {
	return e.ScheduledFor
}
