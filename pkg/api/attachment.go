package api

import "time"

type (
	// Attachment is a stored document row. The approval workflow state for
	// a document lives under Metadata.ApprovalWorkflow.
	Attachment struct {
		ID         string              `json:"id"`
		TenantID   string              `json:"tenant_id"`
		CompanyID  string              `json:"company_id,omitempty"`
		EntityType string              `json:"entity_type,omitempty"`
		EntityID   string              `json:"entity_id,omitempty"`
		FileName   string              `json:"file_name"`
		FilePath   string              `json:"file_path"`
		FileType   string              `json:"file_type,omitempty"`
		FileSize   int64               `json:"file_size,omitempty"`
		CreatedBy  string              `json:"created_by,omitempty"`
		CreatedAt  time.Time           `json:"created_at,omitempty"`
		Metadata   *AttachmentMetadata `json:"metadata,omitempty"`
	}

	// AttachmentMetadata holds OCR results and embedded workflow state
	AttachmentMetadata struct {
		OcrStatus        string                    `json:"ocrStatus,omitempty"`
		OcrConfidence    float64                   `json:"ocrConfidence,omitempty"`
		ApprovalWorkflow *DocumentApprovalWorkflow `json:"approvalWorkflow,omitempty"`
	}
)

// ActiveWorkflow returns the embedded approval workflow when one exists
// and is still in progress
func (a *Attachment) ActiveWorkflow() (*DocumentApprovalWorkflow, bool) {
	if a.Metadata == nil || a.Metadata.ApprovalWorkflow == nil {
		return nil, false
	}
	w := a.Metadata.ApprovalWorkflow
	return w, w.Status == WorkflowInProgress
}
