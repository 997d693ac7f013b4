// Package workflows contains the workflow functions shipped with the
// worker: FX rate ingestion and staleness alerting, PDF generation,
// transactional email, invoice side effects, document approval, and
// the dead-letter handlers.
package workflows

import (
	"encoding/json"

	"github.com/quartermile/ledgerflow/internal/adapters"
	"github.com/quartermile/ledgerflow/internal/blobstore"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/pkg/api"
)

// Deps are the collaborators the workflow handlers close over
type Deps struct {
	Store store.Store
	Blobs *blobstore.Store
	Rates adapters.FxRateFetcher
	Email adapters.EmailSender
	Pdf   adapters.PdfRenderer
	Cfg   *config.Config
}

// RegisterAll wires every shipped workflow into the registry
func RegisterAll(reg *engine.Registry, d *Deps) {
	reg.MustRegister(
		FxRateIngest(d),
		FxRateIngestManual(d),
		FxRateStalenessAlert(d),
		PdfGeneration(d),
		EmailWorkflow(d),
		InvoiceApproved(d),
		DocumentApprovalStart(d),
		DocumentApprovalDecision(d),
		DocumentApprovalReminder(d),
		DLQHandler(d),
		DLQRetry(d),
	)
}

// decodeStepResult unmarshals a raw memoized step result
func decodeStepResult(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return api.Fatal(api.SubclassValidation,
			"step result does not decode: %v", err)
	}
	return nil
}
