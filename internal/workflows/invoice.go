package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/pkg/api"
)

// InvoiceApproved renders and stores the PDF for an approved invoice
// and mails the customer a link when an address is known. The blob key
// is derived from the invoice alone, so a redelivered event finds the
// object already present and nothing is rewritten.
func InvoiceApproved(d *Deps) *engine.Function {
	return &engine.Function{
		ID:        "invoice-approved",
		Name:      "Invoice Approved",
		EventName: api.EventInvoiceApproved,
		Handler: func(sc *engine.Context) (any, error) {
			var inv api.InvoiceApprovedData
			if err := sc.Bind(&inv); err != nil {
				return nil, err
			}
			if inv.InvoiceID == "" || inv.TenantID == "" {
				return nil, api.Fatal(api.SubclassValidation,
					"invoice event needs invoiceId and tenantId")
			}

			html, err := engine.Run(sc, "build-html",
				func(context.Context) (string, error) {
					return RenderTemplate(TemplateInvoice, invoiceFields(&inv))
				})
			if err != nil {
				return nil, err
			}

			pdf, err := renderPdf(sc, d, "render-pdf", html)
			if err != nil {
				return nil, err
			}

			path := fmt.Sprintf("%s/invoices/%s.pdf",
				inv.TenantID, inv.InvoiceID)
			if _, err := sc.RunStep("store-pdf",
				func(ctx context.Context) (any, error) {
					return path, d.Blobs.Put(
						ctx, path, pdf, "application/pdf",
					)
				}); err != nil {
				return nil, err
			}

			if inv.CustomerEmail != "" {
				if err := emailInvoiceLink(sc, d, &inv, path); err != nil {
					return nil, err
				}
			}

			return map[string]any{
				"filePath":  path,
				"publicUrl": d.Blobs.URL(path),
			}, nil
		},
	}
}

func emailInvoiceLink(
	sc *engine.Context, d *Deps, inv *api.InvoiceApprovedData, path string,
) error {
	data, err := json.Marshal(map[string]any{
		"invoiceNumber": inv.InvoiceNumber,
		"amount":        inv.Amount,
		"currency":      inv.Currency,
		"downloadUrl":   d.Blobs.URL(path),
	})
	if err != nil {
		return err
	}

	ev, err := api.NewEvent(api.EventEmailSend, &api.EmailSendData{
		To:       inv.CustomerEmail,
		Subject:  fmt.Sprintf("Invoice %s approved", inv.InvoiceNumber),
		Template: "invoice-approved",
		Data:     data,
		TenantID: inv.TenantID,
	})
	if err != nil {
		return err
	}

	_, err = sc.Send("email-customer", ev)
	return err
}

// invoiceFields shapes the event payload for the invoice template,
// preferring the raw document data when the event carries one
func invoiceFields(inv *api.InvoiceApprovedData) json.RawMessage {
	if len(inv.Data) > 0 {
		return inv.Data
	}
	raw, _ := json.Marshal(map[string]any{
		"invoiceNumber": inv.InvoiceNumber,
		"total":         inv.Amount,
		"currency":      inv.Currency,
	})
	return raw
}
