package workflows

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

// storedPdf is the memoized outcome of the blob write
type storedPdf struct {
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	SizeKB   int64  `json:"sizeKB"`
}

// PdfGeneration renders a document template to PDF, stores it, links it
// to its entity, and announces completion
func PdfGeneration(d *Deps) *engine.Function {
	return &engine.Function{
		ID:          "pdf-generation",
		Name:        "PDF Generation",
		EventName:   api.EventPdfGenerate,
		Concurrency: 5,
		Handler: func(sc *engine.Context) (any, error) {
			var req api.PdfGenerateData
			if err := sc.Bind(&req); err != nil {
				return nil, err
			}
			if req.TemplateType == "" || req.TenantID == "" {
				return nil, api.Fatal(api.SubclassValidation,
					"pdf/generate needs templateType and tenantId")
			}

			html, err := engine.Run(sc, "prepare-template",
				func(context.Context) (string, error) {
					return RenderTemplate(req.TemplateType, req.Data)
				})
			if err != nil {
				return nil, err
			}

			pdf, err := renderPdf(sc, d, "generate-pdf", html)
			if err != nil {
				return nil, err
			}

			stored, err := engine.Run(sc, "store-pdf",
				func(ctx context.Context) (*storedPdf, error) {
					name := fmt.Sprintf("%s-%s-%d.pdf",
						req.TemplateType, req.EntityID,
						sc.Now().UnixMilli())
					path := fmt.Sprintf("%s/%s/pdfs/%s",
						req.TenantID, req.CompanyID, name)

					if err := d.Blobs.Put(
						ctx, path, pdf, "application/pdf",
					); err != nil {
						return nil, err
					}
					return &storedPdf{
						FilePath: path,
						FileName: name,
						SizeKB:   sizeKB(len(pdf)),
					}, nil
				})
			if err != nil {
				return nil, err
			}

			// entity linkage is best effort; a row insert failure is
			// logged and does not fail the run
			if req.EntityID != "" && req.EntityType != "" {
				if _, err := sc.RunStep("update-entity-reference",
					func(ctx context.Context) (any, error) {
						return linkAttachment(ctx, sc.Logger(), d,
							&req, stored), nil
					}); err != nil {
					return nil, err
				}
			}

			generated, err := api.NewEvent(api.EventPdfGenerated,
				&api.PdfGeneratedData{
					TemplateType: req.TemplateType,
					FilePath:     stored.FilePath,
					FileName:     stored.FileName,
					PublicURL:    d.Blobs.URL(stored.FilePath),
					TenantID:     req.TenantID,
					CompanyID:    req.CompanyID,
					EntityID:     req.EntityID,
					EntityType:   req.EntityType,
					SizeKB:       stored.SizeKB,
				})
			if err != nil {
				return nil, err
			}
			if _, err := sc.Send("notify-completion", generated); err != nil {
				return nil, err
			}
			return stored, nil
		},
	}
}

// renderPdf runs the renderer under the configured hard timeout.
// Exceeding the cap is a transient failure, retried with backoff.
func renderPdf(
	sc *engine.Context, d *Deps, step api.StepName, html string,
) ([]byte, error) {
	raw, err := sc.RunStepTimeout(step, d.Cfg.PdfStepTimeout,
		func(ctx context.Context) (any, error) {
			return d.Pdf.Render(ctx, html)
		})
	if err != nil {
		return nil, err
	}

	var pdf []byte
	if err := decodeStepResult(raw, &pdf); err != nil {
		return nil, err
	}
	return pdf, nil
}

func linkAttachment(
	ctx context.Context, logger *slog.Logger, d *Deps,
	req *api.PdfGenerateData, stored *storedPdf,
) map[string]any {
	att := &api.Attachment{
		ID:         stored.FileName,
		TenantID:   req.TenantID,
		CompanyID:  req.CompanyID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		FileName:   stored.FileName,
		FilePath:   stored.FilePath,
		FileType:   "application/pdf",
		FileSize:   stored.SizeKB * 1024,
	}
	if err := d.Store.PutAttachment(ctx, att); err != nil {
		logger.Warn("attachment row insert failed",
			slog.String("attachment_id", att.ID),
			log.Error(err),
		)
		return map[string]any{"linked": false}
	}
	return map[string]any{"linked": true}
}

// sizeKB rounds a byte count to whole kilobytes, never reporting zero
// for a non-empty document
func sizeKB(n int) int64 {
	kb := (int64(n) + 512) / 1024
	if kb == 0 && n > 0 {
		return 1
	}
	return kb
}
