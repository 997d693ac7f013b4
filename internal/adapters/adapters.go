// Package adapters holds the outbound ports of the worker and their HTTP
// implementations: currency rate providers, the transactional email
// service, and the HTML-to-PDF renderer.
package adapters

import (
	"context"

	"github.com/quartermile/ledgerflow/pkg/api"
)

type (
	// FxRateFetcher retrieves current exchange rates for a base currency
	FxRateFetcher interface {
		// Fetch returns one rate record per requested target currency
		Fetch(
			ctx context.Context, base string, targets []string,
		) ([]*api.FxRateRecord, error)
	}

	// EmailSender delivers a templated transactional email
	EmailSender interface {
		// Send returns the provider's message identifier
		Send(ctx context.Context, msg *api.EmailSendData) (string, error)
	}

	// PdfRenderer converts rendered HTML into PDF bytes
	PdfRenderer interface {
		Render(ctx context.Context, html string) ([]byte, error)
	}
)
