package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPPdfRenderer converts HTML through an external rendering service
// that accepts the document body and responds with PDF bytes
type HTTPPdfRenderer struct {
	client    *http.Client
	renderURL string
}

func NewHTTPPdfRenderer(client *http.Client, renderURL string) *HTTPPdfRenderer {
	return &HTTPPdfRenderer{client: client, renderURL: renderURL}
}

func (r *HTTPPdfRenderer) Render(
	ctx context.Context, html string,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, r.renderURL, bytes.NewReader([]byte(html)),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/html")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pdf renderer request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pdf renderer returned status %d",
			resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(data), "%PDF") {
		return nil, fmt.Errorf("pdf renderer returned a non-PDF document")
	}
	return data, nil
}
