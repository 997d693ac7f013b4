package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/quartermile/ledgerflow/pkg/api"
)

// HTTPEmailSender posts messages to a transactional email API that
// accepts a JSON body and returns the message id in the response
type HTTPEmailSender struct {
	client *http.Client
	apiURL string
	apiKey string
	from   string
}

func NewHTTPEmailSender(
	client *http.Client, apiURL, apiKey, from string,
) *HTTPEmailSender {
	return &HTTPEmailSender{
		client: client,
		apiURL: apiURL,
		apiKey: apiKey,
		from:   from,
	}
}

func (s *HTTPEmailSender) Send(
	ctx context.Context, msg *api.EmailSendData,
) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"from":     s.from,
		"to":       msg.To,
		"subject":  msg.Subject,
		"template": msg.Template,
		"data":     json.RawMessage(msg.Data),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.apiURL, bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("email provider request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("email provider returned status %d: %s",
			resp.StatusCode, gjson.GetBytes(body, "message").String())
	}

	return gjson.GetBytes(body, "id").String(), nil
}
