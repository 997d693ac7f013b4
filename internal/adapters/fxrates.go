package adapters

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type (
	// HTTPRateFetcher pulls rates from a JSON rate provider. Both supported
	// providers respond with a "rates" object keyed by currency code.
	HTTPRateFetcher struct {
		client  *http.Client
		baseURL string
		source  api.FxRateSource
		now     func() time.Time
	}

	// ChainRateFetcher tries the primary provider first and falls back on
	// any error. Rates are tagged with the source that produced them.
	ChainRateFetcher struct {
		primary  FxRateFetcher
		fallback FxRateFetcher
		logger   *slog.Logger
	}
)

// NewHTTPRateFetcher creates a fetcher for one provider endpoint. The
// base currency is appended to the URL path, per both providers' APIs.
func NewHTTPRateFetcher(
	client *http.Client, baseURL string, source api.FxRateSource,
) *HTTPRateFetcher {
	return &HTTPRateFetcher{
		client:  client,
		baseURL: baseURL,
		source:  source,
		now:     time.Now,
	}
}

func (f *HTTPRateFetcher) Fetch(
	ctx context.Context, base string, targets []string,
) ([]*api.FxRateRecord, error) {
	url := f.baseURL + "/" + base
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rate provider request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"rate provider returned status %d", resp.StatusCode,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	rates := gjson.GetBytes(body, "rates")
	if !rates.Exists() {
		return nil, fmt.Errorf("rate provider response has no rates object")
	}

	now := f.now()
	var res []*api.FxRateRecord
	for _, target := range targets {
		rate := rates.Get(target)
		if !rate.Exists() || rate.Float() <= 0 {
			continue
		}
		res = append(res, &api.FxRateRecord{
			FromCurrency: base,
			ToCurrency:   target,
			Rate:         rate.Float(),
			Source:       f.source,
			Timestamp:    now,
			ValidFrom:    now,
		})
	}

	if len(res) == 0 {
		return nil, fmt.Errorf(
			"rate provider returned no rates for %s", base,
		)
	}
	return res, nil
}

// NewChainRateFetcher composes a primary and fallback fetcher
func NewChainRateFetcher(
	primary, fallback FxRateFetcher, logger *slog.Logger,
) *ChainRateFetcher {
	return &ChainRateFetcher{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *ChainRateFetcher) Fetch(
	ctx context.Context, base string, targets []string,
) ([]*api.FxRateRecord, error) {
	rates, primaryErr := f.primary.Fetch(ctx, base, targets)
	if primaryErr == nil {
		return rates, nil
	}
	f.logger.Warn("primary rate source failed, trying fallback",
		log.Error(primaryErr),
	)

	rates, fallbackErr := f.fallback.Fetch(ctx, base, targets)
	if fallbackErr == nil {
		return rates, nil
	}

	return nil, fmt.Errorf("%w: primary: %v; fallback: %v",
		api.ErrNoRatesFromSources, primaryErr, fallbackErr)
}
