package adapters_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermile/ledgerflow/internal/adapters"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

func TestHTTPRateFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/MYR", r.URL.Path)
			_, _ = w.Write([]byte(
				`{"base":"MYR","rates":{"USD":0.21,"EUR":0.19,"XXX":0}}`,
			))
		}))
	defer srv.Close()

	f := adapters.NewHTTPRateFetcher(
		srv.Client(), srv.URL, api.FxSourcePrimary,
	)
	rates, err := f.Fetch(
		context.Background(), "MYR", []string{"USD", "EUR", "XXX", "JPY"},
	)
	require.NoError(t, err)
	require.Len(t, rates, 2)

	assert.Equal(t, "USD", rates[0].ToCurrency)
	assert.Equal(t, 0.21, rates[0].Rate)
	assert.Equal(t, api.FxSourcePrimary, rates[0].Source)
	assert.NoError(t, rates[0].Validate(rates[0].Timestamp))
}

func TestHTTPRateFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
	defer srv.Close()

	f := adapters.NewHTTPRateFetcher(
		srv.Client(), srv.URL, api.FxSourcePrimary,
	)
	_, err := f.Fetch(context.Background(), "MYR", []string{"USD"})
	assert.ErrorContains(t, err, "status 429")
}

func TestChainRateFetcherFallsBack(t *testing.T) {
	logger := log.New("ledgerflow", "test", "0")

	primary := &adapters.FixedRateFetcher{
		Source: api.FxSourcePrimary,
		Err:    errors.New("connection refused"),
	}
	fallback := &adapters.FixedRateFetcher{
		Source: api.FxSourceFallback,
		Rates:  map[string]float64{"USD": 0.22},
	}

	chain := adapters.NewChainRateFetcher(primary, fallback, logger)
	rates, err := chain.Fetch(context.Background(), "MYR", []string{"USD"})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, api.FxSourceFallback, rates[0].Source)
	assert.Equal(t, 1, primary.Calls)
}

func TestChainRateFetcherBothFail(t *testing.T) {
	logger := log.New("ledgerflow", "test", "0")

	primary := &adapters.FixedRateFetcher{Err: errors.New("timeout")}
	fallback := &adapters.FixedRateFetcher{Err: errors.New("503")}

	chain := adapters.NewChainRateFetcher(primary, fallback, logger)
	_, err := chain.Fetch(context.Background(), "MYR", []string{"USD"})
	assert.ErrorIs(t, err, api.ErrNoRatesFromSources)
}

func TestHTTPEmailSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":"msg-42"}`))
		}))
	defer srv.Close()

	s := adapters.NewHTTPEmailSender(
		srv.Client(), srv.URL, "key-1", "noreply@example.com",
	)
	id, err := s.Send(context.Background(), &api.EmailSendData{
		To:       "cfo@example.com",
		Subject:  "Invoice approved",
		Template: "invoice-approved",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
}

func TestHTTPEmailSenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"rate limit exceeded"}`))
		}))
	defer srv.Close()

	s := adapters.NewHTTPEmailSender(srv.Client(), srv.URL, "", "a@b.c")
	_, err := s.Send(context.Background(), &api.EmailSendData{To: "x@y.z"})
	assert.ErrorContains(t, err, "rate limit exceeded")
}

func TestHTTPPdfRenderer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/html", r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte("%PDF-1.4 rendered"))
		}))
	defer srv.Close()

	r := adapters.NewHTTPPdfRenderer(srv.Client(), srv.URL)
	data, err := r.Render(context.Background(), "<html></html>")
	require.NoError(t, err)
	assert.Contains(t, string(data), "%PDF")
}

func TestHTTPPdfRendererBadDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>error page</html>"))
		}))
	defer srv.Close()

	r := adapters.NewHTTPPdfRenderer(srv.Client(), srv.URL)
	_, err := r.Render(context.Background(), "<html></html>")
	assert.ErrorContains(t, err, "non-PDF")
}

func TestMemoryEmailSenderRecords(t *testing.T) {
	s := &adapters.MemoryEmailSender{}
	_, err := s.Send(context.Background(), &api.EmailSendData{
		To: "ops@example.com",
	})
	require.NoError(t, err)
	require.Len(t, s.Sent(), 1)
	assert.Equal(t, "ops@example.com", s.Sent()[0].To)
}
