package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quartermile/ledgerflow/pkg/api"
)

type (
	// FixedRateFetcher serves a static rate table, used by tests and the
	// local development profile
	FixedRateFetcher struct {
		Source api.FxRateSource
		Rates  map[string]float64
		Err    error
		Calls  int
	}

	// MemoryEmailSender records sent messages instead of delivering them
	MemoryEmailSender struct {
		mu   sync.Mutex
		sent []*api.EmailSendData
		Err  error
	}

	// StaticPdfRenderer emits a minimal PDF regardless of input
	StaticPdfRenderer struct {
		Err   error
		Delay time.Duration
	}
)

func (f *FixedRateFetcher) Fetch(
	_ context.Context, base string, targets []string,
) ([]*api.FxRateRecord, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}

	now := time.Now()
	var res []*api.FxRateRecord
	for _, target := range targets {
		rate, ok := f.Rates[target]
		if !ok {
			continue
		}
		res = append(res, &api.FxRateRecord{
			FromCurrency: base,
			ToCurrency:   target,
			Rate:         rate,
			Source:       f.Source,
			Timestamp:    now,
			ValidFrom:    now,
		})
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no fixed rates for %s", base)
	}
	return res, nil
}

func (s *MemoryEmailSender) Send(
	_ context.Context, msg *api.EmailSendData,
) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.sent = append(s.sent, &cp)
	return uuid.NewString(), nil
}

// Sent returns a snapshot of every recorded message
func (s *MemoryEmailSender) Sent() []*api.EmailSendData {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*api.EmailSendData, len(s.sent))
	copy(res, s.sent)
	return res
}

func (r *StaticPdfRenderer) Render(
	ctx context.Context, html string,
) ([]byte, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return fmt.Appendf(nil, "%%PDF-1.4 len=%d", len(html)), nil
}

var (
	_ FxRateFetcher = (*FixedRateFetcher)(nil)
	_ EmailSender   = (*MemoryEmailSender)(nil)
	_ PdfRenderer   = (*StaticPdfRenderer)(nil)
	_ FxRateFetcher = (*HTTPRateFetcher)(nil)
	_ FxRateFetcher = (*ChainRateFetcher)(nil)
	_ EmailSender   = (*HTTPEmailSender)(nil)
	_ PdfRenderer   = (*HTTPPdfRenderer)(nil)
)
