package api

import (
	"errors"
	"fmt"
	"time"
)

type (
	// FxRateSource identifies which adapter produced a rate
	FxRateSource string

	// FxRateRecord is one stored currency pair rate
	FxRateRecord struct {
		FromCurrency string       `json:"from_currency"`
		ToCurrency   string       `json:"to_currency"`
		Rate         float64      `json:"rate"`
		Source       FxRateSource `json:"source"`
		Timestamp    time.Time    `json:"timestamp"`
		ValidFrom    time.Time    `json:"valid_from"`
		ValidTo      time.Time    `json:"valid_to,omitempty"`
	}
)

const (
	FxSourcePrimary  FxRateSource = "primary"
	FxSourceFallback FxRateSource = "fallback"
)

var (
	ErrInvalidCurrency    = errors.New("currency code must be three letters")
	ErrInvalidRate        = errors.New("rate must be positive")
	ErrRateTimestampSkew  = errors.New("rate timestamp is in the future")
	ErrInvalidRateSource  = errors.New("invalid rate source")
	ErrNoRatesFromSources = errors.New("no rates returned from any source")
)

// Validate enforces the stored-rate invariants: three-letter currency
// codes, a positive rate, a known source, and a timestamp at or before now
func (r *FxRateRecord) Validate(now time.Time) error {
	if !validCurrency(r.FromCurrency) || !validCurrency(r.ToCurrency) {
		return fmt.Errorf("%w: %s/%s",
			ErrInvalidCurrency, r.FromCurrency, r.ToCurrency)
	}
	if r.Rate <= 0 {
		return fmt.Errorf("%w: %s/%s rate %v",
			ErrInvalidRate, r.FromCurrency, r.ToCurrency, r.Rate)
	}
	if r.Source != FxSourcePrimary && r.Source != FxSourceFallback {
		return fmt.Errorf("%w: %q", ErrInvalidRateSource, r.Source)
	}
	if r.Timestamp.After(now) {
		return fmt.Errorf("%w: %s", ErrRateTimestampSkew, r.Timestamp)
	}
	return nil
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
