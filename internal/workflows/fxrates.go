package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/pkg/api"
)

// DefaultBaseCurrency anchors every stored rate pair
const DefaultBaseCurrency = "MYR"

// DefaultTargetCurrencies is the pair set ingested when a request does
// not name its own
var DefaultTargetCurrencies = []string{"USD", "EUR", "GBP", "SGD", "JPY"}

type (
	// stalenessReport is the memoized outcome of a staleness probe
	stalenessReport struct {
		AgeMinutes int  `json:"ageMinutes"`
		HasRates   bool `json:"hasRates"`
	}

	// ingestReport summarizes a completed ingest pipeline
	ingestReport struct {
		Skipped    bool             `json:"skipped,omitempty"`
		RatesCount int              `json:"ratesCount"`
		Source     api.FxRateSource `json:"source,omitempty"`
	}
)

// FxRateIngest refreshes stored rates every four hours, skipping the
// fetch when the freshest stored rate is still inside the warning
// threshold
func FxRateIngest(d *Deps) *engine.Function {
	return &engine.Function{
		ID:   "fx-rate-ingestion",
		Name: "FX Rate Ingestion",
		Cron: &engine.CronTrigger{Spec: "0 */4 * * *"},
		Handler: func(sc *engine.Context) (any, error) {
			report, err := checkStaleness(sc, d)
			if err != nil {
				return nil, err
			}
			if report.HasRates &&
				report.AgeMinutes <= d.Cfg.FxStalenessWarning {
				return &ingestReport{Skipped: true}, nil
			}
			return ingestPipeline(
				sc, d, DefaultBaseCurrency, DefaultTargetCurrencies,
			)
		},
	}
}

// FxRateIngestManual runs the same pipeline on demand, honoring the
// requested pair set and a force flag that bypasses the staleness skip
func FxRateIngestManual(d *Deps) *engine.Function {
	return &engine.Function{
		ID:        "fx-rate-ingestion-manual",
		Name:      "FX Rate Ingestion (manual)",
		EventName: api.EventFxIngestManual,
		Handler: func(sc *engine.Context) (any, error) {
			var req api.FxIngestManualData
			if err := sc.Bind(&req); err != nil {
				return nil, err
			}

			base := req.BaseCurrency
			if base == "" {
				base = DefaultBaseCurrency
			}
			targets := req.TargetCurrencies
			if len(targets) == 0 {
				targets = DefaultTargetCurrencies
			}

			if !req.ForceUpdate {
				report, err := checkStaleness(sc, d)
				if err != nil {
					return nil, err
				}
				if report.HasRates &&
					report.AgeMinutes <= d.Cfg.FxStalenessWarning {
					return &ingestReport{Skipped: true}, nil
				}
			}
			return ingestPipeline(sc, d, base, targets)
		},
	}
}

// FxRateStalenessAlert emails the admin twice a day when the freshest
// stored rate is older than the critical threshold
func FxRateStalenessAlert(d *Deps) *engine.Function {
	return &engine.Function{
		ID:   "fx-rate-staleness-alert",
		Name: "FX Rate Staleness Alert",
		Cron: &engine.CronTrigger{Spec: "0 9,17 * * *"},
		Handler: func(sc *engine.Context) (any, error) {
			report, err := checkStaleness(sc, d)
			if err != nil {
				return nil, err
			}
			if report.HasRates &&
				report.AgeMinutes <= d.Cfg.FxStalenessCritical {
				return map[string]any{"alerted": false}, nil
			}

			alert, err := newAdminEmail(d,
				"FX rates critically stale",
				"fx-staleness-alert",
				map[string]any{
					"ageMinutes":        report.AgeMinutes,
					"criticalThreshold": d.Cfg.FxStalenessCritical,
					"hasRates":          report.HasRates,
				},
			)
			if err != nil {
				return nil, err
			}
			if _, err := sc.Send("alert-admin", alert); err != nil {
				return nil, err
			}
			return map[string]any{"alerted": true}, nil
		},
	}
}

// checkStaleness memoizes the age of the freshest stored rate
func checkStaleness(sc *engine.Context, d *Deps) (*stalenessReport, error) {
	return engine.Run(sc, "check-staleness",
		func(ctx context.Context) (*stalenessReport, error) {
			latest, err := d.Store.LatestFxTimestamp(ctx)
			if err != nil {
				return nil, err
			}
			if latest.IsZero() {
				return &stalenessReport{}, nil
			}
			age := int(sc.Now().Sub(latest) / time.Minute)
			return &stalenessReport{
				AgeMinutes: age,
				HasRates:   true,
			}, nil
		})
}

// ingestPipeline fetches, stores, and validates rates, then announces
// the refresh. Fallback-sourced rates additionally notify the admin.
func ingestPipeline(
	sc *engine.Context, d *Deps, base string, targets []string,
) (any, error) {
	rates, err := engine.Run(sc, "ingest-fx-rates",
		func(ctx context.Context) ([]*api.FxRateRecord, error) {
			return d.Rates.Fetch(ctx, base, targets)
		})
	if err != nil {
		return nil, err
	}

	if _, err := sc.RunStep("store-fx-rates",
		func(ctx context.Context) (any, error) {
			return len(rates), d.Store.PutFxRates(ctx, rates)
		}); err != nil {
		return nil, err
	}

	if _, err := sc.RunStep("validate-stored-rates",
		func(ctx context.Context) (any, error) {
			stored, err := d.Store.ListFxRates(ctx, base)
			if err != nil {
				return nil, err
			}
			now := sc.Now()
			for _, rate := range stored {
				if err := rate.Validate(now); err != nil {
					return nil, api.Fatal(api.SubclassValidation,
						"stored rate failed validation: %v", err)
				}
			}
			return len(stored), nil
		}); err != nil {
		return nil, err
	}

	source := rates[0].Source
	if source == api.FxSourceFallback {
		notice, err := newAdminEmail(d,
			"FX rates served from fallback source",
			"fx-fallback-notice",
			map[string]any{
				"base":       base,
				"ratesCount": len(rates),
			},
		)
		if err != nil {
			return nil, err
		}
		if _, err := sc.Send("notify-fallback-source", notice); err != nil {
			return nil, err
		}
	}

	ingested, err := api.NewEvent(api.EventFxRatesIngested,
		&api.FxRatesIngestedData{
			RatesCount: len(rates),
			Source:     string(source),
			Timestamp:  rates[0].Timestamp,
		})
	if err != nil {
		return nil, err
	}
	if _, err := sc.Send("announce-ingest", ingested); err != nil {
		return nil, err
	}

	return &ingestReport{
		RatesCount: len(rates),
		Source:     source,
	}, nil
}

// newAdminEmail builds a high-priority email/send event to the
// configured admin address
func newAdminEmail(
	d *Deps, subject, template string, data map[string]any,
) (*api.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("admin email data: %w", err)
	}
	return api.NewEvent(api.EventEmailSend, &api.EmailSendData{
		To:       d.Cfg.AdminEmail,
		Subject:  subject,
		Template: template,
		Data:     raw,
		Priority: string(api.PriorityHigh),
	})
}
