package workflows_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/quartermile/ledgerflow/internal/adapters"
	"github.com/quartermile/ledgerflow/internal/blobstore"
	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/internal/workflows"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// clockRateFetcher serves static rates stamped with the fixture clock so
// stored-rate validation sees timestamps in its own present
type clockRateFetcher struct {
	source api.FxRateSource
	rates  map[string]float64
	now    func() time.Time
	calls  int
}

func (f *clockRateFetcher) Fetch(
	_ context.Context, base string, targets []string,
) ([]*api.FxRateRecord, error) {
	f.calls++
	now := f.now()

	var res []*api.FxRateRecord
	for _, target := range targets {
		rate, ok := f.rates[target]
		if !ok {
			continue
		}
		res = append(res, &api.FxRateRecord{
			FromCurrency: base,
			ToCurrency:   target,
			Rate:         rate,
			Source:       f.source,
			Timestamp:    now,
			ValidFrom:    now,
		})
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no rates for %s", base)
	}
	return res, nil
}

type fixture struct {
	store *store.MemoryStore
	bus   *bus.Bus
	disp  *engine.Dispatcher
	clock *fakeClock
	cfg   *config.Config
	blobs *blobstore.Store
	rates *clockRateFetcher
	email *adapters.MemoryEmailSender
	pdf   *adapters.StaticPdfRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Retry.Jitter = config.JitterNone

	st := store.NewMemoryStore()
	logger := log.New("ledgerflow", "test", "0")
	b := bus.New(st, cfg.IdempotencyWindow, logger)
	clock := newFakeClock()
	metrics := engine.NewMetrics(prometheus.NewRegistry())
	registry := engine.NewRegistry()

	executor := engine.NewExecutor(st, b, cfg, logger, clock.Now, metrics)
	governor := engine.NewGovernor(
		cfg.ConcurrencyGlobal, cfg.ConcurrencyDefault,
	)
	disp := engine.NewDispatcher(
		b, registry, executor, governor, cfg, logger, clock.Now, metrics,
	)

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	blobs := blobstore.NewWithBucket(bucket, "http://files.local")

	rates := &clockRateFetcher{
		source: api.FxSourcePrimary,
		rates:  map[string]float64{"USD": 0.21, "EUR": 0.19},
		now:    clock.Now,
	}
	email := &adapters.MemoryEmailSender{}
	pdf := &adapters.StaticPdfRenderer{}

	workflows.RegisterAll(registry, &workflows.Deps{
		Store: st,
		Blobs: blobs,
		Rates: rates,
		Email: email,
		Pdf:   pdf,
		Cfg:   cfg,
	})

	return &fixture{
		store: st,
		bus:   b,
		disp:  disp,
		clock: clock,
		cfg:   cfg,
		blobs: blobs,
		rates: rates,
		email: email,
		pdf:   pdf,
	}
}

// pump processes every event visible at the current clock without
// advancing time, leaving scheduled events in the queue
func (f *fixture) pump(t *testing.T) {
	t.Helper()
	for range 200 {
		processed, err := f.disp.Poll(context.Background())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
	t.Fatal("queue kept producing visible events")
}

// drain advances the clock past redelivery times until the queue empties
func (f *fixture) drain(t *testing.T, maxPolls int) {
	t.Helper()
	ctx := context.Background()

	for range maxPolls {
		processed, err := f.disp.Poll(ctx)
		require.NoError(t, err)
		if processed {
			continue
		}

		depth, err := f.bus.Depth(ctx)
		require.NoError(t, err)
		if depth == 0 {
			return
		}
		f.clock.Advance(time.Minute)
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) publish(t *testing.T, name string, data any) *api.Event {
	t.Helper()
	ev, err := api.NewEvent(name, data)
	require.NoError(t, err)
	_, err = f.bus.Publish(context.Background(), ev)
	require.NoError(t, err)
	return ev
}

func (f *fixture) run(
	t *testing.T, fn api.FunctionID, ev api.EventID,
) *api.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), api.RunIDFor(fn, ev))
	require.NoError(t, err)
	return run
}

func (f *fixture) attachment(t *testing.T, id string) *api.Attachment {
	t.Helper()
	att, err := f.store.GetAttachment(context.Background(), id)
	require.NoError(t, err)
	return att
}

func (f *fixture) putAttachment(t *testing.T, att *api.Attachment) {
	t.Helper()
	require.NoError(t,
		f.store.PutAttachment(context.Background(), att))
}

func TestFxIngestStoresRates(t *testing.T) {
	f := newFixture(t)
	ev := f.publish(t,
		engine.CronEventName("fx-rate-ingestion"), nil)

	f.drain(t, 20)

	stored, err := f.store.ListFxRates(context.Background(),
		workflows.DefaultBaseCurrency)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	for _, rate := range stored {
		assert.Equal(t, api.FxSourcePrimary, rate.Source)
		assert.Positive(t, rate.Rate)
	}

	run := f.run(t, "fx-rate-ingestion", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)
	assert.Equal(t, 1, f.rates.calls)
	assert.Empty(t, f.email.Sent())
}

func TestFxIngestSkipsFreshRates(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, f.store.PutFxRates(context.Background(),
		[]*api.FxRateRecord{{
			FromCurrency: "MYR",
			ToCurrency:   "USD",
			Rate:         0.21,
			Source:       api.FxSourcePrimary,
			Timestamp:    now.Add(-time.Hour),
			ValidFrom:    now.Add(-time.Hour),
		}}))

	ev := f.publish(t, engine.CronEventName("fx-rate-ingestion"), nil)
	f.drain(t, 20)

	assert.Equal(t, 0, f.rates.calls)

	run := f.run(t, "fx-rate-ingestion", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)

	var report struct {
		Skipped bool `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(run.Result, &report))
	assert.True(t, report.Skipped)
}

func TestFxManualForceBypassesFreshnessCheck(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, f.store.PutFxRates(context.Background(),
		[]*api.FxRateRecord{{
			FromCurrency: "MYR",
			ToCurrency:   "USD",
			Rate:         0.2,
			Source:       api.FxSourcePrimary,
			Timestamp:    now.Add(-time.Minute),
			ValidFrom:    now.Add(-time.Minute),
		}}))

	f.publish(t, api.EventFxIngestManual, &api.FxIngestManualData{
		TargetCurrencies: []string{"USD"},
		ForceUpdate:      true,
	})
	f.drain(t, 20)

	assert.Equal(t, 1, f.rates.calls)
}

func TestFxFallbackSourceNotifiesAdmin(t *testing.T) {
	f := newFixture(t)
	f.rates.source = api.FxSourceFallback

	f.publish(t, engine.CronEventName("fx-rate-ingestion"), nil)
	f.drain(t, 20)

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, f.cfg.AdminEmail, sent[0].To)
	assert.Equal(t, "fx-fallback-notice", sent[0].Template)
	assert.Equal(t, string(api.PriorityHigh), sent[0].Priority)
}

func TestFxStalenessAlertEmailsAdmin(t *testing.T) {
	f := newFixture(t)
	ev := f.publish(t,
		engine.CronEventName("fx-rate-staleness-alert"), nil)

	f.drain(t, 20)

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "fx-staleness-alert", sent[0].Template)

	run := f.run(t, "fx-rate-staleness-alert", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)
}

func TestPdfGenerationStoresDocumentAndLinksEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	startMs := f.clock.Now().UnixMilli()

	data, err := json.Marshal(map[string]any{
		"invoiceNumber": "INV-0042",
		"total":         1200.50,
		"currency":      "MYR",
	})
	require.NoError(t, err)

	ev := f.publish(t, api.EventPdfGenerate, &api.PdfGenerateData{
		TemplateType: workflows.TemplateInvoice,
		Data:         data,
		TenantID:     "t1",
		CompanyID:    "c1",
		EntityID:     "inv-9",
		EntityType:   "invoice",
	})
	f.drain(t, 20)

	name := fmt.Sprintf("invoice-inv-9-%d.pdf", startMs)
	path := fmt.Sprintf("t1/c1/pdfs/%s", name)

	exists, err := f.blobs.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	pdf, err := f.blobs.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(pdf[:4]))

	att := f.attachment(t, name)
	assert.Equal(t, "inv-9", att.EntityID)
	assert.Equal(t, "application/pdf", att.FileType)

	run := f.run(t, "pdf-generation", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)
}

func TestPdfRenderTimeoutExhaustsToManualReview(t *testing.T) {
	f := newFixture(t)
	f.cfg.PdfStepTimeout = 10 * time.Millisecond
	f.pdf.Delay = 100 * time.Millisecond

	ev := f.publish(t, api.EventPdfGenerate, &api.PdfGenerateData{
		TemplateType: workflows.TemplateInvoice,
		TenantID:     "t1",
		CompanyID:    "c1",
	})
	f.drain(t, 60)

	run := f.run(t, "pdf-generation", ev.ID)
	assert.Equal(t, api.RunFailed, run.Status)
	require.NotNil(t, run.FinalError)
	assert.Equal(t, api.SubclassTimeout, run.FinalError.Subclass)

	// four attempts spent, which exceeds the three the recovery rule
	// allows, so the dead letter goes straight to manual review
	recs, err := f.store.ListDLQ(
		context.Background(), api.DLQManualReview, 10,
	)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, api.FunctionID("pdf-generation"), recs[0].FunctionID)
	assert.Equal(t, 4, recs[0].AttemptCount)
	assert.Equal(t, "t1", recs[0].TenantID)

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "dlq-alert", sent[0].Template)
	assert.Equal(t, f.cfg.AdminEmail, sent[0].To)
}

func TestInvoiceApprovedStoresPdfAndEmailsCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.publish(t, api.EventInvoiceApproved, &api.InvoiceApprovedData{
		InvoiceID:     "inv-1",
		InvoiceNumber: "INV-0001",
		TenantID:      "t1",
		CustomerEmail: "customer@example.com",
		Amount:        99.90,
		Currency:      "MYR",
	})
	f.drain(t, 20)

	exists, err := f.blobs.Exists(ctx, "t1/invoices/inv-1.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "customer@example.com", sent[0].To)
	assert.Equal(t, "invoice-approved", sent[0].Template)

	// redelivery of the settled event acknowledges without re-running
	require.NoError(t, f.store.AppendEvent(ctx, ev))
	f.drain(t, 20)
	assert.Len(t, f.email.Sent(), 1)
}

func TestApprovalTwoStageLifecycle(t *testing.T) {
	f := newFixture(t)
	f.putAttachment(t, &api.Attachment{
		ID:       "att-1",
		TenantID: "t1",
		FileName: "contract.pdf",
		FilePath: "t1/docs/contract.pdf",
	})

	f.publish(t, api.EventApprovalStart, &api.ApprovalStartData{
		AttachmentID: "att-1",
		TenantID:     "t1",
		SubmittedBy:  "dana",
		RequireAll:   true,
		Approvers: []*api.Approver{
			{UserID: "alice", Email: "alice@example.com", Stage: 1},
			{UserID: "bob", Email: "bob@example.com", Stage: 1},
			{UserID: "carol", Email: "carol@example.com", Stage: 2},
		},
	})
	f.pump(t)

	att := f.attachment(t, "att-1")
	wf, active := att.ActiveWorkflow()
	require.True(t, active)
	assert.Equal(t, 1, wf.CurrentStage)
	assert.Equal(t, 2, wf.TotalStages)
	assert.Len(t, f.email.Sent(), 2)

	// first of two stage-1 approvals does not complete the stage
	f.publish(t, api.EventApprovalDecision, &api.ApprovalDecisionData{
		AttachmentID: "att-1",
		TenantID:     "t1",
		UserID:       "alice",
		Decision:     api.DecisionApprove,
	})
	f.pump(t)

	wf, _ = f.attachment(t, "att-1").ActiveWorkflow()
	assert.Equal(t, 1, wf.CurrentStage)
	assert.Len(t, f.email.Sent(), 2)

	// second approval advances to stage 2 and notifies carol
	f.publish(t, api.EventApprovalDecision, &api.ApprovalDecisionData{
		AttachmentID: "att-1",
		TenantID:     "t1",
		UserID:       "bob",
		Decision:     api.DecisionApprove,
	})
	f.pump(t)

	wf, active = f.attachment(t, "att-1").ActiveWorkflow()
	require.True(t, active)
	assert.Equal(t, 2, wf.CurrentStage)

	sent := f.email.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "carol@example.com", sent[2].To)

	// a stage-2 rejection ends the workflow
	f.publish(t, api.EventApprovalDecision, &api.ApprovalDecisionData{
		AttachmentID: "att-1",
		TenantID:     "t1",
		UserID:       "carol",
		Decision:     api.DecisionReject,
		Comments:     "missing signatures",
	})
	f.pump(t)

	att = f.attachment(t, "att-1")
	_, active = att.ActiveWorkflow()
	assert.False(t, active)
	assert.Equal(t, api.WorkflowRejected,
		att.Metadata.ApprovalWorkflow.Status)
	assert.Equal(t, api.DecisionReject,
		att.Metadata.ApprovalWorkflow.FinalDecision)
	assert.Len(t, f.email.Sent(), 3)
}

func TestApprovalAutoApprovesHighConfidenceOcr(t *testing.T) {
	f := newFixture(t)
	f.putAttachment(t, &api.Attachment{
		ID:       "att-2",
		TenantID: "t1",
		FileName: "receipt.pdf",
		FilePath: "t1/docs/receipt.pdf",
		Metadata: &api.AttachmentMetadata{
			OcrStatus:     "completed",
			OcrConfidence: 0.97,
		},
	})

	ev := f.publish(t, api.EventApprovalStart, &api.ApprovalStartData{
		AttachmentID:         "att-2",
		TenantID:             "t1",
		SubmittedBy:          "dana",
		AutoApproveThreshold: 0.9,
	})
	f.pump(t)

	att := f.attachment(t, "att-2")
	require.NotNil(t, att.Metadata.ApprovalWorkflow)
	assert.Equal(t, api.WorkflowCompleted,
		att.Metadata.ApprovalWorkflow.Status)
	assert.Equal(t, api.DecisionApprove,
		att.Metadata.ApprovalWorkflow.FinalDecision)

	run := f.run(t, "document-approval-start", ev.ID)
	assert.Equal(t, api.RunSucceeded, run.Status)
	assert.Empty(t, f.email.Sent())

	depth, err := f.bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestApprovalSelfApprovalIsFatal(t *testing.T) {
	f := newFixture(t)
	f.putAttachment(t, &api.Attachment{
		ID:       "att-3",
		TenantID: "t1",
		FileName: "expense.pdf",
		FilePath: "t1/docs/expense.pdf",
	})

	f.publish(t, api.EventApprovalStart, &api.ApprovalStartData{
		AttachmentID: "att-3",
		TenantID:     "t1",
		SubmittedBy:  "dana",
		Approvers: []*api.Approver{
			{UserID: "dana", Email: "dana@example.com", Stage: 1},
		},
	})
	f.pump(t)

	ev := f.publish(t, api.EventApprovalDecision, &api.ApprovalDecisionData{
		AttachmentID: "att-3",
		TenantID:     "t1",
		UserID:       "dana",
		Decision:     api.DecisionApprove,
	})
	f.pump(t)

	run := f.run(t, "document-approval-decision", ev.ID)
	assert.Equal(t, api.RunFailed, run.Status)
	require.NotNil(t, run.FinalError)
	assert.Equal(t, api.SubclassValidation, run.FinalError.Subclass)

	// no recovery rule for the decision function, so straight to review
	recs, err := f.store.ListDLQ(
		context.Background(), api.DLQManualReview, 10,
	)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, api.FunctionID("document-approval-decision"),
		recs[0].FunctionID)

	wf, active := f.attachment(t, "att-3").ActiveWorkflow()
	require.True(t, active)
	assert.NotNil(t, wf.PendingApprover("dana"))
}

func TestApprovalDelegationReplacesApprover(t *testing.T) {
	f := newFixture(t)
	f.putAttachment(t, &api.Attachment{
		ID:       "att-4",
		TenantID: "t1",
		FileName: "po.pdf",
		FilePath: "t1/docs/po.pdf",
	})

	f.publish(t, api.EventApprovalStart, &api.ApprovalStartData{
		AttachmentID: "att-4",
		TenantID:     "t1",
		SubmittedBy:  "dana",
		Approvers: []*api.Approver{
			{UserID: "alice", Email: "alice@example.com", Stage: 1},
		},
	})
	f.pump(t)

	f.publish(t, api.EventApprovalDecision, &api.ApprovalDecisionData{
		AttachmentID:     "att-4",
		TenantID:         "t1",
		UserID:           "alice",
		DelegateTo:       "dave",
		DelegationReason: "on leave",
	})
	f.pump(t)

	wf, active := f.attachment(t, "att-4").ActiveWorkflow()
	require.True(t, active)
	assert.Nil(t, wf.PendingApprover("alice"))
	require.NotNil(t, wf.PendingApprover("dave"))
	assert.Equal(t, "alice", wf.PendingApprover("dave").DelegatedFrom)
}

func TestApprovalReminderNudgesPendingApprovers(t *testing.T) {
	f := newFixture(t)
	f.putAttachment(t, &api.Attachment{
		ID:       "att-5",
		TenantID: "t1",
		FileName: "lease.pdf",
		FilePath: "t1/docs/lease.pdf",
	})

	f.publish(t, api.EventApprovalStart, &api.ApprovalStartData{
		AttachmentID: "att-5",
		TenantID:     "t1",
		SubmittedBy:  "dana",
		Approvers: []*api.Approver{
			{UserID: "alice", Email: "alice@example.com", Stage: 1},
		},
	})
	f.pump(t)
	require.Len(t, f.email.Sent(), 1)

	f.clock.Advance(24*time.Hour + time.Minute)
	f.pump(t)

	sent := f.email.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "alice@example.com", sent[1].To)
	assert.Equal(t, "approval-reminder", sent[1].Template)

	wf, _ := f.attachment(t, "att-5").ActiveWorkflow()
	assert.Equal(t, 1, wf.RemindersSent)

	// next reminder is queued for another interval out
	depth, err := f.bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestDLQAutoRetryRepublishesOriginalEvent(t *testing.T) {
	f := newFixture(t)

	original, err := api.NewEvent(api.EventEmailSend, &api.EmailSendData{
		To:       "cust@example.com",
		Subject:  "Welcome",
		Template: "welcome",
	})
	require.NoError(t, err)
	raw, err := json.Marshal(original)
	require.NoError(t, err)

	f.publish(t, api.EventFunctionFailed, &api.FunctionFailedData{
		FunctionID:    "email-workflow",
		RunID:         "run-1",
		Error:         api.FailureDetail{Message: "429 too many requests"},
		OriginalEvent: raw,
		AttemptCount:  2,
	})
	f.drain(t, 40)

	recs, err := f.store.ListDLQ(
		context.Background(), api.DLQRetrying, 10,
	)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].RetryCount)
	assert.Equal(t, "auto_retry", recs[0].RecoveryAction)
	assert.False(t, recs[0].LastRetryAt.IsZero())

	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "cust@example.com", sent[0].To)
}

func TestDLQManualReviewWhenRetryBudgetSpent(t *testing.T) {
	f := newFixture(t)

	original, err := api.NewEvent(
		engine.CronEventName("fx-rate-ingestion"), nil,
	)
	require.NoError(t, err)
	raw, err := json.Marshal(original)
	require.NoError(t, err)

	f.publish(t, api.EventFunctionFailed, &api.FunctionFailedData{
		FunctionID:    "fx-rate-ingestion",
		RunID:         "run-2",
		Error:         api.FailureDetail{Message: "ECONNREFUSED upstream"},
		OriginalEvent: raw,
		AttemptCount:  6,
	})
	f.drain(t, 20)

	recs, err := f.store.ListDLQ(
		context.Background(), api.DLQManualReview, 10,
	)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "manual_review", recs[0].RecoveryAction)

	// fx ingestion is a critical function, so the admin is paged
	sent := f.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, f.cfg.AdminEmail, sent[0].To)
	assert.Equal(t, "dlq-alert", sent[0].Template)
}
