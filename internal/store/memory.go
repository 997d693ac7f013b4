package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quartermile/ledgerflow/pkg/api"
)

type (
	// MemoryStore is an in-process Store used by tests and single-node
	// development setups
	MemoryStore struct {
		mu          sync.Mutex
		events      map[api.EventID]*queuedEvent
		idempotency map[string]idemEntry
		runs        map[api.RunID]*api.Run
		memos       map[memoKey]*api.StepMemo
		dlq         map[string]*api.DLQRecord
		dlqOrder    []string
		fxRates     []*api.FxRateRecord
		attachments map[string]*api.Attachment
		cronMarks   map[api.FunctionID]time.Time
		seq         int64
	}

	queuedEvent struct {
		event     *api.Event
		visibleAt time.Time
		leased    bool
		leaseTil  time.Time
		seq       int64
	}

	idemEntry struct {
		id      api.EventID
		expires time.Time
	}

	memoKey struct {
		run  api.RunID
		step api.StepName
	}
)

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      map[api.EventID]*queuedEvent{},
		idempotency: map[string]idemEntry{},
		runs:        map[api.RunID]*api.Run{},
		memos:       map[memoKey]*api.StepMemo{},
		dlq:         map[string]*api.DLQRecord{},
		attachments: map[string]*api.Attachment{},
		cronMarks:   map[api.FunctionID]time.Time{},
	}
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	s.seq++
	s.events[ev.ID] = &queuedEvent{
		event:     &cp,
		visibleAt: ev.ScheduledFor,
		seq:       s.seq,
	}
	return nil
}

func (s *MemoryStore) LeaseNext(
	_ context.Context, now, leaseUntil time.Time,
) (*api.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *queuedEvent
	for _, qe := range s.events {
		if qe.leased && qe.leaseTil.After(now) {
			continue
		}
		if qe.visibleAt.After(now) {
			continue
		}
		if oldest == nil || qe.seq < oldest.seq {
			oldest = qe
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.leased = true
	oldest.leaseTil = leaseUntil
	cp := *oldest.event
	return &cp, nil
}

func (s *MemoryStore) Ack(_ context.Context, id api.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	qe, ok := s.events[id]
	if !ok || !qe.leased {
		return ErrEventNotLeased
	}
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) Nack(
	_ context.Context, id api.EventID, visibleAfter time.Time, attempt int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	qe, ok := s.events[id]
	if !ok || !qe.leased {
		return ErrEventNotLeased
	}
	qe.leased = false
	qe.visibleAt = visibleAfter
	qe.event.Attempt = attempt
	return nil
}

func (s *MemoryStore) QueueDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *MemoryStore) IdempotencyGet(
	_ context.Context, key string,
) (api.EventID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.idempotency[key]
	if !ok || entry.expires.Before(time.Now()) {
		return "", false, nil
	}
	return entry.id, true, nil
}

func (s *MemoryStore) IdempotencySet(
	_ context.Context, key string, id api.EventID, window time.Duration,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idempotency[key] = idemEntry{id: id, expires: time.Now().Add(window)}
	return nil
}

func (s *MemoryStore) GetRun(
	_ context.Context, id api.RunID,
) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) PutRun(_ context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRun(
	_ context.Context, id api.RunID, update func(*api.Run) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	cp := *run
	if err := update(&cp); err != nil {
		return err
	}
	s.runs[id] = &cp
	return nil
}

func (s *MemoryStore) ListRunsByStatus(
	_ context.Context, status api.RunStatus, limit int,
) ([]*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.Run
	for _, run := range s.runs {
		if run.Status != status {
			continue
		}
		cp := *run
		res = append(res, &cp)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *MemoryStore) GetMemo(
	_ context.Context, run api.RunID, step api.StepName,
) (*api.StepMemo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memo, ok := s.memos[memoKey{run: run, step: step}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *memo
	return &cp, nil
}

func (s *MemoryStore) PutMemo(_ context.Context, memo *api.StepMemo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoKey{run: memo.RunID, step: memo.StepName}
	if _, exists := s.memos[key]; exists {
		return nil
	}
	cp := *memo
	s.memos[key] = &cp
	return nil
}

func (s *MemoryStore) ListMemos(
	_ context.Context, run api.RunID,
) ([]*api.StepMemo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.StepMemo
	for key, memo := range s.memos {
		if key.run != run {
			continue
		}
		cp := *memo
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CompletedAt.Before(res[j].CompletedAt)
	})
	return res, nil
}

func (s *MemoryStore) PutDLQ(_ context.Context, rec *api.DLQRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dlq[rec.ID]; !exists {
		s.dlqOrder = append(s.dlqOrder, rec.ID)
	}
	cp := *rec
	s.dlq[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDLQ(
	_ context.Context, id string,
) (*api.DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dlq[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateDLQ(
	_ context.Context, id string, update func(*api.DLQRecord) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dlq[id]
	if !ok {
		return ErrNotFound
	}
	cp := *rec
	if err := update(&cp); err != nil {
		return err
	}
	s.dlq[id] = &cp
	return nil
}

func (s *MemoryStore) ListDLQ(
	_ context.Context, status api.DLQStatus, limit int,
) ([]*api.DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.DLQRecord
	for _, id := range s.dlqOrder {
		rec := s.dlq[id]
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		res = append(res, &cp)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *MemoryStore) PutFxRates(
	_ context.Context, rates []*api.FxRateRecord,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rate := range rates {
		cp := *rate
		s.fxRates = append(s.fxRates, &cp)
	}
	return nil
}

func (s *MemoryStore) ListFxRates(
	_ context.Context, from string,
) ([]*api.FxRateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []*api.FxRateRecord
	for _, rate := range s.fxRates {
		if from != "" && rate.FromCurrency != from {
			continue
		}
		cp := *rate
		res = append(res, &cp)
	}
	return res, nil
}

func (s *MemoryStore) LatestFxTimestamp(
	_ context.Context,
) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	for _, rate := range s.fxRates {
		if rate.Timestamp.After(latest) {
			latest = rate.Timestamp
		}
	}
	return latest, nil
}

func (s *MemoryStore) GetAttachment(
	_ context.Context, id string,
) (*api.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, ok := s.attachments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttachment(att), nil
}

func (s *MemoryStore) PutAttachment(
	_ context.Context, att *api.Attachment,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attachments[att.ID] = cloneAttachment(att)
	return nil
}

func (s *MemoryStore) UpdateAttachment(
	_ context.Context, id string, update func(*api.Attachment) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, ok := s.attachments[id]
	if !ok {
		return ErrNotFound
	}
	cp := cloneAttachment(att)
	if err := update(cp); err != nil {
		return err
	}
	s.attachments[id] = cp
	return nil
}

func (s *MemoryStore) GetCronMark(
	_ context.Context, fn api.FunctionID,
) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cronMarks[fn], nil
}

func (s *MemoryStore) SetCronMark(
	_ context.Context, fn api.FunctionID, at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronMarks[fn] = at
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// cloneAttachment deep-copies the metadata so embedded workflow state
// cannot be mutated through a returned snapshot
func cloneAttachment(att *api.Attachment) *api.Attachment {
	cp := *att
	if att.Metadata != nil {
		meta := *att.Metadata
		if meta.ApprovalWorkflow != nil {
			wf := *meta.ApprovalWorkflow
			approvers := make([]*api.Approver, len(wf.Approvers))
			for i, a := range wf.Approvers {
				ac := *a
				approvers[i] = &ac
			}
			wf.Approvers = approvers
			meta.ApprovalWorkflow = &wf
		}
		cp.Metadata = &meta
	}
	return &cp
}
