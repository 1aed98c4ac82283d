package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fraudtriage/engine/internal/bus"
	"github.com/fraudtriage/engine/internal/cache"
	"github.com/fraudtriage/engine/internal/domain"
	"github.com/fraudtriage/engine/internal/repository"
	"github.com/fraudtriage/engine/internal/rules"
	"github.com/fraudtriage/engine/internal/stream"
	"github.com/fraudtriage/engine/internal/velocity"
)

// fakeSource is an in-memory EventSource: records are appended with
// push and consumed in FIFO order, tracking acks and delivery counts
// the way a Redis Streams consumer group would.
type fakeSource struct {
	mu       sync.Mutex
	records  []stream.Record
	acked    map[string]bool
	attempts map[string]int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{acked: map[string]bool{}, attempts: map[string]int64{}}
}

func (f *fakeSource) push(id string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, stream.Record{ID: id, Fields: fields})
}

func (f *fakeSource) EnsureGroup(ctx context.Context, streamName, group, start string) error { return nil }

func (f *fakeSource) ReadBatch(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration) ([]stream.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var batch []stream.Record
	for _, r := range f.records {
		if f.acked[r.ID] {
			continue
		}
		f.attempts[r.ID]++
		batch = append(batch, r)
		if int64(len(batch)) >= count {
			break
		}
	}
	return batch, nil
}

func (f *fakeSource) Ack(ctx context.Context, streamName, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[id] = true
	return nil
}

func (f *fakeSource) DeliveryCount(ctx context.Context, streamName, group, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id], nil
}

// fakeQueue records every enqueued escalation without a real stream.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []map[string]string
	failNext bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("queue unavailable")
	}
	f.enqueued = append(f.enqueued, fields)
	return "1-0", nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeSource, *fakeQueue, domain.CaseStore) {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.DatabaseDSN = "file::memory:?cache=shared"
	repo, err := repository.New(cfg)
	if err != nil {
		t.Fatalf("failed to open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	velocitySvc := velocity.NewService(cache.NewLRUCache(1000), cfg.VelocityWindow)
	engine, err := rules.NewEngine(velocitySvc, rules.DefaultThresholds())
	if err != nil {
		t.Fatalf("failed to build rule engine: %v", err)
	}

	channelBus := bus.NewChannelBus(64)
	t.Cleanup(func() { channelBus.Close() })

	source := newFakeSource()
	queue := &fakeQueue{}

	p, err := New(context.Background(), source, queue, repo, repo, engine, channelBus, velocitySvc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, source, queue, repo
}

func pushEvent(t *testing.T, src *fakeSource, id string, event *domain.TransactionEvent) {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	src.push(id, map[string]string{"event_data": string(payload)})
}

func cleanLowRiskEvent() *domain.TransactionEvent {
	return &domain.TransactionEvent{
		TransactionID:   "tx-1",
		UserID:          "user-1",
		Timestamp:       time.Now().UTC(),
		Amount:          50,
		Currency:        "USD",
		Type:            domain.TxDeposit,
		UserProfile:     &domain.UserProfile{DeclaredMonthlyIncome: 5000},
		DeviceProfile:   &domain.DeviceProfile{TotalUsersCount: 1},
		IPProfile:       &domain.IPProfile{},
		DocumentProfile: &domain.DocumentProfile{ConfidenceScore: 0.95},
	}
}

func TestTickProcessesCleanEventAsApproved(t *testing.T) {
	p, source, queue, cases := newTestPipeline(t)
	ctx := context.Background()

	pushEvent(t, source, "1-0", cleanLowRiskEvent())
	p.Tick(ctx)

	got, err := cases.GetByTriggerTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetByTriggerTransactionID: %v", err)
	}
	if got.Status != domain.StatusAutoApproved {
		t.Fatalf("expected AUTO_APPROVED, got %s", got.Status)
	}
	if got.FraudProbability != 0.95 {
		t.Fatalf("expected fraud_probability 0.95, got %v", got.FraudProbability)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("expected no AI enqueue for approved case, got %d", len(queue.enqueued))
	}
	if !source.acked["1-0"] {
		t.Fatal("expected record to be acked")
	}
}

func TestTickBlocksSanctionedCountry(t *testing.T) {
	p, source, _, cases := newTestPipeline(t)
	ctx := context.Background()

	event := cleanLowRiskEvent()
	event.IPProfile.SanctionedCountry = true
	pushEvent(t, source, "1-0", event)
	p.Tick(ctx)

	got, err := cases.GetByTriggerTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetByTriggerTransactionID: %v", err)
	}
	if got.Status != domain.StatusAutoBlocked {
		t.Fatalf("expected AUTO_BLOCKED, got %s", got.Status)
	}
	if got.DetectionSignals["sanctions_match"] != true {
		t.Fatalf("expected sanctions_match signal, got %v", got.DetectionSignals)
	}
}

func TestTickEscalatesGrayAreaAndEnqueues(t *testing.T) {
	p, source, queue, cases := newTestPipeline(t)
	ctx := context.Background()

	event := cleanLowRiskEvent()
	event.IPProfile.VPN = true
	event.IPProfile.HighRiskCountry = true
	event.DeviceProfile.TotalUsersCount = 8
	pushEvent(t, source, "1-0", event)
	p.Tick(ctx)

	got, err := cases.GetByTriggerTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetByTriggerTransactionID: %v", err)
	}
	if got.Status != domain.StatusUnderInvestigation {
		t.Fatalf("expected UNDER_INVESTIGATION, got %s", got.Status)
	}
	if got.FraudProbability != 0.40 {
		t.Fatalf("expected fraud_probability 0.40, got %v", got.FraudProbability)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected exactly one AI enqueue, got %d", len(queue.enqueued))
	}
	if queue.enqueued[0]["case_id"] != got.CaseID {
		t.Fatalf("expected enqueued case_id %s, got %v", got.CaseID, queue.enqueued[0])
	}
}

func TestTickRedeliveryOfDuplicateTriggerIsIdempotent(t *testing.T) {
	p, source, _, cases := newTestPipeline(t)
	ctx := context.Background()

	event := cleanLowRiskEvent()
	pushEvent(t, source, "1-0", event)
	p.Tick(ctx)

	// Deliver the same transaction again under a second record id, as a
	// duplicate publish of the event would; it still yields one case.
	pushEvent(t, source, "2-0", event)
	p.Tick(ctx)

	all, err := cases.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one case for the trigger transaction, got %d", len(all))
	}
}

func TestTickLeavesUnparseableRecordUnackedBelowThreshold(t *testing.T) {
	p, source, _, _ := newTestPipeline(t)
	ctx := context.Background()

	source.push("1-0", map[string]string{"event_data": "{not json"})
	p.Tick(ctx)

	if source.acked["1-0"] {
		t.Fatal("expected poison record to remain unacked below the delivery threshold")
	}
}

func TestTickFilesSyntheticCaseAfterPoisonThresholdExceeded(t *testing.T) {
	p, source, _, cases := newTestPipeline(t)
	ctx := context.Background()
	p.cfg.PoisonDeliveryThreshold = 2

	source.push("1-0", map[string]string{"event_data": "{not json"})
	for i := 0; i < 3; i++ {
		p.Tick(ctx)
	}

	if !source.acked["1-0"] {
		t.Fatal("expected poison record to be acked once past the threshold")
	}

	got, err := cases.GetByTriggerTransactionID(ctx, "poison:1-0")
	if err != nil {
		t.Fatalf("expected synthetic poison case, got error: %v", err)
	}
	if got.Status != domain.StatusUnderInvestigation {
		t.Fatalf("expected synthetic case UNDER_INVESTIGATION, got %s", got.Status)
	}
	if got.DetectionSignals["poison"] != true {
		t.Fatalf("expected poison signal, got %v", got.DetectionSignals)
	}
}

func TestTickDetectsRapidChurnAcrossConsecutiveEvents(t *testing.T) {
	p, source, _, cases := newTestPipeline(t)
	ctx := context.Background()

	now := time.Now().UTC()
	deposit := cleanLowRiskEvent()
	deposit.Timestamp = now
	pushEvent(t, source, "1-0", deposit)
	p.Tick(ctx)

	withdrawal := cleanLowRiskEvent()
	withdrawal.TransactionID = "tx-2"
	withdrawal.Type = domain.TxWithdrawal
	withdrawal.Timestamp = now.Add(time.Minute)
	pushEvent(t, source, "2-0", withdrawal)
	p.Tick(ctx)

	got, err := cases.GetByTriggerTransactionID(ctx, "tx-2")
	if err != nil {
		t.Fatalf("GetByTriggerTransactionID: %v", err)
	}
	if got.DetectionSignals["rapid_churn"] != true {
		t.Fatalf("expected rapid_churn signal on the second transaction, got %v", got.DetectionSignals)
	}
}

func TestTickEmptyBatchDoesNotAdvanceMeter(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	p.Tick(context.Background())

	if got := p.Meter.GetAndReset(); got != 0 {
		t.Fatalf("expected meter at 0 on an empty batch, got %d", got)
	}
}

func TestTickAddsBatchSizeToMeter(t *testing.T) {
	p, source, _, _ := newTestPipeline(t)
	ctx := context.Background()

	pushEvent(t, source, "1-0", cleanLowRiskEvent())
	event2 := cleanLowRiskEvent()
	event2.TransactionID = "tx-2"
	pushEvent(t, source, "2-0", event2)

	p.Tick(ctx)

	if got := p.Meter.GetAndReset(); got != 2 {
		t.Fatalf("expected meter at 2, got %d", got)
	}
}

func TestEnqueueFailureStillPersistsAndAcksCase(t *testing.T) {
	p, source, queue, cases := newTestPipeline(t)
	ctx := context.Background()
	queue.failNext = true

	event := cleanLowRiskEvent()
	event.IPProfile.VPN = true
	event.IPProfile.HighRiskCountry = true
	event.DeviceProfile.TotalUsersCount = 8
	pushEvent(t, source, "1-0", event)
	p.Tick(ctx)

	got, err := cases.GetByTriggerTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("expected the case to persist despite queue failure: %v", err)
	}
	if got.Status != domain.StatusUnderInvestigation {
		t.Fatalf("expected UNDER_INVESTIGATION, got %s", got.Status)
	}
	if !source.acked["1-0"] {
		t.Fatal("expected the record to be acked despite the AI enqueue failure")
	}
}
