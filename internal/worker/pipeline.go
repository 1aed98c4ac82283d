// Package worker implements the Triage Pipeline of SPEC_FULL §4.3: the
// loop binding the Event Source Adapter to the Rule Engine, the Case
// Store, the AI Queue Producer, and the Push Bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
	"github.com/fraudtriage/engine/internal/rules"
	"github.com/fraudtriage/engine/internal/stream"
)

// EventSource is the pull-style consumer-group contract of §4.1 the
// pipeline drives each tick.
type EventSource interface {
	EnsureGroup(ctx context.Context, streamName, group, start string) error
	ReadBatch(ctx context.Context, streamName, group, consumer string, count int64, block time.Duration) ([]stream.Record, error)
	Ack(ctx context.Context, streamName, group, id string) error
	DeliveryCount(ctx context.Context, streamName, group, id string) (int64, error)
}

// QueueProducer is the AI Queue Producer contract of §6: append a
// flat string-field escalation record to the outbound stream.
type QueueProducer interface {
	Enqueue(ctx context.Context, streamName string, fields map[string]string) (string, error)
}

// VelocityRecorder marks that a transaction happened, so a later
// opposite-typed transaction's rules.VelocityChecker lookup can find
// it within the sliding window.
type VelocityRecorder interface {
	Record(ctx context.Context, userID string, txType domain.TransactionType, at time.Time) error
}

// Pipeline is the single logical triage loop of §4.3, run on a fixed
// tick cadence. It owns idempotency, ack ordering, error recovery, and
// the Traffic Meter.
type Pipeline struct {
	source       EventSource
	queue        QueueProducer
	cases        domain.CaseStore
	transactions domain.TransactionStore
	engine       *rules.Engine
	bus          domain.EventBus
	velocity     VelocityRecorder

	cfg   domain.Config
	ids   caseIDGenerator
	Meter TrafficMeter
}

// New builds a Pipeline and ensures the inbound consumer group exists
// at LATEST, per §4.1's idempotent ensure_group contract.
func New(ctx context.Context, source EventSource, queue QueueProducer, cases domain.CaseStore, transactions domain.TransactionStore, engine *rules.Engine, bus domain.EventBus, velocity VelocityRecorder, cfg domain.Config) (*Pipeline, error) {
	if err := source.EnsureGroup(ctx, cfg.InboundStream, cfg.InboundGroup, ""); err != nil {
		return nil, fmt.Errorf("worker: failed to ensure consumer group: %w", err)
	}
	return &Pipeline{
		source:       source,
		queue:        queue,
		cases:        cases,
		transactions: transactions,
		engine:       engine,
		bus:          bus,
		velocity:     velocity,
		cfg:          cfg,
	}, nil
}

// Run drives the triage tick on cfg.TriageTickInterval until ctx is
// cancelled. On shutdown the current batch finishes before returning.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TriageTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick executes one iteration of the pipeline: pull a batch, bump the
// Traffic Meter, and process every record in order.
func (p *Pipeline) Tick(ctx context.Context) {
	records, err := p.source.ReadBatch(ctx, p.cfg.InboundStream, p.cfg.InboundGroup, p.cfg.InboundConsumer, p.cfg.BatchSize, p.cfg.TriageTickInterval)
	if err != nil {
		slog.Error("event source read failed, retrying next tick", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	p.Meter.Add(int64(len(records)))

	for _, rec := range records {
		p.processRecord(ctx, rec)
	}
}

// processRecord handles one inbound record: a failure to parse it is
// routed to the poison-record policy; any other recoverable failure is
// logged and left unacked for redelivery, per §7's propagation policy
// that one bad record never halts the batch.
func (p *Pipeline) processRecord(ctx context.Context, rec stream.Record) {
	event, err := decodeEvent(rec)
	if err != nil {
		p.handlePoison(ctx, rec, err)
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := p.triageEvent(tickCtx, event); err != nil {
		slog.Error("triage failed, record left unacked for redelivery",
			"record_id", rec.ID, "transaction_id", event.TransactionID, "error", err)
		return
	}

	if err := p.source.Ack(ctx, p.cfg.InboundStream, p.cfg.InboundGroup, rec.ID); err != nil {
		slog.Error("ack failed", "record_id", rec.ID, "error", err)
	}
}

func decodeEvent(rec stream.Record) (*domain.TransactionEvent, error) {
	raw, ok := rec.Fields["event_data"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: missing event_data field", domain.ErrPoisonRecord)
	}
	var event domain.TransactionEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPoisonRecord, err)
	}
	return &event, nil
}

// handlePoison implements the poison-record policy of §7: log and
// leave unacked until the delivery count exceeds the threshold, then
// ack and write a synthetic case so the record stops being redelivered.
func (p *Pipeline) handlePoison(ctx context.Context, rec stream.Record, cause error) {
	count, err := p.source.DeliveryCount(ctx, p.cfg.InboundStream, p.cfg.InboundGroup, rec.ID)
	if err != nil {
		slog.Error("failed to read delivery count for poison candidate", "record_id", rec.ID, "error", err)
	}

	if count <= p.cfg.PoisonDeliveryThreshold {
		slog.Error("poison record, awaiting redelivery", "record_id", rec.ID, "delivery_count", count, "cause", cause)
		return
	}

	c := &domain.Case{
		CaseID:               p.ids.Next(),
		TriggerTransactionID: "poison:" + rec.ID,
		Status:               domain.StatusUnderInvestigation,
		TriggeredBy:          domain.TriggeredByRuleEngine,
		InvestigationLayers:  []string{domain.LayerRuleBased},
		DetectionSignals:     map[string]any{rules.SignalPoison: true},
	}

	created, err := p.cases.Create(ctx, c)
	if err != nil && !errors.Is(err, domain.ErrDuplicateTrigger) {
		slog.Error("failed to persist poison case, record left unacked", "record_id", rec.ID, "error", err)
		return
	}
	if err != nil {
		created, err = p.cases.GetByTriggerTransactionID(ctx, c.TriggerTransactionID)
		if err != nil {
			slog.Error("failed to fetch existing poison case", "record_id", rec.ID, "error", err)
			return
		}
	}

	if err := p.source.Ack(ctx, p.cfg.InboundStream, p.cfg.InboundGroup, rec.ID); err != nil {
		slog.Error("ack failed for poison record", "record_id", rec.ID, "error", err)
		return
	}

	slog.Error("poison record exceeded delivery threshold, filed synthetic case",
		"record_id", rec.ID, "case_id", created.CaseID, "delivery_count", count, "cause", cause)
	p.publishCase(ctx, created)
}

// triageEvent runs steps b–e of §4.3 against one decoded event:
// evaluate the Rule Engine, persist the resulting case idempotently,
// publish it, and escalate gray-area cases to the AI Queue.
func (p *Pipeline) triageEvent(ctx context.Context, event *domain.TransactionEvent) error {
	if p.transactions != nil {
		record := &domain.StoredTransaction{
			TransactionID: event.TransactionID,
			UserID:        event.UserID,
			Type:          event.Type,
			Amount:        event.Amount,
			Currency:      event.Currency,
			Timestamp:     event.Timestamp,
		}
		if err := p.transactions.Save(ctx, record); err != nil {
			return fmt.Errorf("save transaction: %w", err)
		}
	}

	if p.velocity != nil {
		if err := p.velocity.Record(ctx, event.UserID, event.Type, event.Timestamp); err != nil {
			slog.Error("failed to record velocity entry", "transaction_id", event.TransactionID, "error", err)
		}
	}

	result, err := p.engine.Evaluate(ctx, event)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	c := p.newCase(event, result)
	created, err := p.cases.Create(ctx, c)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTrigger) {
			// Idempotency rule of §4.3: the case (and any AI enqueue)
			// already happened on a prior delivery; just ack.
			return nil
		}
		return fmt.Errorf("create case: %w", err)
	}

	p.publishCase(ctx, created)

	if created.Status == domain.StatusUnderInvestigation {
		p.enqueueEscalation(ctx, created, event)
	}
	return nil
}

func (p *Pipeline) newCase(event *domain.TransactionEvent, result domain.RuleResult) *domain.Case {
	var status domain.CaseStatus
	switch result.Decision {
	case domain.DecisionApprove:
		status = domain.StatusAutoApproved
	case domain.DecisionBlock:
		status = domain.StatusAutoBlocked
	default:
		status = domain.StatusUnderInvestigation
	}

	fraudProbability := result.Confidence
	if !result.IsDefinitive() {
		fraudProbability = result.RiskScore
	}

	return &domain.Case{
		CaseID:               p.ids.Next(),
		UserID:               event.UserID,
		TriggerTransactionID: event.TransactionID,
		Status:               status,
		ConfidenceScore:      domain.ClampUnit(result.Confidence),
		FraudProbability:     domain.ClampUnit(fraudProbability),
		TriggeredBy:          domain.TriggeredByRuleEngine,
		InvestigationLayers:  []string{domain.LayerRuleBased},
		DetectionSignals:     result.Signals,
		TransactionSummary:   transactionSummary(event),
		IdentityFlags:        identityFlags(event),
		BehavioralFlags:      behavioralFlags(event),
		NetworkFlags:         networkFlags(event),
	}
}

// enqueueEscalation writes only the current event, rather than
// resending every gray-area case accumulated so far.
func (p *Pipeline) enqueueEscalation(ctx context.Context, c *domain.Case, event *domain.TransactionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal event for AI queue", "case_id", c.CaseID, "error", err)
		return
	}

	fields := map[string]string{
		"case_id":    c.CaseID,
		"user_id":    c.UserID,
		"event_data": string(payload),
	}
	if _, err := p.queue.Enqueue(ctx, p.cfg.AIQueueStream, fields); err != nil {
		// Backpressure policy of §5: the case was already persisted and
		// will be acked; it simply stays UNDER_INVESTIGATION until a
		// human acts.
		slog.Error("failed to enqueue AI escalation, case remains under investigation",
			"case_id", c.CaseID, "error", err)
	}
}

func (p *Pipeline) publishCase(ctx context.Context, c *domain.Case) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicCaseEvents, c); err != nil {
		slog.Error("push bus publish failed", "case_id", c.CaseID, "topic", domain.TopicCaseEvents, "error", err)
	}
}
