package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fraudtriage/engine/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.DatabaseDSN = "file::memory:?cache=shared"
	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newCase(caseID, txID string) *domain.Case {
	return &domain.Case{
		CaseID:               caseID,
		UserID:               "user-1",
		TriggerTransactionID: txID,
		Status:               domain.StatusUnderInvestigation,
		FraudProbability:     0.40,
		ConfidenceScore:      0.50,
		TriggeredBy:          domain.TriggeredByRuleEngine,
		InvestigationLayers:  []string{"RULE_BASED"},
		DetectionSignals:     map[string]any{"vpn_detected": true},
	}
}

func TestCreateAndGetByCaseID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := newCase("CASE-1", "tx-1")
	created, err := repo.Create(ctx, c)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fetched, err := repo.GetByCaseID(ctx, created.CaseID)
	if err != nil {
		t.Fatalf("GetByCaseID: %v", err)
	}
	if fetched.TriggerTransactionID != "tx-1" {
		t.Fatalf("expected trigger tx-1, got %s", fetched.TriggerTransactionID)
	}
	if len(fetched.InvestigationLayers) != 1 || fetched.InvestigationLayers[0] != "RULE_BASED" {
		t.Fatalf("expected [RULE_BASED], got %v", fetched.InvestigationLayers)
	}
}

func TestCreateDuplicateTriggerIsBenign(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Create(ctx, newCase("CASE-1", "tx-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := repo.Create(ctx, newCase("CASE-2", "tx-1"))
	if !errors.Is(err, domain.ErrDuplicateTrigger) {
		t.Fatalf("expected ErrDuplicateTrigger, got %v", err)
	}

	existing, err := repo.GetByTriggerTransactionID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetByTriggerTransactionID: %v", err)
	}
	if existing.CaseID != "CASE-1" {
		t.Fatalf("expected CASE-1, got %s", existing.CaseID)
	}
}

func TestGetByCaseIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetByCaseID(context.Background(), "nope")
	if !errors.Is(err, domain.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestUpdateEnforcesTransitionTable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c, _ := repo.Create(ctx, newCase("CASE-1", "tx-1"))

	c.Status = domain.StatusResolved
	resolved, err := repo.Update(ctx, c)
	if err != nil {
		t.Fatalf("Update to RESOLVED: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("expected ResolvedAt to be set")
	}

	c.Status = domain.StatusAutoApproved
	_, err = repo.Update(ctx, c)
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition mutating a RESOLVED case, got %v", err)
	}
}

func TestUpdateTouchesUpdatedAt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c, _ := repo.Create(ctx, newCase("CASE-1", "tx-1"))
	originalUpdatedAt := c.UpdatedAt

	time.Sleep(2 * time.Millisecond)
	c.ConfidenceScore = 0.9
	updated, err := repo.Update(ctx, c)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.UpdatedAt.After(originalUpdatedAt) {
		t.Fatal("expected UpdatedAt to advance")
	}
}

func TestListByStatusDescCreated(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	repo.Create(ctx, newCase("CASE-1", "tx-1"))
	time.Sleep(2 * time.Millisecond)
	second := newCase("CASE-2", "tx-2")
	if _, err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	cases, err := repo.ListByStatusDescCreated(ctx, []domain.CaseStatus{domain.StatusUnderInvestigation})
	if err != nil {
		t.Fatalf("ListByStatusDescCreated: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}
	if cases[0].CaseID != "CASE-2" {
		t.Fatalf("expected most recently created case first, got %s", cases[0].CaseID)
	}
}

func TestStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	repo.Create(ctx, newCase("CASE-1", "tx-1"))
	approved := newCase("CASE-2", "tx-2")
	approved.Status = domain.StatusAutoApproved
	repo.Create(ctx, approved)

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[domain.StatusUnderInvestigation] != 1 {
		t.Fatalf("expected 1 under investigation, got %d", stats[domain.StatusUnderInvestigation])
	}
	if stats[domain.StatusAutoApproved] != 1 {
		t.Fatalf("expected 1 auto approved, got %d", stats[domain.StatusAutoApproved])
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := repo.WithTx(ctx, func(tx domain.CaseStore) error {
		if _, err := tx.Create(ctx, newCase("CASE-1", "tx-1")); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	if _, err := repo.GetByCaseID(ctx, "CASE-1"); !errors.Is(err, domain.ErrCaseNotFound) {
		t.Fatalf("expected rollback to discard the case, got %v", err)
	}
}

func TestTransactionStoreSaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tx := &domain.StoredTransaction{
		TransactionID: "tx-1",
		UserID:        "user-1",
		Type:          domain.TxDeposit,
		Amount:        100,
		Currency:      "USD",
		Timestamp:     time.Now().UTC(),
	}
	if err := repo.Save(ctx, tx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fetched, err := repo.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.UserID != "user-1" || fetched.Type != domain.TxDeposit {
		t.Fatalf("unexpected transaction: %+v", fetched)
	}
}

func TestTransactionStoreSaveIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tx := &domain.StoredTransaction{TransactionID: "tx-1", UserID: "user-1", Type: domain.TxDeposit, Amount: 100, Currency: "USD", Timestamp: time.Now().UTC()}
	if err := repo.Save(ctx, tx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, tx); err != nil {
		t.Fatalf("redelivered Save should be benign: %v", err)
	}
}
