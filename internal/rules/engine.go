// Package rules implements the two-phase Rule Engine of SPEC_FULL §4.2:
// a short-circuiting set of definitive rules (Phase A) followed by an
// additive risk score (Phase B), evaluated deterministically against
// one TransactionEvent.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/fraudtriage/engine/internal/domain"
)

// VelocityChecker answers the "rapid deposit/withdrawal churn" predicate:
// whether an opposite-typed transaction was recorded for the same user
// within the configured sliding window.
type VelocityChecker interface {
	HasOppositeTypeWithinWindow(ctx context.Context, userID string, txType domain.TransactionType, at time.Time) (bool, error)
}

// Thresholds holds the Phase B decision boundaries of §4.2. Zero value
// is invalid; use DefaultThresholds.
type Thresholds struct {
	ApproveBelow float64
	BlockAbove   float64
}

// DefaultThresholds matches the fixed boundaries named in §4.2.
func DefaultThresholds() Thresholds {
	return Thresholds{ApproveBelow: 0.15, BlockAbove: 0.75}
}

// phaseARule is a short-circuiting definitive rule. Rules are tried in
// declared order; the first match wins.
type phaseARule struct {
	name       string
	program    cel.Program
	decision   domain.Decision
	confidence float64
	signal     func(activation map[string]any) (string, any)
}

// phaseBRule is an additive risk contribution.
type phaseBRule struct {
	name    string
	program cel.Program
	delta   float64
	signal  func(activation map[string]any) (string, any)
}

// Engine is the stateless, deterministic Rule Engine. It holds
// pre-compiled CEL programs for every fixed rule in §4.2; evaluation
// never mutates engine state, satisfying the determinism property P2.
type Engine struct {
	env        *cel.Env
	phaseA     []phaseARule
	phaseB     []phaseBRule
	thresholds Thresholds
	velocity   VelocityChecker
}

// NewEngine compiles the fixed rule table of §4.2 against a CEL
// environment typed for TransactionEvent fields: a CEL environment
// plus precompiled programs evaluating a closed rule table, rather
// than database-configured ones.
func NewEngine(velocity VelocityChecker, thresholds Thresholds) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("sanctioned_country", cel.BoolType),
		cel.Variable("declared_monthly_income", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("vpn", cel.BoolType),
		cel.Variable("high_risk_country", cel.BoolType),
		cel.Variable("total_users_count", cel.IntType),
		cel.Variable("rapid_churn", cel.BoolType),
		cel.Variable("document_confidence", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: failed to build CEL environment: %w", err)
	}

	e := &Engine{env: env, thresholds: thresholds, velocity: velocity}

	compile := func(expr string) (cel.Program, error) {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rules: failed to compile %q: %w", expr, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rules: failed to build program for %q: %w", expr, err)
		}
		return prg, nil
	}

	sanctioned, err := compile("sanctioned_country")
	if err != nil {
		return nil, err
	}
	incomeMismatch, err := compile("declared_monthly_income > 0.0 && amount > 15.0 * declared_monthly_income")
	if err != nil {
		return nil, err
	}
	vpnHighRisk, err := compile("vpn && high_risk_country")
	if err != nil {
		return nil, err
	}
	multiDevice, err := compile("total_users_count > 5")
	if err != nil {
		return nil, err
	}
	rapidChurn, err := compile("rapid_churn")
	if err != nil {
		return nil, err
	}
	docIssues, err := compile("document_confidence < 0.70")
	if err != nil {
		return nil, err
	}

	e.phaseA = []phaseARule{
		{
			name:       "sanctions_match",
			program:    sanctioned,
			decision:   domain.DecisionBlock,
			confidence: 1.00,
			signal: func(map[string]any) (string, any) {
				return SignalSanctionsMatch, true
			},
		},
		{
			name:       "income_mismatch",
			program:    incomeMismatch,
			decision:   domain.DecisionBlock,
			confidence: 0.98,
			signal: func(a map[string]any) (string, any) {
				return SignalIncomeMismatch, map[string]any{
					"declared_monthly_income": a["declared_monthly_income"],
					"amount":                  a["amount"],
				}
			},
		},
	}

	e.phaseB = []phaseBRule{
		{
			name:    "vpn_detected",
			program: vpnHighRisk,
			delta:   0.25,
			signal:  func(map[string]any) (string, any) { return SignalVPNDetected, true },
		},
		{
			name:    "multiple_devices",
			program: multiDevice,
			delta:   0.15,
			signal: func(a map[string]any) (string, any) {
				return SignalMultipleDevices, a["total_users_count"]
			},
		},
		{
			name:    "rapid_churn",
			program: rapidChurn,
			delta:   0.30,
			signal:  func(map[string]any) (string, any) { return SignalRapidChurn, true },
		},
		{
			name:    "document_issues",
			program: docIssues,
			delta:   0.20,
			signal: func(a map[string]any) (string, any) {
				return SignalDocumentIssues, a["document_confidence"]
			},
		},
	}

	return e, nil
}

// Evaluate applies Phase A then, if nothing matched, Phase B to event,
// per §4.2. It is the sole place that queries the VelocityChecker, so
// the churn predicate runs exactly once per evaluation.
func (e *Engine) Evaluate(ctx context.Context, event *domain.TransactionEvent) (domain.RuleResult, error) {
	activation, err := e.buildActivation(ctx, event)
	if err != nil {
		return domain.RuleResult{}, err
	}

	for _, rule := range e.phaseA {
		matched, err := e.evalBool(rule.program, activation)
		if err != nil {
			return domain.RuleResult{}, fmt.Errorf("rules: phase A rule %s: %w", rule.name, err)
		}
		if matched {
			key, val := rule.signal(activation)
			return domain.RuleResult{
				Decision:   rule.decision,
				Confidence: rule.confidence,
				RiskScore:  rule.confidence,
				Signals:    map[string]any{key: val},
			}, nil
		}
	}

	riskScore := 0.0
	signals := make(map[string]any, len(e.phaseB))
	for _, rule := range e.phaseB {
		matched, err := e.evalBool(rule.program, activation)
		if err != nil {
			return domain.RuleResult{}, fmt.Errorf("rules: phase B rule %s: %w", rule.name, err)
		}
		if matched {
			riskScore += rule.delta
			key, val := rule.signal(activation)
			signals[key] = val
		}
	}
	riskScore = domain.ClampUnit(riskScore)

	var decision domain.Decision
	var confidence float64
	switch {
	case riskScore < e.thresholds.ApproveBelow:
		decision, confidence = domain.DecisionApprove, 0.95
	case riskScore > e.thresholds.BlockAbove:
		decision, confidence = domain.DecisionBlock, 0.96
	default:
		decision, confidence = domain.DecisionInvestigate, 0.50
	}

	return domain.RuleResult{
		Decision:   decision,
		Confidence: confidence,
		RiskScore:  riskScore,
		Signals:    signals,
	}, nil
}

func (e *Engine) evalBool(prg cel.Program, activation map[string]any) (bool, error) {
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to bool, got %T", toGoValue(out))
	}
	return b, nil
}

func toGoValue(v ref.Val) any {
	return v.Value()
}

func (e *Engine) buildActivation(ctx context.Context, event *domain.TransactionEvent) (map[string]any, error) {
	var rapidChurn bool
	if e.velocity != nil {
		matched, err := e.velocity.HasOppositeTypeWithinWindow(ctx, event.UserID, event.Type, event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("rules: velocity check failed: %w", err)
		}
		rapidChurn = matched
	}

	activation := map[string]any{
		"sanctioned_country":      false,
		"declared_monthly_income": 0.0,
		"amount":                  event.Amount,
		"vpn":                     false,
		"high_risk_country":       false,
		"total_users_count":       int64(0),
		"rapid_churn":             rapidChurn,
		"document_confidence":     1.0,
	}

	if event.UserProfile != nil {
		activation["declared_monthly_income"] = event.UserProfile.DeclaredMonthlyIncome
	}
	if event.IPProfile != nil {
		activation["sanctioned_country"] = event.IPProfile.SanctionedCountry
		activation["vpn"] = event.IPProfile.VPN
		activation["high_risk_country"] = event.IPProfile.HighRiskCountry
	}
	if event.DeviceProfile != nil {
		activation["total_users_count"] = int64(event.DeviceProfile.TotalUsersCount)
	}
	if event.DocumentProfile != nil {
		activation["document_confidence"] = event.DocumentProfile.ConfidenceScore
	}

	return activation, nil
}
