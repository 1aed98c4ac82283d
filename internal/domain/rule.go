package domain

// Decision is the outcome of a Rule Engine evaluation.
type Decision string

const (
	DecisionApprove    Decision = "APPROVE"
	DecisionBlock      Decision = "BLOCK"
	DecisionInvestigate Decision = "INVESTIGATE"
)

// RuleResult is the transient output of evaluating the Rule Engine
// against one TransactionEvent.
type RuleResult struct {
	Decision   Decision
	Confidence float64
	RiskScore  float64
	Signals    map[string]any
}

// IsDefinitive reports whether the decision is APPROVE or BLOCK, as
// opposed to a gray-area INVESTIGATE. This holds both for a Phase A
// short-circuit and for a Phase B score that crossed a threshold.
func (r RuleResult) IsDefinitive() bool {
	return r.Decision == DecisionApprove || r.Decision == DecisionBlock
}
