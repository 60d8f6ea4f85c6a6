package core

import "time"

// VerdictKind discriminates the Verdict sum type (spec.md §3).
type VerdictKind string

const (
	VerdictAllow    VerdictKind = "allow"
	VerdictSuppress VerdictKind = "suppress"
	VerdictModify   VerdictKind = "modify"
	VerdictReroute  VerdictKind = "reroute"
	VerdictThrottle VerdictKind = "throttle"
	VerdictGroup    VerdictKind = "group"
	VerdictApproval VerdictKind = "approval"
	VerdictChain    VerdictKind = "chain"
	VerdictSchedule VerdictKind = "schedule"
	VerdictDedup    VerdictKind = "dedup"
)

// DefaultAllowRule is the synthetic rule name attributed to an Allow verdict
// produced when no rule matched (spec.md §4.2.4).
const DefaultAllowRule = "default-allow"

// GroupPolicy parameters a Group verdict (spec.md §4.6).
type GroupPolicy struct {
	KeyExpr         string        `json:"key_expr"`
	Wait            time.Duration `json:"wait"`
	Interval        time.Duration `json:"interval"`
	MaxSize         int           `json:"max_size"`
	MaxWaitCeiling  time.Duration `json:"max_wait_ceiling"`
	NotifyProvider  string        `json:"notify_provider"`
	NotifyActionTyp string        `json:"notify_action_type"`
}

// ApprovalPolicy parameters an Approval verdict.
type ApprovalPolicy struct {
	Approvers []string      `json:"approvers,omitempty"`
	TTL       time.Duration `json:"ttl"`
}

// ChainDefRef names the chain definition a Chain verdict starts.
type ChainDefRef struct {
	DefinitionName string `json:"definition_name"`
}

// StateMachineEffect parameters a StateMachine (event fingerprinting) effect.
// Not part of the original Verdict enum in spec.md §3's literal listing, but
// required by §4.7's "Rule effect StateMachine(sm_name, fingerprint_fields)":
// carried as a distinct field group on Verdict rather than a new VerdictKind
// so existing switch statements over VerdictKind stay exhaustive per spec.
type StateMachineEffect struct {
	Name              string   `json:"name"`
	FingerprintFields []string `json:"fingerprint_fields"`
}

// Verdict is the Rule Evaluator's decision, paired with the rule that
// produced it (or DefaultAllowRule).
type Verdict struct {
	Kind VerdictKind `json:"kind"`
	Rule string      `json:"rule"`

	// Suppress
	SuppressReason string `json:"suppress_reason,omitempty"`

	// Modify
	NewPayload Payload `json:"new_payload,omitempty"`

	// Reroute
	NewProvider string `json:"new_provider,omitempty"`

	// Throttle
	ThrottleScope  string        `json:"throttle_scope,omitempty"`
	ThrottleLimit  int           `json:"throttle_limit,omitempty"`
	ThrottleWindow time.Duration `json:"throttle_window,omitempty"`

	// Group
	Group *GroupPolicy `json:"group,omitempty"`

	// Approval
	Approval *ApprovalPolicy `json:"approval,omitempty"`

	// Chain
	Chain *ChainDefRef `json:"chain,omitempty"`

	// Schedule
	At time.Time `json:"at,omitempty"`

	// Dedup
	DedupKey string        `json:"dedup_key,omitempty"`
	DedupTTL time.Duration `json:"dedup_ttl,omitempty"`

	// StateMachine (§4.7) — optional, orthogonal to Kind; a rule's effect can
	// carry a state-machine transition alongside (most commonly combined
	// with) an Allow verdict.
	StateMachine *StateMachineEffect `json:"state_machine,omitempty"`
}

// Allow builds the default/explicit allow verdict.
func Allow(rule string) Verdict {
	return Verdict{Kind: VerdictAllow, Rule: rule}
}
