// Package chains implements the Chain Runner (spec.md §4.5): static DAG
// execution with provider steps, branching, parallel fan-out/join, and
// sub-chains, over resumable persisted ChainInstance state.
//
// Grounded on spec.md §4.5 directly (no teacher equivalent); step-output
// template rendering follows the pack's own text/template usage pattern
// (itsneelabh/gomind's TemplatePromptBuilder), and the per-chain-id lock
// discipline mirrors pkg/groups/pkg/eventsm's lock-load-modify-store idiom.
package chains

import "github.com/acteon/gateway/pkg/core"

// ChainOnFailure names a chain-level failure policy.
type ChainOnFailure string

const (
	OnFailureAbort      ChainOnFailure = "abort"
	OnFailureAbortNoDLQ ChainOnFailure = "abort_no_dlq"
	OnFailureContinue   ChainOnFailure = "continue"
)

// JoinPolicyKind names a Parallel step's join discipline.
type JoinPolicyKind string

const (
	JoinAll       JoinPolicyKind = "all"
	JoinAny       JoinPolicyKind = "any"
	JoinFirst     JoinPolicyKind = "first"
	JoinAtLeast   JoinPolicyKind = "at_least"
)

// JoinPolicy parameters a Parallel step's completion rule.
type JoinPolicy struct {
	Kind JoinPolicyKind
	K    int // only meaningful when Kind == JoinAtLeast
}

func (p JoinPolicy) satisfied(total, succeeded, failed int) bool {
	switch p.Kind {
	case JoinAll:
		return succeeded+failed >= total
	case JoinAny:
		return succeeded >= 1 || succeeded+failed >= total
	case JoinFirst:
		return succeeded >= 1 || failed >= total
	case JoinAtLeast:
		return succeeded >= p.K || succeeded+failed >= total
	default:
		return succeeded+failed >= total
	}
}

// StepKind names the three step shapes a Chain may contain.
type StepKind string

const (
	StepKindProvider  StepKind = "provider"
	StepKindParallel  StepKind = "parallel"
	StepKindSubChain  StepKind = "sub_chain"
)

// ParallelOnFailure names a Parallel step's sub-step failure policy.
type ParallelOnFailure string

const (
	ParallelFailFast  ParallelOnFailure = "fail_fast"
	ParallelContinue  ParallelOnFailure = "continue"
)

// Branch is one conditional edge out of a Provider step.
type Branch struct {
	Condition *core.CondTree
	Target    string
}

// Step is one node of a ChainDef's DAG.
type Step struct {
	Name string
	Kind StepKind

	// Provider step fields.
	Provider        string
	ActionType      string
	PayloadTemplate string // text/template source, rendered against {action, steps}
	Branches        []Branch
	DefaultNext     string

	// Parallel step fields.
	SubSteps       []Step
	Join           JoinPolicy
	MaxConcurrency int
	OnParallelFail ParallelOnFailure

	// Sub-chain step fields.
	ChildDefinition string
}

// ChainDef is a named, static DAG (spec.md §4.5's `ChainDef`).
type ChainDef struct {
	Name      string
	Steps     []Step
	Entry     string // name of the first step; defaults to Steps[0].Name
	OnFailure ChainOnFailure
	Timeout   int64 // seconds; 0 means no deadline
}

func (d *ChainDef) entry() string {
	if d.Entry != "" {
		return d.Entry
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].Name
	}
	return ""
}

func (d *ChainDef) step(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
