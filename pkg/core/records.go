package core

import "time"

// Lock represents a held distributed lock token (spec.md §4.1 acquire_lock).
type Lock struct {
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventState is the current state name of an Event State-Machine instance.
type EventState string

// EventRecord is the persisted state of one Event State-Machine fingerprint
// (spec.md §4.7), a per-(namespace,tenant,fingerprint) lifecycle row.
type EventRecord struct {
	Namespace     string                 `json:"namespace"`
	Tenant        string                 `json:"tenant"`
	StateMachine  string                 `json:"state_machine"`
	Fingerprint   string                 `json:"fingerprint"`
	State         EventState             `json:"state"`
	Context       map[string]Value       `json:"context,omitempty"`
	EnteredAt     time.Time              `json:"entered_at"`
	TimeoutAt     time.Time              `json:"timeout_at,omitempty"`
	LastActionID  string                 `json:"last_action_id,omitempty"`
	Version       int64                  `json:"version"`
}

// GroupRecord is the persisted state of one open batching window
// (spec.md §4.6), scoped to (namespace,tenant,policy).
type GroupRecord struct {
	Namespace  string    `json:"namespace"`
	Tenant     string    `json:"tenant"`
	GroupKey   string    `json:"group_key"`
	Members    []*Action `json:"members"`
	OpenedAt   time.Time `json:"opened_at"`
	FlushAt    time.Time `json:"flush_at"`
	MaxSize    int       `json:"max_size"`
	Provider   string    `json:"provider,omitempty"`
	ActionType string    `json:"action_type,omitempty"`
	Version    int64     `json:"version"`
}

// ChainStepStatus is the run state of one Chain Runner step.
type ChainStepStatus string

const (
	StepPending   ChainStepStatus = "pending"
	StepRunning   ChainStepStatus = "running"
	StepSucceeded ChainStepStatus = "succeeded"
	StepFailed    ChainStepStatus = "failed"
	StepSkipped   ChainStepStatus = "skipped"
)

// ChainStepState is the persisted cursor for one step of a ChainInstance.
type ChainStepState struct {
	StepName string          `json:"step_name"`
	Status   ChainStepStatus `json:"status"`
	Outcome  *Outcome        `json:"outcome,omitempty"`
	Attempt  int             `json:"attempt"`
}

// ChainStatus is a ChainInstance's overall run status (spec.md §4.5).
type ChainStatus string

const (
	ChainRunning         ChainStatus = "running"
	ChainWaitingSubChain ChainStatus = "waiting_sub_chain"
	ChainCompleted       ChainStatus = "completed"
	ChainFailed          ChainStatus = "failed"
	ChainCancelled       ChainStatus = "cancelled"
	ChainExpired         ChainStatus = "expired"
)

// ChainInstance is a running (or completed) Chain Runner execution
// (spec.md §4.5), persisted after every step so it can resume after a crash.
type ChainInstance struct {
	ID             string                     `json:"id"`
	Namespace      string                     `json:"namespace"`
	Definition     string                     `json:"definition"`
	RootAction     *Action                    `json:"root_action"`
	Status         ChainStatus                `json:"status"`
	Steps          map[string]*ChainStepState `json:"steps"`
	Cursor         []string                   `json:"cursor"`
	ExecutionPath  []string                   `json:"execution_path,omitempty"`
	ParentChainID  string                     `json:"parent_chain_id,omitempty"`
	ChildChainIDs  []string                   `json:"child_chain_ids,omitempty"`
	StartedAt      time.Time                  `json:"started_at"`
	DeadlineAt     time.Time                  `json:"deadline_at,omitempty"`
	Version        int64                      `json:"version"`
}

// Terminal reports whether the instance can no longer advance.
func (c *ChainInstance) Terminal() bool {
	switch c.Status {
	case ChainCompleted, ChainFailed, ChainCancelled, ChainExpired:
		return true
	default:
		return false
	}
}

// AuditRecord is one append-only entry in the Audit Recorder's log
// (spec.md §4.8), optionally chained via PrevHash/SelfHash.
type AuditRecord struct {
	ID          string           `json:"id"`
	Namespace   string           `json:"namespace"`
	Tenant      string           `json:"tenant"`
	ActionID    string           `json:"action_id"`
	Provider    string           `json:"provider,omitempty"`
	ActionType  string           `json:"action_type,omitempty"`
	MatchedRule string           `json:"matched_rule,omitempty"`
	Verdict     *Verdict         `json:"verdict,omitempty"`
	Outcome     *Outcome         `json:"outcome,omitempty"`
	Payload     Payload          `json:"payload,omitempty"`
	RecordedAt  time.Time        `json:"recorded_at"`
	PrevHash    []byte           `json:"prev_hash,omitempty"`
	SelfHash    []byte           `json:"self_hash,omitempty"`
	Redacted    []string         `json:"redacted_fields,omitempty"`
}

// ApprovalStatus is a pending approval's current disposition.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRecord is the persisted state of one Approval verdict (spec.md
// §4.4 "Approval → persist pending; return PendingApproval").
type ApprovalRecord struct {
	TokenID    string         `json:"token_id"`
	Namespace  string         `json:"namespace"`
	Action     *Action        `json:"action"`
	MatchedRule string        `json:"matched_rule,omitempty"`
	Approvers  []string       `json:"approvers,omitempty"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// DLQReason classifies why an Action landed in the dead-letter queue.
type DLQReason string

const (
	DLQExhaustedRetries DLQReason = "exhausted_retries"
	DLQFatalError       DLQReason = "fatal_error"
	DLQChainDeadline    DLQReason = "chain_deadline"
)

// DLQEntry is a permanently-failed unit of work held for manual drain
// (spec.md §4.3).
type DLQEntry struct {
	ID         string    `json:"id"`
	Namespace  string    `json:"namespace"`
	Action     *Action   `json:"action"`
	Reason     DLQReason `json:"reason"`
	LastError  string    `json:"last_error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

// DLQStats summarizes the DLQ for admin inspection.
type DLQStats struct {
	Namespace string           `json:"namespace"`
	Count     int              `json:"count"`
	ByReason  map[DLQReason]int `json:"by_reason"`
	OldestAt  time.Time        `json:"oldest_at,omitempty"`
}
