// Package models defines the core domain types for the bridge daemon.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CommitmentState is the persisted lifecycle state of a commitment.
type CommitmentState string

const (
	CommitmentOpen   CommitmentState = "open"
	CommitmentClosed CommitmentState = "closed"
)

// TemporalState is the derived scheduling phase of a commitment. It is never
// stored; see temporal.Classify.
type TemporalState string

const (
	TemporalClosed    TemporalState = "closed"
	TemporalActive    TemporalState = "active"
	TemporalWaiting   TemporalState = "waiting"
	TemporalScheduled TemporalState = "scheduled"
	TemporalLate      TemporalState = "late"
	TemporalDue       TemporalState = "due"
)

// LatePolicy selects what the scheduler does with a late commitment.
type LatePolicy string

const (
	LatePolicyWarn     LatePolicy = "warn"
	LatePolicyFail     LatePolicy = "fail"
	LatePolicyEscalate LatePolicy = "escalate"
)

// Kind routes a commitment to a prompt template. It replaces sniffing the
// body for a marker prefix.
type Kind string

const (
	KindExecute Kind = "execute"
	KindCraft   Kind = "craft"
)

// legacyCraftPrefix is the body marker older producers use instead of Kind.
const legacyCraftPrefix = "/craft"

// Meta holds the optional scheduling attributes of a commitment. Timestamps
// are kept as the producer wrote them so malformed values survive decoding
// and are handled by the classifier. Decoding is lenient; see UnmarshalJSON.
type Meta struct {
	DueAt        string     `json:"due_at,omitempty"`
	ScheduledFor string     `json:"scheduled_for,omitempty"`
	Deadline     string     `json:"deadline,omitempty"`
	WaitUntil    string     `json:"wait_until,omitempty"`
	GracePeriod  *float64   `json:"grace_period,omitempty"` // minutes
	LatePolicy   LatePolicy `json:"late_policy,omitempty"`

	WaitFor    string   `json:"wait_for,omitempty"`
	WaitForAll []string `json:"wait_for_all,omitempty"`
	WaitForAny []string `json:"wait_for_any,omitempty"`
	Requires   []string `json:"requires,omitempty"`

	Affinity         string  `json:"affinity,omitempty"`
	WorkingDirectory string  `json:"working_directory,omitempty"`
	Timeout          float64 `json:"timeout,omitempty"` // minutes
	Instructions     string  `json:"instructions,omitempty"`
}

// UnmarshalJSON decodes meta written by loosely typed producers. Numbers
// given as numeric strings are parsed, a lone id where a list is expected
// becomes a one-element list, and any other mistyped field is dropped. Only
// a value that is neither an object nor null is an error.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("meta is not an object: %w", err)
	}
	*m = Meta{
		DueAt:            looseString(raw["due_at"]),
		ScheduledFor:     looseString(raw["scheduled_for"]),
		Deadline:         looseString(raw["deadline"]),
		WaitUntil:        looseString(raw["wait_until"]),
		GracePeriod:      looseNumber(raw["grace_period"]),
		LatePolicy:       LatePolicy(looseString(raw["late_policy"])),
		WaitFor:          looseString(raw["wait_for"]),
		WaitForAll:       looseList(raw["wait_for_all"]),
		WaitForAny:       looseList(raw["wait_for_any"]),
		Requires:         looseList(raw["requires"]),
		Affinity:         looseString(raw["affinity"]),
		WorkingDirectory: looseString(raw["working_directory"]),
		Instructions:     looseString(raw["instructions"]),
	}
	if t := looseNumber(raw["timeout"]); t != nil {
		m.Timeout = *t
	}
	return nil
}

func looseString(v json.RawMessage) string {
	var s string
	if len(v) == 0 || json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

func looseNumber(v json.RawMessage) *float64 {
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	var f float64
	if json.Unmarshal(v, &f) == nil {
		return &f
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func looseList(v json.RawMessage) []string {
	if len(v) == 0 {
		return nil
	}
	var items []json.RawMessage
	if json.Unmarshal(v, &items) != nil {
		if s := looseString(v); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range items {
		if s := looseString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Outcomes recorded when a commitment is closed.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Commitment is a unit of deferred, schedulable work owned by the ledger.
type Commitment struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Body        string          `json:"body"`
	Source      string          `json:"source,omitempty"`
	Kind        Kind            `json:"kind,omitempty"`
	State       CommitmentState `json:"state"`
	Owner       string          `json:"owner,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	Meta        Meta            `json:"meta"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Owned reports whether the commitment is currently claimed.
func (c *Commitment) Owned() bool {
	return c.Owner != ""
}

// ResolveKind returns the explicit kind, falling back to the legacy body
// prefix for producers that do not set one.
func ResolveKind(c *Commitment) Kind {
	if c.Kind != "" {
		return c.Kind
	}
	if strings.HasPrefix(strings.TrimSpace(c.Body), legacyCraftPrefix) {
		return KindCraft
	}
	return KindExecute
}

// WaitType names the dependency bucket reported as blocking.
type WaitType string

const (
	WaitRequires WaitType = "requires"
	WaitFor      WaitType = "wait_for"
	WaitForAll   WaitType = "wait_for_all"
	WaitForAny   WaitType = "wait_for_any"
)

// DependencyStatus is the derived outcome of a dependency check.
type DependencyStatus struct {
	Satisfied bool     `json:"satisfied"`
	BlockedBy []string `json:"blocked_by,omitempty"`
	WaitType  WaitType `json:"wait_type,omitempty"`
}

// CommandStatus is the lifecycle status of a dispatch command.
type CommandStatus string

const (
	CommandPending          CommandStatus = "pending"
	CommandClaimed          CommandStatus = "claimed"
	CommandRunning          CommandStatus = "running"
	CommandAwaitingApproval CommandStatus = "awaiting_approval"
	CommandApproved         CommandStatus = "approved"
	CommandCompleted        CommandStatus = "completed"
	CommandFailed           CommandStatus = "failed"
	CommandTimeout          CommandStatus = "timeout"
	CommandCancelled        CommandStatus = "cancelled"
	CommandRejected         CommandStatus = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimeout, CommandCancelled, CommandRejected:
		return true
	}
	return false
}

// CommandKind separates interactive spawns from queued bug executions.
type CommandKind string

const (
	CommandSpawn        CommandKind = "spawn"
	CommandBugExecution CommandKind = "bug_execution"
)

// ApprovalStatus tracks the human approval gate of a command.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
)

// Command is a concrete dispatch record produced by an external client.
type Command struct {
	ID                 string                 `json:"id"`
	WorkspaceID        string                 `json:"workspace_id"`
	Kind               CommandKind            `json:"command_type"`
	Prompt             string                 `json:"prompt"`
	WorkingDirectory   string                 `json:"working_directory"`
	Agent              string                 `json:"agent"`
	Flags              []string               `json:"flags,omitempty"`
	TimeoutSeconds     int                    `json:"timeout_seconds,omitempty"`
	TargetMachineID    string                 `json:"target_machine_id,omitempty"`
	Status             CommandStatus          `json:"status"`
	ClaimedByMachineID string                 `json:"claimed_by_machine_id,omitempty"`
	ClaimedAt          *time.Time             `json:"claimed_at,omitempty"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	ApprovalRequired   bool                   `json:"approval_required"`
	ApprovalStatus     ApprovalStatus         `json:"approval_status,omitempty"`
	OnApprove          string                 `json:"on_approve,omitempty"`
	CommitmentID       string                 `json:"commitment_id,omitempty"`
	Payload            map[string]interface{} `json:"payload,omitempty"`
	Result             *CommandResultState    `json:"result,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// PayloadString returns a string payload field, or "" when absent.
func (c *Command) PayloadString(key string) string {
	if c.Payload == nil {
		return ""
	}
	s, _ := c.Payload[key].(string)
	return s
}

// PayloadInt returns a numeric payload field, or 0 when absent.
func (c *Command) PayloadInt(key string) int {
	if c.Payload == nil {
		return 0
	}
	switch v := c.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// CommandResultState is the JSON blob kept in the command's result column:
// in-flight retry diagnostics or the terminal failure reason.
type CommandResultState struct {
	Success    *bool       `json:"success,omitempty"`
	Error      string      `json:"error,omitempty"`
	RetryState *RetryState `json:"retry_state,omitempty"`
}

// RetryState is diagnostic data attached to a command between attempts.
type RetryState struct {
	Attempt     int       `json:"attempt"`
	LastError   string    `json:"lastError"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

// ExecStatus is the outcome of one agent execution.
type ExecStatus string

const (
	ExecSuccess   ExecStatus = "success"
	ExecFailed    ExecStatus = "failed"
	ExecTimeout   ExecStatus = "timeout"
	ExecCancelled ExecStatus = "cancelled"
)

// ExecutionResult is the recorded outcome of running a command.
type ExecutionResult struct {
	Status          ExecStatus `json:"status"`
	ExitCode        int        `json:"exit_code"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	StdoutTruncated bool       `json:"stdout_truncated"`
	StderrTruncated bool       `json:"stderr_truncated"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at"`
}

// Annotation is an append-only note attached to a ledger item.
type Annotation struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target"`
	Body      string    `json:"body"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Capture is an append-only evidence or event record.
type Capture struct {
	ID        string                 `json:"id"`
	Body      string                 `json:"body"`
	Kind      string                 `json:"kind"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	MetaHash  string                 `json:"meta_hash,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Capture and annotation kinds written by the daemon.
const (
	KindExecutionFailure = "execution_failure"
	KindExecutionFailed  = "execution_failed"
	KindLateWarning      = "late_warning"
	KindLateFailure      = "late_failure"
	KindEscalation       = "escalation"
	KindTask             = "task"
	KindEvidence         = "evidence"
)
