// Package events defines the event record shared by the durable log, the
// live bus, and the stream broker.
package events

import (
	"time"
)

// Type identifies an event within the closed platform taxonomy. Types use
// dotted prefixes (run.*, node.*, doc.*, job.*, tool.*, billing.*, hook.*,
// schedule.*, policy.*, bus.*).
type Type string

const (
	TypeRunStarted   Type = "run.started"
	TypeRunCompleted Type = "run.completed"

	TypeNodeStarted   Type = "node.started"
	TypeNodeSucceeded Type = "node.succeeded"
	TypeNodeFailed    Type = "node.failed"
	TypeNodeSkipped   Type = "node.skipped"
	TypeNodeRetry     Type = "node.retry"
	TypeNodeWarning   Type = "node.warning"
	TypeNodeToken     Type = "node.token"

	TypeDocCreated Type = "doc.created"
	TypeDocUpdated Type = "doc.updated"
	TypeDocDeleted Type = "doc.deleted"

	TypeWorkspaceFileCreated Type = "workspace.file_created"
	TypeWorkspaceFileUpdated Type = "workspace.file_updated"
	TypeWorkspaceFileDeleted Type = "workspace.file_deleted"

	TypeJobStarted Type = "job.started"
	TypeJobStopped Type = "job.stopped"

	TypeToolCalled    Type = "tool.called"
	TypeToolCompleted Type = "tool.completed"
	TypeToolDenied    Type = "tool.denied"

	TypeBillingUsage          Type = "billing.usage"
	TypeBillingBudgetExceeded Type = "billing.budget_exceeded"

	TypeHookFired      Type = "hook.fired"
	TypeHookSuppressed Type = "hook.suppressed"

	TypeScheduleFired  Type = "schedule.fired"
	TypeScheduleMissed Type = "schedule.missed"

	TypeChatResult    Type = "chat.result"
	TypeChatReasoning Type = "chat.reasoning"

	TypePolicyLLMBlocked Type = "policy.llm_blocked"
	TypePlanPending      Type = "plan.pending"
	TypePlanResolved     Type = "plan.resolved"

	TypeBusDropped Type = "bus.dropped"
)

// Scope names the stream an event belongs to.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
	ScopeRun     Scope = "run"
)

// Risk grades an event for UI display and hook gating.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Event is one record in an event stream. EventID is assigned by the log at
// append time and is monotonic per stream.
type Event struct {
	EventID   int64          `json:"event_id"`
	TS        time.Time      `json:"ts"`
	Scope     Scope          `json:"scope"`
	ProjectID string         `json:"project_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Type      Type           `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Risk      Risk           `json:"risk,omitempty"`

	// DedupeKey lets the live bus coalesce bursts; never persisted logic,
	// only a routing hint.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// New builds an event with the timestamp set; EventID is left for the log.
func New(scope Scope, typ Type, projectID string) Event {
	return Event{
		TS:        time.Now().UTC(),
		Scope:     scope,
		Type:      typ,
		ProjectID: projectID,
	}
}

// WithPayload returns a copy carrying the payload map.
func (e Event) WithPayload(payload map[string]any) Event {
	e.Payload = payload
	return e
}
