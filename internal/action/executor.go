package action

import (
	"context"

	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Effect applies a succeeded action's change to the pipeline's working copy
// of the record, so later actions see it. It runs only after success.
type Effect func(rec *record.Record)

// Executor is the interface all action implementations must satisfy.
type Executor interface {
	// Type returns the action type this executor is registered under.
	Type() rule.ActionType
	// Execute performs one attempt. rec is a private copy. Side effects go
	// through the collaborators in env.
	Execute(ctx context.Context, a rule.Action, rec *record.Record, env Env) (Effect, error)
}

// Env carries the external collaborators an action pipeline runs against,
// plus the rule it belongs to.
type Env struct {
	RuleID   string
	RuleName string

	Status   StatusStore
	Notifier Notifier
	Webhooks WebhookCaller
}

// StatusStore is mutated by approve, reject, flag and categorize actions.
type StatusStore interface {
	SetStatus(ctx context.Context, recordID string, status record.Status, reason string) error
	SetCategory(ctx context.Context, recordID, category string) error
}

// Notification is a rendered message for a notifier channel.
type Notification struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	RuleID    string `json:"rule_id"`
	RuleName  string `json:"rule_name"`
	RecordID  string `json:"record_id"`
}

// Notifier delivers notifications (email, chat, social).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WebhookRequest is one outbound webhook call.
type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Payload interface{}
}

// WebhookCaller performs webhook calls.
type WebhookCaller interface {
	Call(ctx context.Context, req WebhookRequest) error
}
