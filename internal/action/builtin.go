package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

var errNoStatusStore = errors.New("no status store configured")

// Builtins returns one executor per action type except delay, which the
// dispatcher handles itself.
func Builtins() []Executor {
	return []Executor{
		statusExecutor{typ: rule.ActionApprove, status: record.StatusApproved},
		statusExecutor{typ: rule.ActionReject, status: record.StatusRejected},
		statusExecutor{typ: rule.ActionFlag, status: record.StatusFlagged},
		categorizeExecutor{},
		&notifyExecutor{},
		webhookExecutor{},
	}
}

// statusExecutor moves the record to a disposition.
type statusExecutor struct {
	typ    rule.ActionType
	status record.Status
}

func (e statusExecutor) Type() rule.ActionType { return e.typ }

func (e statusExecutor) Execute(ctx context.Context, a rule.Action, rec *record.Record, env Env) (Effect, error) {
	if env.Status == nil {
		return nil, Permanent(errNoStatusStore)
	}
	var reason string
	switch p := a.Params.(type) {
	case rule.ApproveParams:
		reason = p.Reason
	case rule.RejectParams:
		reason = p.Reason
	case rule.FlagParams:
		reason = p.Reason
	}
	if reason == "" {
		reason = "rule " + env.RuleName
	}
	if err := env.Status.SetStatus(ctx, rec.ID, e.status, reason); err != nil {
		return nil, storeError("set status "+string(e.status), err)
	}
	status := e.status
	return func(r *record.Record) { r.Status = status }, nil
}

type categorizeExecutor struct{}

func (categorizeExecutor) Type() rule.ActionType { return rule.ActionCategorize }

func (categorizeExecutor) Execute(ctx context.Context, a rule.Action, rec *record.Record, env Env) (Effect, error) {
	if env.Status == nil {
		return nil, Permanent(errNoStatusStore)
	}
	p, ok := a.Params.(rule.CategorizeParams)
	if !ok {
		return nil, Permanent(fmt.Errorf("categorize: unexpected parameters %T", a.Params))
	}
	if err := env.Status.SetCategory(ctx, rec.ID, p.Category); err != nil {
		return nil, storeError("set category", err)
	}
	return func(r *record.Record) { r.Set("category", p.Category) }, nil
}

// storeError wraps a status store failure. Unknown records are not retried.
func storeError(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, record.ErrNotFound) {
		return Permanent(err)
	}
	return err
}

// notifyExecutor renders the template against the record and hands the
// message to the notifier. Parsed templates are cached by source.
type notifyExecutor struct {
	cache sync.Map // string → *template.Template
}

// templateData is what notification templates see.
type templateData struct {
	ID       string
	Status   record.Status
	Fields   map[string]interface{}
	RuleID   string
	RuleName string
	Now      time.Time
}

func (e *notifyExecutor) Type() rule.ActionType { return rule.ActionNotify }

func (e *notifyExecutor) Execute(ctx context.Context, a rule.Action, rec *record.Record, env Env) (Effect, error) {
	if env.Notifier == nil {
		return nil, Permanent(errors.New("no notifier configured"))
	}
	p, ok := a.Params.(rule.NotifyParams)
	if !ok {
		return nil, Permanent(fmt.Errorf("notify: unexpected parameters %T", a.Params))
	}
	tmpl, err := e.template(p.Template)
	if err != nil {
		return nil, Permanent(err)
	}
	var body strings.Builder
	data := templateData{
		ID:       rec.ID,
		Status:   rec.Status,
		Fields:   rec.Fields,
		RuleID:   env.RuleID,
		RuleName: env.RuleName,
		Now:      rec.Now(),
	}
	if err := tmpl.Execute(&body, data); err != nil {
		return nil, Permanent(fmt.Errorf("render template: %w", err))
	}
	n := Notification{
		Channel:   p.Channel,
		Recipient: p.Recipient,
		Subject:   p.Subject,
		Body:      body.String(),
		RuleID:    env.RuleID,
		RuleName:  env.RuleName,
		RecordID:  rec.ID,
	}
	if err := env.Notifier.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("notify %s: %w", p.Channel, err)
	}
	return nil, nil
}

func (e *notifyExecutor) template(src string) (*template.Template, error) {
	if t, ok := e.cache.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("notify").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	e.cache.Store(src, t)
	return t, nil
}

type webhookExecutor struct{}

func (webhookExecutor) Type() rule.ActionType { return rule.ActionWebhook }

func (webhookExecutor) Execute(ctx context.Context, a rule.Action, rec *record.Record, env Env) (Effect, error) {
	if env.Webhooks == nil {
		return nil, Permanent(errors.New("no webhook caller configured"))
	}
	p, ok := a.Params.(rule.WebhookParams)
	if !ok {
		return nil, Permanent(fmt.Errorf("webhook: unexpected parameters %T", a.Params))
	}
	req := WebhookRequest{
		URL:     p.URL,
		Method:  p.Method,
		Headers: p.Headers,
		Payload: map[string]interface{}{
			"rule_id":   env.RuleID,
			"rule_name": env.RuleName,
			"record":    rec,
		},
	}
	if err := env.Webhooks.Call(ctx, req); err != nil {
		return nil, fmt.Errorf("webhook %s: %w", p.URL, err)
	}
	return nil, nil
}
