package rule

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
)

var webhookMethods = map[string]bool{"POST": true, "PUT": true, "PATCH": true}

// Validate checks r against schema and returns its compiled conditions.
// Every problem found is reported, not just the first.
func Validate(r *Rule, schema *record.Schema) ([]*condition.Compiled, error) {
	ve := &ValidationError{}
	if strings.TrimSpace(r.Name) == "" {
		ve.add("name", "is required")
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		ve.add("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, r.Priority)
	}
	if r.Kind != "" && !r.Kind.valid() {
		ve.add("type", "unknown rule type %q", r.Kind)
	}
	if r.MaxExecutionsPerHour < 0 {
		ve.add("maxExecutionsPerHour", "must not be negative")
	}

	if len(r.Conditions) == 0 {
		ve.add("conditions", "at least one condition is required")
	}
	compiled := make([]*condition.Compiled, 0, len(r.Conditions))
	for i, c := range r.Conditions {
		cc, err := condition.Compile(c, schema)
		if err != nil {
			ve.add(fmt.Sprintf("conditions[%d]", i), "%v", err)
			continue
		}
		compiled = append(compiled, cc)
	}

	if len(r.Actions) == 0 {
		ve.add("actions", "at least one action is required")
	}
	for i, a := range r.Actions {
		if aerr := validateAction(a); aerr != nil {
			ve.prefixed(fmt.Sprintf("actions[%d]", i), aerr)
		}
	}

	if err := ve.err(); err != nil {
		return nil, err
	}
	return compiled, nil
}

func validateAction(a Action) *ValidationError {
	ve := &ValidationError{}
	if a.RetryCount < 0 {
		ve.add("retryCount", "must not be negative")
	}
	if a.TimeoutMs < 0 {
		ve.add("timeoutMs", "must not be negative")
	}
	if a.Params == nil {
		ve.add("parameters", "missing for %s action", a.Type)
		return ve
	}
	if a.Params.ActionType() != a.Type {
		ve.add("parameters", "%s parameters given for %s action", a.Params.ActionType(), a.Type)
		return ve
	}
	switch p := a.Params.(type) {
	case CategorizeParams:
		if p.Category == "" {
			ve.add("parameters.category", "is required")
		}
	case NotifyParams:
		if p.Template == "" {
			ve.add("parameters.template", "is required")
		} else if _, err := template.New("notify").Parse(p.Template); err != nil {
			ve.add("parameters.template", "%v", err)
		}
	case WebhookParams:
		if err := validateURL(p.URL); err != nil {
			ve.add("parameters.url", "invalid url %q: %v", p.URL, err)
		}
		if p.Method != "" && !webhookMethods[p.Method] {
			ve.add("parameters.method", "unsupported method %q", p.Method)
		}
	case DelayParams:
		if p.Duration <= 0 {
			ve.add("parameters.duration", "must be positive")
		}
	}
	if len(ve.Problems) == 0 {
		return nil
	}
	return ve
}

// normalize fills defaults that validation relies on being set.
func normalize(r *Rule, defaultTimeoutMs int) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Kind == "" {
		r.Kind = KindCustom
	}
	for i := range r.Actions {
		a := &r.Actions[i]
		if a.TimeoutMs == 0 && a.Type != ActionDelay {
			a.TimeoutMs = defaultTimeoutMs
		}
		if p, ok := a.Params.(WebhookParams); ok && p.Method == "" {
			p.Method = "POST"
			a.Params = p
		}
	}
}
