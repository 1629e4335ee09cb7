package rule

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionType names a kind of action.
type ActionType string

const (
	ActionApprove    ActionType = "approve"
	ActionReject     ActionType = "reject"
	ActionCategorize ActionType = "categorize"
	ActionFlag       ActionType = "flag"
	ActionNotify     ActionType = "notify"
	ActionWebhook    ActionType = "webhook"
	ActionDelay      ActionType = "delay"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{
	ActionApprove, ActionReject, ActionCategorize, ActionFlag,
	ActionNotify, ActionWebhook, ActionDelay,
}

// Terminal reports whether the action sets a final disposition.
func (t ActionType) Terminal() bool {
	return t == ActionApprove || t == ActionReject
}

// ParseActionType is case-insensitive. "email" is accepted as a notify
// action on the email channel.
func ParseActionType(s string) (ActionType, error) {
	v := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if v == "email" {
		return ActionNotify, nil
	}
	for _, t := range ActionTypes {
		if v == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// Params is the typed parameter set of one action. The concrete type always
// matches the action's Type.
type Params interface {
	ActionType() ActionType
	toMap() map[string]interface{}
}

type ApproveParams struct {
	Reason string
}

type RejectParams struct {
	Reason string
}

type CategorizeParams struct {
	Category string
}

type FlagParams struct {
	Reason string
}

// NotifyParams sends a rendered message through a notifier channel.
// Template is a text/template executed with the record.
type NotifyParams struct {
	Channel   string
	Recipient string
	Subject   string
	Template  string
}

// WebhookParams posts the record to URL.
type WebhookParams struct {
	URL     string
	Method  string
	Headers map[string]string
}

// DelayParams suspends the rest of the pipeline.
type DelayParams struct {
	Duration time.Duration
}

func (ApproveParams) ActionType() ActionType    { return ActionApprove }
func (RejectParams) ActionType() ActionType     { return ActionReject }
func (CategorizeParams) ActionType() ActionType { return ActionCategorize }
func (FlagParams) ActionType() ActionType       { return ActionFlag }
func (NotifyParams) ActionType() ActionType     { return ActionNotify }
func (WebhookParams) ActionType() ActionType    { return ActionWebhook }
func (DelayParams) ActionType() ActionType      { return ActionDelay }

func (p ApproveParams) toMap() map[string]interface{}    { return optional("reason", p.Reason) }
func (p RejectParams) toMap() map[string]interface{}     { return optional("reason", p.Reason) }
func (p CategorizeParams) toMap() map[string]interface{} { return optional("category", p.Category) }
func (p FlagParams) toMap() map[string]interface{}       { return optional("reason", p.Reason) }

func (p NotifyParams) toMap() map[string]interface{} {
	m := optional("channel", p.Channel)
	for k, v := range map[string]string{"recipient": p.Recipient, "subject": p.Subject, "template": p.Template} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func (p WebhookParams) toMap() map[string]interface{} {
	m := optional("url", p.URL)
	if p.Method != "" {
		m["method"] = p.Method
	}
	if len(p.Headers) > 0 {
		h := make(map[string]interface{}, len(p.Headers))
		for k, v := range p.Headers {
			h[k] = v
		}
		m["headers"] = h
	}
	return m
}

func (p DelayParams) toMap() map[string]interface{} {
	return map[string]interface{}{"duration": p.Duration.String()}
}

func optional(key, v string) map[string]interface{} {
	m := make(map[string]interface{})
	if v != "" {
		m[key] = v
	}
	return m
}

// Action is one step of a rule's pipeline.
type Action struct {
	Type       ActionType
	Params     Params
	RetryCount int
	TimeoutMs  int
}

// Timeout returns TimeoutMs as a duration, or def when unset.
func (a Action) Timeout(def time.Duration) time.Duration {
	if a.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func (a Action) String() string {
	return string(a.Type)
}

// actionWire is the serialized form: parameters travel as a plain mapping.
type actionWire struct {
	Type       string                 `json:"type" yaml:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RetryCount int                    `json:"retryCount" yaml:"retry_count,omitempty"`
	TimeoutMs  int                    `json:"timeoutMs" yaml:"timeout_ms,omitempty"`
}

func (a Action) wire() actionWire {
	w := actionWire{Type: string(a.Type), RetryCount: a.RetryCount, TimeoutMs: a.TimeoutMs}
	if a.Params != nil {
		w.Parameters = a.Params.toMap()
	}
	return w
}

func (a *Action) fromWire(w actionWire) error {
	t, err := ParseActionType(w.Type)
	if err != nil {
		return &ValidationError{Problems: []Problem{{Path: "type", Message: err.Error()}}}
	}
	params, err := DecodeParams(t, w.Parameters)
	if err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(w.Type), "email") {
		np := params.(NotifyParams)
		if np.Channel == "" {
			np.Channel = "email"
		}
		params = np
	}
	*a = Action{Type: t, Params: params, RetryCount: w.RetryCount, TimeoutMs: w.TimeoutMs}
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.wire())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return a.fromWire(w)
}

func (a Action) MarshalYAML() (interface{}, error) {
	return a.wire(), nil
}

func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	var w actionWire
	if err := value.Decode(&w); err != nil {
		return err
	}
	return a.fromWire(w)
}

// DecodeParams builds the typed parameters for t from a loose mapping.
// Problems are reported with paths under "parameters".
func DecodeParams(t ActionType, m map[string]interface{}) (Params, error) {
	d := paramDecoder{m: m, errs: &ValidationError{}}
	var p Params
	switch t {
	case ActionApprove:
		p = ApproveParams{Reason: d.str("reason")}
	case ActionReject:
		p = RejectParams{Reason: d.str("reason")}
	case ActionCategorize:
		p = CategorizeParams{Category: d.required("category")}
	case ActionFlag:
		p = FlagParams{Reason: d.str("reason")}
	case ActionNotify:
		p = NotifyParams{
			Channel:   d.str("channel"),
			Recipient: d.str("recipient"),
			Subject:   d.str("subject"),
			Template:  d.str("template"),
		}
		// "message" is the dashboard's name for a plain template.
		if np := p.(NotifyParams); np.Template == "" {
			np.Template = d.str("message")
			p = np
		}
	case ActionWebhook:
		p = WebhookParams{
			URL:     d.required("url"),
			Method:  strings.ToUpper(d.str("method")),
			Headers: d.headers("headers"),
		}
	case ActionDelay:
		p = DelayParams{Duration: d.duration()}
	default:
		return nil, &ValidationError{Problems: []Problem{{Path: "type", Message: fmt.Sprintf("unknown action type %q", t)}}}
	}
	if err := d.errs.err(); err != nil {
		return nil, err
	}
	return p, nil
}

type paramDecoder struct {
	m    map[string]interface{}
	errs *ValidationError
}

func (d paramDecoder) str(key string) string {
	v, ok := d.m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.errs.add("parameters."+key, "must be a string, got %T", v)
		return ""
	}
	return strings.TrimSpace(s)
}

func (d paramDecoder) required(key string) string {
	n := len(d.errs.Problems)
	s := d.str(key)
	if s == "" && len(d.errs.Problems) == n {
		d.errs.add("parameters."+key, "is required")
	}
	return s
}

func (d paramDecoder) headers(key string) map[string]string {
	v, ok := d.m[key]
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		d.errs.add("parameters."+key, "must be a mapping of strings")
		return nil
	}
	out := make(map[string]string, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, ok := raw[k].(string)
		if !ok {
			d.errs.add("parameters."+key+"."+k, "must be a string")
			continue
		}
		out[http.CanonicalHeaderKey(k)] = s
	}
	return out
}

// duration reads "duration" ("30s", "2m") or "ms" (milliseconds).
func (d paramDecoder) duration() time.Duration {
	if s := d.str("duration"); s != "" {
		dur, err := time.ParseDuration(s)
		if err != nil {
			d.errs.add("parameters.duration", "invalid duration %q", s)
			return 0
		}
		return dur
	}
	if v, ok := d.m["ms"]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Millisecond
		case int64:
			return time.Duration(n) * time.Millisecond
		case float64:
			return time.Duration(n * float64(time.Millisecond))
		}
		d.errs.add("parameters.ms", "must be a number, got %T", v)
		return 0
	}
	d.errs.add("parameters", "delay needs duration or ms")
	return 0
}

// validateURL accepts absolute http(s) URLs only.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
