package condition

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
)

// Compiled is a condition checked against a schema with its literal parsed
// once. Nothing is parsed at evaluation time.
type Compiled struct {
	Condition
	fieldType record.FieldType

	str     string
	folded  string
	num     float64
	boolean bool
	at      timeBound
	low     bound
	high    bound
	re      *regexp.Regexp
}

// FieldType is the declared type the condition was compiled against.
func (c *Compiled) FieldType() record.FieldType { return c.fieldType }

// TimeRelative reports whether the literal is relative to the evaluation
// instant ("-7d", "now"). Such conditions change their answer as time passes
// without the record changing.
func (c *Compiled) TimeRelative() bool {
	if c.fieldType != record.TypeTime {
		return false
	}
	if c.Operator == OpBetween {
		return c.low.t.relative || c.high.t.relative
	}
	return c.at.relative
}

// timeBound is an absolute instant or an offset from the evaluation instant.
type timeBound struct {
	abs      time.Time
	offset   time.Duration
	relative bool
}

func (b timeBound) resolve(now time.Time) time.Time {
	if b.relative {
		return now.Add(b.offset)
	}
	return b.abs
}

// bound is one end of a between range.
type bound struct {
	num float64
	t   timeBound
}

// Compile validates c against schema and prepares it for evaluation.
// The returned error describes the first problem found.
func Compile(c Condition, schema *record.Schema) (*Compiled, error) {
	if c.Field == "" {
		return nil, errors.New("field is required")
	}
	ft, ok := schema.Lookup(c.Field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", c.Field)
	}
	allowed, ok := operandTypes[c.Operator]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", c.Operator)
	}
	if !slices.Contains(allowed, ft) {
		return nil, fmt.Errorf("operator %s is not valid for %s field %q", c.Operator, ft, c.Field)
	}
	logical, err := parseLogical(c.Logical)
	if err != nil {
		return nil, err
	}
	c.Logical = logical
	if c.Value == nil {
		return nil, errors.New("value is required")
	}

	out := &Compiled{Condition: c, fieldType: ft}
	switch c.Operator {
	case OpBetween:
		err = out.compileBetween()
	case OpRegex:
		out.re, err = regexp.Compile(stringify(c.Value))
		if err != nil {
			err = fmt.Errorf("invalid regex %q: %w", stringify(c.Value), err)
		}
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		out.str = stringify(c.Value)
		out.folded = fold(out.str)
	default:
		err = out.compileScalar()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseLogical(l Logical) (Logical, error) {
	switch strings.ToUpper(strings.TrimSpace(string(l))) {
	case "":
		return "", nil
	case "AND":
		return And, nil
	case "OR":
		return Or, nil
	}
	return "", fmt.Errorf("unknown logical operator %q (must be AND or OR)", l)
}

func (c *Compiled) compileScalar() error {
	switch c.fieldType {
	case record.TypeNumber:
		f, ok := toNumber(c.Value)
		if !ok {
			return fmt.Errorf("value %v is not a number", c.Value)
		}
		c.num = f
	case record.TypeBool:
		b, ok := toBool(c.Value)
		if !ok {
			return fmt.Errorf("value %v is not a boolean", c.Value)
		}
		c.boolean = b
	case record.TypeTime:
		tb, err := parseTimeLiteral(c.Value)
		if err != nil {
			return err
		}
		c.at = tb
	default:
		c.str = stringify(c.Value)
	}
	return nil
}

func (c *Compiled) compileBetween() error {
	var parts []interface{}
	switch v := c.Value.(type) {
	case string:
		for _, p := range strings.Split(v, ",") {
			parts = append(parts, strings.TrimSpace(p))
		}
	case []interface{}:
		parts = v
	}
	if len(parts) != 2 {
		return fmt.Errorf("between value must be \"low,high\", got %v", c.Value)
	}
	for i, p := range parts {
		b := &c.low
		if i == 1 {
			b = &c.high
		}
		if c.fieldType == record.TypeNumber {
			f, ok := toNumber(p)
			if !ok {
				return fmt.Errorf("between bound %v is not a number", p)
			}
			b.num = f
			continue
		}
		tb, err := parseTimeLiteral(p)
		if err != nil {
			return fmt.Errorf("between bound: %w", err)
		}
		b.t = tb
	}
	if c.fieldType == record.TypeNumber && c.low.num > c.high.num {
		return fmt.Errorf("between low %v is greater than high %v", c.low.num, c.high.num)
	}
	if c.fieldType == record.TypeTime && !c.low.t.relative && !c.high.t.relative && c.low.t.abs.After(c.high.t.abs) {
		return fmt.Errorf("between low %s is after high %s", c.low.t.abs.Format(time.RFC3339), c.high.t.abs.Format(time.RFC3339))
	}
	return nil
}

// parseTimeLiteral accepts an absolute instant or an offset from now:
// "now", Go durations ("-72h") and day offsets ("-7d").
func parseTimeLiteral(v interface{}) (timeBound, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if strings.EqualFold(s, "now") {
			return timeBound{relative: true}, nil
		}
		if d, err := parseOffset(s); err == nil {
			return timeBound{offset: d, relative: true}, nil
		}
	}
	t, ok := toTime(v)
	if !ok {
		return timeBound{}, fmt.Errorf("value %v is not a timestamp or offset", v)
	}
	return timeBound{abs: t}, nil
}

func parseOffset(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}
