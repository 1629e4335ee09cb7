package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpRegex       Operator = "regex"
)

// Negated reports whether a missing field satisfies the operator.
func (op Operator) Negated() bool {
	return op == OpNotEquals || op == OpNotContains
}

// operandTypes lists the field types each operator may be applied to.
var operandTypes = map[Operator][]record.FieldType{
	OpEquals:      {record.TypeString, record.TypeNumber, record.TypeBool, record.TypeTime},
	OpNotEquals:   {record.TypeString, record.TypeNumber, record.TypeBool, record.TypeTime},
	OpContains:    {record.TypeString},
	OpNotContains: {record.TypeString},
	OpStartsWith:  {record.TypeString},
	OpEndsWith:    {record.TypeString},
	OpGreaterThan: {record.TypeNumber, record.TypeTime},
	OpLessThan:    {record.TypeNumber, record.TypeTime},
	OpBetween:     {record.TypeNumber, record.TypeTime},
	OpRegex:       {record.TypeString},
}

// Logical joins a condition to the running result of the conditions before it.
type Logical string

const (
	And Logical = "AND"
	Or  Logical = "OR"
)

// Condition is a single typed predicate over one record field.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
	Logical  Logical     `json:"logicalOperator,omitempty" yaml:"logical_operator,omitempty"`
}

func (c Condition) String() string {
	s := fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
	if c.Logical != "" {
		s = string(c.Logical) + " " + s
	}
	return s
}

// toFloat64 coerces a numeric value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toNumber is toFloat64 plus parsing of numeric strings. Coercion from
// strings only ever happens for fields declared numeric.
func toNumber(v interface{}) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, !math.IsNaN(f)
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(f) {
			return f, true
		}
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(b))
		return p, err == nil
	}
	return false, false
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// toTime accepts time.Time, RFC3339-ish strings and unix seconds.
func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	if f, ok := toFloat64(v); ok {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

// stringify renders a field value the way string operators see it.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}

// fold applies Unicode case folding. A Caser is stateful, so one is made
// per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// equalNumbers compares with the same tolerance the expression engine used.
func equalNumbers(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
