package condition

import (
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
)

// EvalContext provides data for condition evaluation.
// *record.Record satisfies it.
type EvalContext interface {
	Lookup(field string) (interface{}, bool)
	Now() time.Time
}

// Evaluate compiles c against schema and evaluates it. A condition that does
// not compile evaluates to false; callers on the hot path should Compile once
// and reuse the result.
func Evaluate(c Condition, schema *record.Schema, ctx EvalContext) bool {
	cc, err := Compile(c, schema)
	if err != nil {
		return false
	}
	return cc.Evaluate(ctx)
}

// Evaluate reports whether the record satisfies the condition. It is pure:
// relative time literals resolve against ctx.Now(), not the wall clock.
//
// A missing field never satisfies a positive predicate, but trivially
// satisfies not_equals and not_contains.
func (c *Compiled) Evaluate(ctx EvalContext) bool {
	v, ok := ctx.Lookup(c.Field)
	if !ok {
		return c.Operator.Negated()
	}
	switch c.Operator {
	case OpEquals:
		return c.equals(v, ctx.Now())
	case OpNotEquals:
		return !c.equals(v, ctx.Now())
	case OpContains:
		return strings.Contains(fold(stringify(v)), c.folded)
	case OpNotContains:
		return !strings.Contains(fold(stringify(v)), c.folded)
	case OpStartsWith:
		return strings.HasPrefix(fold(stringify(v)), c.folded)
	case OpEndsWith:
		return strings.HasSuffix(fold(stringify(v)), c.folded)
	case OpGreaterThan, OpLessThan:
		return c.order(v, ctx.Now())
	case OpBetween:
		return c.between(v, ctx.Now())
	case OpRegex:
		return c.re != nil && c.re.MatchString(stringify(v))
	}
	return false
}

func (c *Compiled) equals(v interface{}, now time.Time) bool {
	switch c.fieldType {
	case record.TypeNumber:
		f, ok := toNumber(v)
		return ok && equalNumbers(f, c.num)
	case record.TypeBool:
		b, ok := toBool(v)
		return ok && b == c.boolean
	case record.TypeTime:
		t, ok := toTime(v)
		return ok && t.Equal(c.at.resolve(now))
	}
	return stringify(v) == c.str
}

func (c *Compiled) order(v interface{}, now time.Time) bool {
	if c.fieldType == record.TypeTime {
		t, ok := toTime(v)
		if !ok {
			return false
		}
		ref := c.at.resolve(now)
		if c.Operator == OpGreaterThan {
			return t.After(ref)
		}
		return t.Before(ref)
	}
	f, ok := toNumber(v)
	if !ok {
		return false
	}
	if c.Operator == OpGreaterThan {
		return f > c.num
	}
	return f < c.num
}

func (c *Compiled) between(v interface{}, now time.Time) bool {
	if c.fieldType == record.TypeTime {
		t, ok := toTime(v)
		if !ok {
			return false
		}
		lo, hi := c.low.t.resolve(now), c.high.t.resolve(now)
		return !t.Before(lo) && !t.After(hi)
	}
	f, ok := toNumber(v)
	return ok && f >= c.low.num && f <= c.high.num
}

// Match folds the conditions left to right. The running result starts as the
// first condition's value; every later condition is joined to it with its own
// logical operator (AND when unset). There is no precedence and no grouping:
// [A, OR B, AND C] is (A OR B) AND C.
//
// A condition whose operator cannot change the running result (AND after
// false, OR after true) is not evaluated; its trace entry stays false.
// The first condition's logical operator is ignored.
func Match(conds []*Compiled, ctx EvalContext) (bool, []bool) {
	trace := make([]bool, len(conds))
	if len(conds) == 0 {
		return false, trace
	}
	result := conds[0].Evaluate(ctx)
	trace[0] = result
	for i := 1; i < len(conds); i++ {
		c := conds[i]
		switch c.Logical {
		case Or:
			if result {
				continue // short-circuit
			}
		default:
			if !result {
				continue // short-circuit
			}
		}
		trace[i] = c.Evaluate(ctx)
		result = trace[i]
	}
	return result, trace
}
