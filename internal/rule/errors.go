package rule

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned (wrapped with the rule id) for unknown rules.
var ErrNotFound = errors.New("rule not found")

// ErrExists is returned when creating a rule whose id is already taken.
var ErrExists = errors.New("rule already exists")

// Problem is one validation failure. Path locates the offending element,
// e.g. "conditions[1].value" or "actions[0].parameters.url".
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Path == "" {
		return p.Message
	}
	return p.Path + ": " + p.Message
}

// ValidationError reports a malformed rule. Nothing is persisted when a CRUD
// call returns one.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	if len(msgs) == 1 {
		return "rule validation: " + msgs[0]
	}
	return fmt.Sprintf("rule validation errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// add appends a problem.
func (e *ValidationError) add(path, format string, args ...interface{}) {
	e.Problems = append(e.Problems, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

// prefixed adds every problem of other under prefix.
func (e *ValidationError) prefixed(prefix string, other *ValidationError) {
	for _, p := range other.Problems {
		path := prefix
		if p.Path != "" {
			path = prefix + "." + p.Path
		}
		e.Problems = append(e.Problems, Problem{Path: path, Message: p.Message})
	}
}

// err returns nil when no problems were collected.
func (e *ValidationError) err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProblemsOf returns the problems carried by err, or nil.
func ProblemsOf(err error) []Problem {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Problems
	}
	return nil
}
