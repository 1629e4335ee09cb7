package action

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// ErrTimeout marks an attempt that exceeded the action's timeoutMs.
var ErrTimeout = errors.New("action attempt timed out")

// Permanent marks err as not worth retrying. The dispatcher stops retrying
// the action and records it as failed.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Error is a failed action after its retries were exhausted or a permanent
// failure stopped them.
type Error struct {
	Type      rule.ActionType
	Attempts  int
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s action failed after %d attempt(s) (%s): %v", e.Type, e.Attempts, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsActionError reports whether err is (or wraps) an *Error.
func IsActionError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}
