package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nomis52/goactivate/lifecycle"
)

// DefaultMessageLimit caps user visible messages, in runes.
const DefaultMessageLimit = 256

// ErrTimeout is wrapped by the failure of a step that did not complete
// within its tracking window.
var ErrTimeout = errors.New("step timed out")

// errUntrackable is wrapped when a handler can no longer report on a step.
var errUntrackable = errors.New("step is no longer trackable")

// HandlerFailure is a step that failed inside its handler: a returned error,
// a failed outcome, a panic or a timeout.
type HandlerFailure struct {
	Handler string
	Item    string
	Step    lifecycle.Step
	Err     error
}

func (e *HandlerFailure) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("%s %s failed: %v", e.Step, e.Item, e.Err)
	}
	return fmt.Sprintf("%s %s failed in handler %s: %v", e.Step, e.Item, e.Handler, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// Summarize collapses whitespace and truncates msg to limit runes, marking
// the cut with an ellipsis. A limit of zero or less selects
// DefaultMessageLimit.
func Summarize(msg string, limit int) string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
