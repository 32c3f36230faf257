// Package errs defines the typed errors surfaced by the automation core.
//
// Every structured error matches its category sentinel through errors.Is, so
// callers can branch on the category and still read the diagnostic fields with
// errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConnection        = errors.New("cdp connection error")
	ErrSessionClosed     = errors.New("cdp session closed")
	ErrNavigation        = errors.New("navigation failed")
	ErrNavigationAborted = errors.New("navigation aborted")
	ErrTimeout           = errors.New("timeout")
	ErrElementNotFound   = errors.New("element not found")
	ErrNotActionable     = errors.New("element not actionable")
	ErrNotEditable       = errors.New("element not editable")
	ErrStaleElement      = errors.New("stale element")
	ErrPageCrashed       = errors.New("page crashed")
	ErrStepValidation    = errors.New("invalid step")
	ErrProtocol          = errors.New("protocol error")
	ErrAssertion         = errors.New("assertion failed")
)

// ConnectionError reports that the channel to the browser is unusable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cdp connection error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cdp connection error during %s", e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolError is a CDP error response for a command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NavigationError reports a navigation the browser refused or failed.
type NavigationError struct {
	URL    string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %s", e.URL, e.Reason)
}

func (e *NavigationError) Is(target error) bool { return target == ErrNavigation }

// NavigationAbortedError is delivered to a waiter whose navigation was
// superseded by a newer one.
type NavigationAbortedError struct {
	URL          string
	SupersededBy string
}

func (e *NavigationAbortedError) Error() string {
	if e.SupersededBy != "" {
		return fmt.Sprintf("navigation to %s aborted: superseded by %s", e.URL, e.SupersededBy)
	}
	return fmt.Sprintf("navigation to %s aborted", e.URL)
}

func (e *NavigationAbortedError) Is(target error) bool {
	return target == ErrNavigationAborted
}

// TimeoutError reports an exceeded bounded wait. Last holds the final
// observed state, when the operation has one.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Last    string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timeout after %s", e.Op, e.Timeout)
	if e.Last != "" {
		msg += " (last state: " + e.Last + ")"
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ElementNotFoundError reports a selector that never matched. Nearby lists
// short descriptions of candidate elements for diagnostics.
type ElementNotFoundError struct {
	Selector string
	Timeout  time.Duration
	Nearby   []string
}

func (e *ElementNotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "element not found: %s", e.Selector)
	if e.Timeout > 0 {
		fmt.Fprintf(&b, " (waited %s)", e.Timeout)
	}
	if len(e.Nearby) > 0 {
		fmt.Fprintf(&b, "; nearby: %s", strings.Join(e.Nearby, ", "))
	}
	return b.String()
}

func (e *ElementNotFoundError) Is(target error) bool {
	return target == ErrElementNotFound
}

// NotActionableError reports an element that exists but never reached the
// required state.
type NotActionableError struct {
	Selector string
	State    string
	Timeout  time.Duration
	Occluder string
}

func (e *NotActionableError) Error() string {
	msg := fmt.Sprintf("element %s is not %s", e.Selector, e.State)
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" after %s", e.Timeout)
	}
	if e.Occluder != "" {
		msg += "; covered by " + e.Occluder
	}
	return msg
}

func (e *NotActionableError) Is(target error) bool {
	return target == ErrNotActionable
}

// NotEditableError reports a fill target that does not accept text.
type NotEditableError struct {
	Selector string
	Reason   string
}

func (e *NotEditableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("element %s is not editable: %s", e.Selector, e.Reason)
	}
	return fmt.Sprintf("element %s is not editable", e.Selector)
}

func (e *NotEditableError) Is(target error) bool { return target == ErrNotEditable }

// StaleElementError reports a ref whose node is gone and could not be
// re-resolved. Tried lists the strategies attempted.
type StaleElementError struct {
	Ref   string
	Tried []string
}

func (e *StaleElementError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("stale element ref %s", e.Ref)
	}
	return fmt.Sprintf("stale element ref %s (tried %s)", e.Ref, strings.Join(e.Tried, ", "))
}

func (e *StaleElementError) Is(target error) bool { return target == ErrStaleElement }

// PageCrashedError is fatal for the session it names.
type PageCrashedError struct {
	TargetID string
}

func (e *PageCrashedError) Error() string {
	if e.TargetID == "" {
		return "page crashed"
	}
	return "page crashed: " + e.TargetID
}

func (e *PageCrashedError) Is(target error) bool { return target == ErrPageCrashed }

// StepValidationError reports malformed caller input detected before any
// protocol call.
type StepValidationError struct {
	Index  int
	Kind   string
	Field  string
	Reason string
}

func (e *StepValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d", e.Index)
	if e.Kind != "" {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *StepValidationError) Is(target error) bool { return target == ErrStepValidation }

// AssertionError reports a page check that did not hold.
type AssertionError struct {
	What string
	Want string
	Got  string
}

func (e *AssertionError) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("assertion failed: %s %q", e.What, e.Want)
	}
	return fmt.Sprintf("assertion failed: %s %q, got %q", e.What, e.Want, e.Got)
}

func (e *AssertionError) Is(target error) bool { return target == ErrAssertion }

// IsFatal reports errors after which the session cannot continue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPageCrashed) || errors.Is(err, ErrConnection) || errors.Is(err, ErrSessionClosed)
}

// IsRetryable reports errors that may succeed when the step is repeated.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrElementNotFound) ||
		errors.Is(err, ErrNotActionable) ||
		errors.Is(err, ErrStaleElement) ||
		errors.Is(err, ErrNavigationAborted)
}

// Code maps an error to a stable machine-readable code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPageCrashed):
		return "page_crashed"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrNavigationAborted):
		return "navigation_aborted"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrElementNotFound):
		return "element_not_found"
	case errors.Is(err, ErrNotEditable):
		return "not_editable"
	case errors.Is(err, ErrNotActionable):
		return "not_actionable"
	case errors.Is(err, ErrStaleElement):
		return "stale_element"
	case errors.Is(err, ErrStepValidation):
		return "step_validation"
	case errors.Is(err, ErrAssertion):
		return "assertion_failed"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "internal"
	}
}
