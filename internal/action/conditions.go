package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/page"
)

// ConditionKind names a page predicate.
type ConditionKind string

const (
	CondVisible     ConditionKind = "visible"
	CondHidden      ConditionKind = "hidden"
	CondURLContains ConditionKind = "urlContains"
	CondNetworkIdle ConditionKind = "networkIdle"
	CondExpression  ConditionKind = "expression"
)

// Condition is a predicate waited on before or after an action.
type Condition struct {
	Kind ConditionKind `json:"kind"`
	// Selector for visible and hidden.
	Selector string `json:"selector,omitempty"`
	// Value is the URL substring or the JavaScript expression.
	Value   string        `json:"value,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Visible holds once selector resolves to a visible element.
func Visible(selector string) Condition { return Condition{Kind: CondVisible, Selector: selector} }

// Hidden holds once selector matches nothing visible.
func Hidden(selector string) Condition { return Condition{Kind: CondHidden, Selector: selector} }

// URLContains holds once the page URL contains s.
func URLContains(s string) Condition { return Condition{Kind: CondURLContains, Value: s} }

// NetworkIdle holds once the current document is network idle.
func NetworkIdle() Condition { return Condition{Kind: CondNetworkIdle} }

// Expression holds once the JavaScript expression is truthy.
func Expression(js string) Condition { return Condition{Kind: CondExpression, Value: js} }

func (c Condition) String() string {
	switch c.Kind {
	case CondVisible, CondHidden:
		return string(c.Kind) + " " + c.Selector
	case CondURLContains:
		return fmt.Sprintf("url contains %q", c.Value)
	case CondExpression:
		return "expression " + c.Value
	}
	return string(c.Kind)
}

// Validate checks the fields the kind needs.
func (c Condition) Validate() error {
	switch c.Kind {
	case CondVisible, CondHidden:
		if c.Selector == "" {
			return &errs.StepValidationError{Field: "selector", Reason: string(c.Kind) + " condition needs a selector"}
		}
		if _, err := dom.ParseSelector(c.Selector); err != nil {
			return &errs.StepValidationError{Field: "selector", Reason: err.Error()}
		}
	case CondURLContains, CondExpression:
		if c.Value == "" {
			return &errs.StepValidationError{Field: "value", Reason: string(c.Kind) + " condition needs a value"}
		}
	case CondNetworkIdle:
	default:
		return &errs.StepValidationError{Field: "kind", Reason: fmt.Sprintf("unknown condition %q", c.Kind)}
	}
	return nil
}

// WaitConditions waits for every condition in order. A condition's own
// Timeout overrides timeout.
func (e *Executor) WaitConditions(ctx context.Context, conds []Condition, timeout time.Duration) error {
	for _, c := range conds {
		if err := c.Validate(); err != nil {
			return err
		}
		d := timeout
		if c.Timeout > 0 {
			d = c.Timeout
		}
		if err := e.waitCondition(ctx, c, timeoutOr(d)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) waitCondition(ctx context.Context, c Condition, timeout time.Duration) error {
	switch c.Kind {
	case CondVisible:
		h, err := e.locator.WaitForActionable(ctx, c.Selector, dom.ActionVisible, dom.WaitOptions{Timeout: timeout})
		if err != nil {
			return err
		}
		h.Release(ctx)
		return nil
	case CondNetworkIdle:
		return e.page.WaitForLoadState(ctx, page.WaitNetworkIdle, timeout)
	}

	var last string
	check := func() (bool, error) {
		switch c.Kind {
		case CondHidden:
			return e.hidden(ctx, c.Selector)
		case CondURLContains:
			u, err := e.page.URL(ctx)
			if err != nil {
				return false, nil
			}
			last = u
			return strings.Contains(u, c.Value), nil
		default:
			var ok bool
			if err := e.page.EvaluateInto(ctx, "!!("+c.Value+")", &ok); err != nil {
				if errs.IsFatal(err) {
					return false, err
				}
				last = err.Error()
				return false, nil
			}
			return ok, nil
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Add(100 * time.Millisecond).Before(deadline) {
			return &errs.TimeoutError{Op: "wait for " + c.String(), Timeout: timeout, Last: last}
		}
		t := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Executor) hidden(ctx context.Context, selector string) (bool, error) {
	h, err := e.locator.Query(ctx, selector)
	switch {
	case errors.Is(err, errs.ErrElementNotFound), errors.Is(err, errs.ErrStaleElement):
		return true, nil
	case err != nil:
		return false, err
	}
	defer h.Release(ctx)
	a, err := e.locator.Actionability(ctx, h)
	if err != nil {
		if errors.Is(err, errs.ErrStaleElement) {
			return true, nil
		}
		return false, err
	}
	return !a.Attached || !a.Visible, nil
}
