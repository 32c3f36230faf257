package page

import (
	"context"
	"fmt"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"
)

// Viewport is a device metrics override.
type Viewport struct {
	Width             int64   `json:"width" yaml:"width"`
	Height            int64   `json:"height" yaml:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor,omitempty" yaml:"device_scale_factor"`
	Mobile            bool    `json:"mobile,omitempty" yaml:"mobile"`
}

// Evaluate runs expression in the current frame and decodes the result.
func (c *Controller) Evaluate(ctx context.Context, expression string) (any, error) {
	var out any
	err := c.EvaluateInto(ctx, expression, &out)
	return out, err
}

// EvaluateInto runs expression in the current frame and decodes the result
// into out.
func (c *Controller) EvaluateInto(ctx context.Context, expression string, out any) error {
	if err := c.guard(); err != nil {
		return err
	}
	id, err := c.CurrentContext(ctx)
	if err != nil {
		return err
	}
	return c.evaluate(ctx, id, expression, out)
}

// EvaluateInFrame runs expression in the main world of frameID, falling back
// to its isolated world when the main world is unknown.
func (c *Controller) EvaluateInFrame(ctx context.Context, frameID cdptypes.FrameID, expression string) (any, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	var id runtime.ExecutionContextID
	if fc, ok := c.contexts[frameID]; ok {
		id = fc.main
	}
	main := frameID == c.mainFrame
	c.mu.Unlock()
	if id == 0 && !main {
		var err error
		if id, err = c.UtilityWorld(ctx, frameID); err != nil {
			return nil, err
		}
	}
	var out any
	return out, c.evaluate(ctx, id, expression, &out)
}

func (c *Controller) evaluate(ctx context.Context, id runtime.ExecutionContextID, expression string, out any) error {
	p := runtime.Evaluate(expression).WithReturnByValue(true).WithAwaitPromise(true)
	if id != 0 {
		p = p.WithContextID(id)
	}
	obj, exc, err := p.Do(c.sess.Context(ctx))
	if err != nil {
		return err
	}
	if exc != nil {
		return fmt.Errorf("evaluate: %w", exc)
	}
	return decodeRemote(obj, out)
}

// CallFunction calls the function declaration fn with JSON-encodable args in
// the current frame and decodes the returned value.
func (c *Controller) CallFunction(ctx context.Context, fn string, args ...any) (any, error) {
	var out any
	err := c.CallFunctionInto(ctx, &out, fn, args...)
	return out, err
}

// CallFunctionInto is CallFunction decoding into out.
func (c *Controller) CallFunctionInto(ctx context.Context, out any, fn string, args ...any) error {
	if err := c.guard(); err != nil {
		return err
	}
	id, err := c.ExecutionContext(ctx)
	if err != nil {
		return err
	}
	callArgs, err := Arguments(args...)
	if err != nil {
		return err
	}
	obj, exc, err := runtime.CallFunctionOn(fn).
		WithExecutionContextID(id).
		WithArguments(callArgs).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(c.sess.Context(ctx))
	if err != nil {
		return err
	}
	if exc != nil {
		return fmt.Errorf("call function: %w", exc)
	}
	return decodeRemote(obj, out)
}

// ExecutionContext returns a non-zero context for the current frame, since
// Runtime.callFunctionOn needs one when no object is given.
func (c *Controller) ExecutionContext(ctx context.Context) (runtime.ExecutionContextID, error) {
	id, err := c.CurrentContext(ctx)
	if err != nil || id != 0 {
		return id, err
	}
	return c.UtilityWorld(ctx, c.MainFrameID())
}

// Arguments encodes Go values as call arguments.
func Arguments(args ...any) ([]*runtime.CallArgument, error) {
	out := make([]*runtime.CallArgument, 0, len(args))
	for i, a := range args {
		buf, err := jsonv2.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out = append(out, &runtime.CallArgument{Value: buf})
	}
	return out, nil
}

func decodeRemote(obj *runtime.RemoteObject, out any) error {
	if obj == nil || out == nil || len(obj.Value) == 0 || obj.Type == runtime.TypeUndefined {
		return nil
	}
	if err := jsonv2.Unmarshal(obj.Value, out); err != nil {
		return fmt.Errorf("decode %s result: %w", obj.Type, err)
	}
	return nil
}

// SetViewport overrides the device metrics of the page.
func (c *Controller) SetViewport(ctx context.Context, v Viewport) error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("viewport %dx%d: width and height must be positive", v.Width, v.Height)
	}
	dsf := v.DeviceScaleFactor
	if dsf <= 0 {
		dsf = 1
	}
	return emulation.SetDeviceMetricsOverride(v.Width, v.Height, dsf, v.Mobile).Do(c.sess.Context(ctx))
}

// ClearViewport removes a device metrics override.
func (c *Controller) ClearViewport(ctx context.Context) error {
	return emulation.ClearDeviceMetricsOverride().Do(c.sess.Context(ctx))
}

// URL returns the main frame URL.
func (c *Controller) URL(ctx context.Context) (string, error) {
	var s string
	if err := c.evaluate(ctx, c.MainWorld(ctx), "location.href", &s); err != nil {
		return "", err
	}
	return s, nil
}

// Title returns the main document title.
func (c *Controller) Title(ctx context.Context) (string, error) {
	var s string
	if err := c.evaluate(ctx, c.MainWorld(ctx), "document.title", &s); err != nil {
		return "", err
	}
	return s, nil
}
