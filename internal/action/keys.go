package action

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"

	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
)

type keyDefinition struct {
	Key     string
	Code    string
	KeyCode int64
	Text    string
}

var namedKeys = map[string]keyDefinition{
	"Enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"Tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"Escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"Backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"Delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"Space":      {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
	"ArrowUp":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"ArrowDown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"ArrowLeft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"ArrowRight": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"Home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"End":        {Key: "End", Code: "End", KeyCode: 35},
	"PageUp":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"PageDown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
}

var keyAliases = map[string]string{
	"return": "Enter",
	"esc":    "Escape",
	"del":    "Delete",
	"up":     "ArrowUp",
	"down":   "ArrowDown",
	"left":   "ArrowLeft",
	"right":  "ArrowRight",
	" ":      "Space",
}

var modifierNames = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"shift":   input.ModifierShift,
}

// ParseKey parses a key combination such as "Enter", "a" or "Control+A".
func ParseKey(s string) (keyDefinition, input.Modifier, error) {
	if s == "" {
		return keyDefinition{}, 0, fmt.Errorf("empty key")
	}
	var prefix, name string
	if strings.HasSuffix(s, "+") {
		// "+" and "Shift++" name the plus key itself.
		prefix, name = strings.TrimSuffix(strings.TrimSuffix(s, "+"), "+"), "+"
	} else if i := strings.LastIndex(s, "+"); i >= 0 {
		prefix, name = s[:i], s[i+1:]
	} else {
		name = s
	}
	var mods input.Modifier
	if prefix != "" {
		for _, m := range strings.Split(prefix, "+") {
			mod, ok := modifierNames[strings.ToLower(strings.TrimSpace(m))]
			if !ok {
				return keyDefinition{}, 0, fmt.Errorf("unknown modifier %q", m)
			}
			mods |= mod
		}
	}
	if alias, ok := keyAliases[strings.ToLower(name)]; ok {
		name = alias
	}
	if def, ok := namedKeys[name]; ok {
		return def, mods, nil
	}
	for k, def := range namedKeys {
		if strings.EqualFold(k, name) {
			return def, mods, nil
		}
	}
	if utf8.RuneCountInString(name) != 1 {
		return keyDefinition{}, 0, fmt.Errorf("unknown key %q", name)
	}
	return charKey(name), mods, nil
}

func charKey(ch string) keyDefinition {
	r, _ := utf8.DecodeRuneInString(ch)
	def := keyDefinition{Key: ch, Text: ch}
	switch {
	case r >= 'a' && r <= 'z':
		def.Code, def.KeyCode = "Key"+strings.ToUpper(ch), int64(r-'a'+'A')
	case r >= 'A' && r <= 'Z':
		def.Code, def.KeyCode = "Key"+ch, int64(r)
	case r >= '0' && r <= '9':
		def.Code, def.KeyCode = "Digit"+ch, int64(r)
	}
	return def
}

// pressKey sends keyDown, keyUp for def. Text is suppressed while a
// non-shift modifier is held so shortcuts do not type.
func pressKey(ctx context.Context, def keyDefinition, mods input.Modifier) error {
	text := def.Text
	if mods&^input.ModifierShift != 0 {
		text = ""
	}
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode).
		WithModifiers(mods)
	if text == "" {
		down = input.DispatchKeyEvent(input.KeyRawDown).
			WithKey(def.Key).
			WithCode(def.Code).
			WithWindowsVirtualKeyCode(def.KeyCode).
			WithModifiers(mods)
	} else {
		down = down.WithText(text).WithUnmodifiedText(text)
	}
	if err := down.Do(ctx); err != nil {
		return fmt.Errorf("key down %s: %w", def.Key, err)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode).
		WithModifiers(mods)
	if err := up.Do(ctx); err != nil {
		return fmt.Errorf("key up %s: %w", def.Key, err)
	}
	return nil
}

// PressOptions configures Press.
type PressOptions struct {
	Hooks
	// Target is focused before the key is sent; nil sends to whatever has
	// focus.
	Target  *Target       `json:"target,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Press sends a key or key combination.
func (e *Executor) Press(ctx context.Context, key string, opts PressOptions) (*Result, error) {
	def, mods, err := ParseKey(key)
	if err != nil {
		return nil, &errs.StepValidationError{Field: "key", Reason: err.Error()}
	}
	if opts.Target != nil {
		if err := opts.Target.Validate(); err != nil {
			return nil, err
		}
	}
	timeout := timeoutOr(opts.Timeout)
	before, err := e.before(ctx, opts.Hooks, timeout)
	if err != nil {
		return nil, err
	}

	res := &Result{Success: true, Action: "press", Value: key, Message: "Pressed " + key}
	if opts.Target != nil {
		h, err := e.resolve(ctx, *opts.Target, dom.ActionAttached, timeout, false)
		if err != nil {
			return nil, err
		}
		var focused bool
		err = h.Call(ctx, &focused, focusScript, true)
		h.Release(ctx)
		if err != nil {
			return nil, err
		}
		res.Target = opts.Target.String()
	}
	if err := pressKey(e.page.Session().Context(ctx), def, mods); err != nil {
		return nil, err
	}
	if err := e.after(ctx, opts.Hooks, res, before, timeout); err != nil {
		return res, err
	}
	return res, nil
}
