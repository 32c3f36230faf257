package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/webpilot/internal/action"
	"github.com/neboloop/webpilot/internal/mcp/mcpctx"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/snapshot"
)

func timeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

// ============================================================================
// NAVIGATE
// ============================================================================

// NavigateInput defines input for browser_navigate.
type NavigateInput struct {
	URL       string `json:"url,omitempty" jsonschema:"URL to load. Required for goto."`
	Action    string `json:"action,omitempty" jsonschema:"goto (default), reload, back or forward"`
	Page      string `json:"page,omitempty" jsonschema:"Target ID. Defaults to the current page."`
	WaitUntil string `json:"waitUntil,omitempty" jsonschema:"commit, domcontentloaded, load (default) or networkidle"`
	TimeoutMS int    `json:"timeoutMs,omitempty" jsonschema:"Navigation timeout in milliseconds"`
}

// NavigateOutput defines output for browser_navigate.
type NavigateOutput struct {
	Page         string `json:"page"`
	URL          string `json:"url"`
	Title        string `json:"title,omitempty"`
	SameDocument bool   `json:"sameDocument,omitempty"`
}

// RegisterNavigateTool registers browser_navigate.
func RegisterNavigateTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_navigate",
		Title: "Navigate",
		Description: `Load a URL in a tab, or move through its history, and wait for the page to settle.

Actions:
- goto: load url (default)
- reload: reload the current document
- back / forward: traverse session history

Examples:
  browser_navigate(url: "https://example.com")
  browser_navigate(url: "https://example.com/app", waitUntil: "networkidle")
  browser_navigate(action: "back")`,
	}, navigateHandler(toolCtx))
}

func navigateHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[NavigateInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input NavigateInput) (*mcp.CallToolResult, any, error) {
		until, ok := page.ParseWaitUntil(input.WaitUntil)
		if !ok {
			return nil, nil, mcpctx.NewValidationError(fmt.Sprintf("unknown wait condition %q", input.WaitUntil), "waitUntil")
		}
		switch input.Action {
		case "", "goto":
			if input.URL == "" {
				return nil, nil, mcpctx.NewValidationError("url is required for goto", "url")
			}
		case "reload", "back", "forward":
		default:
			return nil, nil, mcpctx.NewValidationError(
				fmt.Sprintf("invalid action %q, must be: goto, reload, back, forward", input.Action), "action")
		}
		pg, err := toolCtx.Page(ctx, input.Page)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		opts := page.NavigateOptions{WaitUntil: until, Timeout: timeout(input.TimeoutMS)}

		var res *page.NavigateResult
		switch input.Action {
		case "reload":
			res, err = pg.Reload(ctx, opts)
		case "back":
			res, err = pg.GoBack(ctx, opts)
		case "forward":
			res, err = pg.GoForward(ctx, opts)
		default:
			res, err = pg.Navigate(ctx, input.URL, opts)
		}
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}

		out := NavigateOutput{Page: string(pg.ID()), URL: res.URL, SameDocument: res.SameDocument}
		if title, err := pg.Title(ctx); err == nil {
			out.Title = title
		}
		return nil, out, nil
	}
}

// ============================================================================
// SNAPSHOT
// ============================================================================

// SnapshotInput defines input for browser_snapshot.
type SnapshotInput struct {
	Page          string `json:"page,omitempty" jsonschema:"Target ID. Defaults to the current page."`
	Root          string `json:"root,omitempty" jsonschema:"CSS selector or role=X to scope the snapshot"`
	Detail        string `json:"detail,omitempty" jsonschema:"full (default), summary or interactive"`
	MaxDepth      int    `json:"maxDepth,omitempty" jsonschema:"Maximum nesting depth"`
	MaxElements   int    `json:"maxElements,omitempty" jsonschema:"Maximum emitted nodes"`
	MaxChars      int    `json:"maxChars,omitempty" jsonschema:"Truncate the text to this many characters"`
	ViewportOnly  bool   `json:"viewportOnly,omitempty" jsonschema:"Only elements in the viewport"`
	IncludeFrames bool   `json:"includeFrames,omitempty" jsonschema:"Descend into same-origin iframes"`
	Since         int    `json:"since,omitempty" jsonschema:"Previous snapshotId; an unchanged page returns no tree"`
	Changes       bool   `json:"changes,omitempty" jsonschema:"Return a unified diff against the previous full snapshot"`
}

// RegisterSnapshotTool registers browser_snapshot.
func RegisterSnapshotTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_snapshot",
		Title: "Page Snapshot",
		Description: `Capture the accessibility-style outline of the page. Interactive elements carry
refs like [ref=e12] that browser_click and browser_fill accept.

Examples:
  browser_snapshot()
  browser_snapshot(detail: "interactive")
  browser_snapshot(root: "form#login", maxDepth: 6)
  browser_snapshot(changes: true)`,
	}, snapshotHandler(toolCtx))
}

func snapshotHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[SnapshotInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SnapshotInput) (*mcp.CallToolResult, any, error) {
		detail, ok := snapshot.ParseDetail(input.Detail)
		if !ok {
			return nil, nil, mcpctx.NewValidationError(fmt.Sprintf("unknown detail %q", input.Detail), "detail")
		}
		pg, err := toolCtx.Page(ctx, input.Page)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		opts := snapshot.Options{
			Root:          input.Root,
			MaxDepth:      input.MaxDepth,
			MaxElements:   input.MaxElements,
			MaxChars:      input.MaxChars,
			ViewportOnly:  input.ViewportOnly,
			IncludeFrames: input.IncludeFrames,
			Since:         input.Since,
			Detail:        detail,
		}

		if input.Changes {
			res, diff, err := pg.SnapshotChanges(ctx, opts)
			if err != nil {
				return nil, nil, mcpctx.FromError(err)
			}
			if diff == "" {
				diff = "no previous snapshot; full outline follows\n\n" + res.Text
			}
			return text(header(string(pg.ID()), res) + diff), nil, nil
		}

		res, err := pg.Snapshot(ctx, opts)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		if res.Unchanged {
			return text(fmt.Sprintf("page %s unchanged since snapshot %d", pg.ID(), input.Since)), nil, nil
		}
		return text(header(string(pg.ID()), res) + res.Text), nil, nil
	}
}

func header(id string, res *snapshot.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "page: %s\n", id)
	if res.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", res.Title)
	}
	if res.URL != "" {
		fmt.Fprintf(&b, "url: %s\n", res.URL)
	}
	fmt.Fprintf(&b, "snapshot: %d (%d refs", res.SnapshotID, res.Refs)
	if res.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString(")\n\n")
	return b.String()
}

// ============================================================================
// CLICK / FILL
// ============================================================================

// TargetInput names an element. Exactly one of ref, selector or text is
// required.
type TargetInput struct {
	Ref      string `json:"ref,omitempty" jsonschema:"Snapshot ref such as e12"`
	Selector string `json:"selector,omitempty" jsonschema:"CSS selector"`
	Text     string `json:"text,omitempty" jsonschema:"Visible text of the element"`
	Exact    bool   `json:"exact,omitempty" jsonschema:"Match text exactly instead of by substring"`
}

func (t TargetInput) target() (action.Target, error) {
	n := 0
	for _, s := range []string{t.Ref, t.Selector, t.Text} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return action.Target{}, mcpctx.NewValidationError("exactly one of ref, selector or text is required", "ref")
	}
	return action.Target{Ref: t.Ref, Selector: t.Selector, Text: t.Text, Exact: t.Exact}, nil
}

// ClickInput defines input for browser_click.
type ClickInput struct {
	TargetInput
	Page      string `json:"page,omitempty" jsonschema:"Target ID. Defaults to the current page."`
	Button    string `json:"button,omitempty" jsonschema:"left (default), right or middle"`
	Count     int    `json:"count,omitempty" jsonschema:"Click count; 2 double-clicks"`
	Method    string `json:"method,omitempty" jsonschema:"Set to js to dispatch the click in the page"`
	Force     bool   `json:"force,omitempty" jsonschema:"Skip actionability checks"`
	TimeoutMS int    `json:"timeoutMs,omitempty" jsonschema:"Actionability timeout in milliseconds"`
}

// RegisterClickTool registers browser_click.
func RegisterClickTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_click",
		Title: "Click",
		Description: `Click an element once it is visible, stable, enabled and not covered.

Examples:
  browser_click(ref: "e12")
  browser_click(selector: "button[type=submit]")
  browser_click(text: "Sign in", exact: true)`,
	}, clickHandler(toolCtx))
}

func clickHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[ClickInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ClickInput) (*mcp.CallToolResult, any, error) {
		t, err := input.target()
		if err != nil {
			return nil, nil, err
		}
		pg, err := toolCtx.Page(ctx, input.Page)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		res, err := pg.Click(ctx, t, action.ClickOptions{
			Button:  input.Button,
			Count:   input.Count,
			Method:  input.Method,
			Force:   input.Force,
			Timeout: timeout(input.TimeoutMS),
		})
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		return nil, res, nil
	}
}

// FillInput defines input for browser_fill.
type FillInput struct {
	TargetInput
	Value     string `json:"value" jsonschema:"Text to enter"`
	Page      string `json:"page,omitempty" jsonschema:"Target ID. Defaults to the current page."`
	Mode      string `json:"mode,omitempty" jsonschema:"type (default) or framework-safe"`
	Append    bool   `json:"append,omitempty" jsonschema:"Keep the existing value and add to it"`
	TimeoutMS int    `json:"timeoutMs,omitempty" jsonschema:"Actionability timeout in milliseconds"`
}

// RegisterFillTool registers browser_fill.
func RegisterFillTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_fill",
		Title: "Fill",
		Description: `Replace the value of an input, textarea or contenteditable element.

Examples:
  browser_fill(ref: "e7", value: "alice@example.com")
  browser_fill(selector: "#q", value: " more", append: true)`,
	}, fillHandler(toolCtx))
}

func fillHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[FillInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input FillInput) (*mcp.CallToolResult, any, error) {
		t, err := input.target()
		if err != nil {
			return nil, nil, err
		}
		mode, ok := action.ParseFillMode(input.Mode)
		if !ok {
			return nil, nil, mcpctx.NewValidationError(fmt.Sprintf("unknown fill mode %q", input.Mode), "mode")
		}
		pg, err := toolCtx.Page(ctx, input.Page)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		res, err := pg.Fill(ctx, t, input.Value, action.FillOptions{
			Mode:    mode,
			Append:  input.Append,
			Timeout: timeout(input.TimeoutMS),
		})
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		return nil, res, nil
	}
}
