package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/neboloop/webpilot/internal/mcp/mcpctx"
	"github.com/neboloop/webpilot/internal/page"
	"github.com/neboloop/webpilot/internal/steps"
)

// StepsInput defines input for browser_steps.
type StepsInput struct {
	Steps       []any  `json:"steps" jsonschema:"Step objects, each with a kind field"`
	Page        string `json:"page,omitempty" jsonschema:"Target ID. Defaults to the current page."`
	StopOnError bool   `json:"stopOnError,omitempty" jsonschema:"Stop at the first failed step"`
}

// RegisterStepsTool registers browser_steps.
func RegisterStepsTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	kinds := make([]string, 0, len(steps.Kinds()))
	for _, k := range steps.Kinds() {
		kinds = append(kinds, string(k))
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_steps",
		Title: "Run Steps",
		Description: `Run a list of browser steps in order and report each outcome.

Kinds: ` + strings.Join(kinds, ", ") + `

Examples:
  browser_steps(steps: [
    {"kind": "navigate", "url": "https://example.com/login"},
    {"kind": "fill", "selector": "#user", "value": "alice"},
    {"kind": "click", "text": "Sign in"},
    {"kind": "assert", "url": "/dashboard"}
  ], stopOnError: true)`,
	}, stepsHandler(toolCtx))
}

func stepsHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[StepsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StepsInput) (*mcp.CallToolResult, any, error) {
		if len(input.Steps) == 0 {
			return nil, nil, mcpctx.NewValidationError("at least one step is required", "steps")
		}
		raw, err := jsonv2.Marshal(input.Steps)
		if err != nil {
			return nil, nil, mcpctx.NewValidationError(err.Error(), "steps")
		}
		list, err := steps.Parse(raw)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		pg, err := toolCtx.Page(ctx, input.Page)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		report, err := pg.Run(ctx, list, steps.RunOptions{StopOnError: input.StopOnError})
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		res := &mcp.CallToolResult{IsError: !report.OK}
		return res, report, nil
	}
}

// ============================================================================
// FRAMES
// ============================================================================

var frameActions = []string{"current", "tree", "switch", "main"}

// FrameInput defines input for browser_frame.
type FrameInput struct {
	Action   string `json:"action" jsonschema:"current, tree, switch or main"`
	Page     string `json:"page,omitempty" jsonschema:"Target ID. Defaults to the current page."`
	FrameID  string `json:"frameId,omitempty" jsonschema:"Child frame ID for switch"`
	Selector string `json:"selector,omitempty" jsonschema:"iframe selector for switch"`
	Name     string `json:"name,omitempty" jsonschema:"Frame name for switch"`
	Index    *int   `json:"index,omitempty" jsonschema:"Child frame index for switch"`
}

// RegisterFrameTool registers browser_frame.
func RegisterFrameTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_frame",
		Title: "Frames",
		Description: `Inspect frames and choose the one later tools act in.

Actions:
- current: the frame tools act in now
- tree: every frame of the page
- switch: enter a child frame (one of frameId, selector, name, index)
- main: return to the main frame

Examples:
  browser_frame(action: "switch", selector: "iframe#checkout")
  browser_frame(action: "main")`,
	}, frameHandler(toolCtx))
}

func frameHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[FrameInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input FrameInput) (*mcp.CallToolResult, any, error) {
		if !slices.Contains(frameActions, input.Action) {
			return nil, nil, mcpctx.NewValidationError(
				fmt.Sprintf("invalid action %q, must be: %s", input.Action, strings.Join(frameActions, ", ")), "action")
		}
		pg, err := toolCtx.Page(ctx, input.Page)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}

		switch input.Action {
		case "current":
			return nil, pg.CurrentFrame(), nil
		case "tree":
			frames, err := pg.FrameTree(ctx)
			if err != nil {
				return nil, nil, mcpctx.FromError(err)
			}
			return nil, map[string]any{"frames": frames}, nil
		case "main":
			st, err := pg.SwitchToMainFrame(ctx)
			if err != nil {
				return nil, nil, mcpctx.FromError(err)
			}
			return nil, st, nil
		}

		sel := page.FrameSelector{
			FrameID:  cdptypes.FrameID(input.FrameID),
			Selector: input.Selector,
			Name:     input.Name,
			Index:    input.Index,
		}
		if sel.FrameID == "" && sel.Selector == "" && sel.Name == "" && sel.Index == nil {
			return nil, nil, mcpctx.NewValidationError("switch needs frameId, selector, name or index", "frameId")
		}
		st, err := pg.SwitchToFrame(ctx, sel)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		return nil, st, nil
	}
}

// ============================================================================
// TARGETS
// ============================================================================

// TargetsInput defines input for browser_targets.
type TargetsInput struct {
	New   string `json:"new,omitempty" jsonschema:"Open a new tab at this URL first"`
	Close string `json:"close,omitempty" jsonschema:"Close the tab with this target ID first"`
}

// TargetInfo is one tab in the browser_targets output.
type TargetInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Attached bool   `json:"attached"`
	Current  bool   `json:"current,omitempty"`
}

// RegisterTargetsTool registers browser_targets.
func RegisterTargetsTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "browser_targets",
		Title: "Tabs",
		Description: `List the browser's tabs. Optionally open or close one first.
Pass a listed id as page to any other browser tool to act on that tab.`,
	}, targetsHandler(toolCtx))
}

func targetsHandler(toolCtx *mcpctx.ToolContext) mcp.ToolHandlerFor[TargetsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input TargetsInput) (*mcp.CallToolResult, any, error) {
		p := toolCtx.Pilot()
		if input.Close != "" {
			if err := p.ClosePage(ctx, target.ID(input.Close)); err != nil {
				return nil, nil, mcpctx.FromError(err)
			}
		}
		if input.New != "" {
			pg, err := p.NewPage(ctx, input.New)
			if err != nil {
				return nil, nil, mcpctx.FromError(err)
			}
			// Make the new tab current.
			if _, err := toolCtx.Page(ctx, string(pg.ID())); err != nil {
				return nil, nil, mcpctx.FromError(err)
			}
		}

		targets, err := p.Targets(ctx)
		if err != nil {
			return nil, nil, mcpctx.FromError(err)
		}
		current := toolCtx.Current()
		out := make([]TargetInfo, 0, len(targets))
		for _, t := range targets {
			_, attached := p.Page(t.ID)
			out = append(out, TargetInfo{
				ID:       string(t.ID),
				URL:      t.URL,
				Title:    t.Title,
				Attached: attached,
				Current:  t.ID == current,
			})
		}
		return nil, map[string]any{"targets": out}, nil
	}
}
