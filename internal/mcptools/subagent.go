package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/delta"
	"github.com/xonecas/turnrunner/internal/lsp"
	"github.com/xonecas/turnrunner/internal/mcp"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/scheduler"
	"github.com/xonecas/turnrunner/internal/shell"
	"github.com/xonecas/turnrunner/internal/store"
	"github.com/xonecas/turnrunner/internal/subagent"
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentHandler handles SubAgent tool calls. It builds a fresh, isolated
// Registry per invocation — wired through the same register()/wrapHandler
// bridge as the top-level registry — so a sub-agent's Shell/Edit calls are
// subject to the identical confirmation and hard-denial checks a top-level
// call gets (§4.4.2), instead of bypassing them through a raw proxy.
type SubAgentHandler struct {
	generator    contentgen.Generator
	topScheduler *scheduler.Scheduler
	lspManager   *lsp.Manager
	deltaTracker *delta.Tracker
	sh           *shell.Shell
	webCache     *store.Cache
	exaKey       string
	allTools     []mcp.Tool
}

// NewSubAgentHandler creates a handler for the SubAgent tool.
func NewSubAgentHandler(
	gen contentgen.Generator,
	topScheduler *scheduler.Scheduler,
	lspManager *lsp.Manager,
	deltaTracker *delta.Tracker,
	sh *shell.Shell,
	webCache *store.Cache,
	exaKey string,
	allTools []mcp.Tool,
) *SubAgentHandler {
	if gen == nil {
		panic("SubAgentHandler: generator cannot be nil")
	}
	if topScheduler == nil {
		panic("SubAgentHandler: topScheduler cannot be nil")
	}
	if sh == nil {
		panic("SubAgentHandler: shell cannot be nil")
	}
	// lspManager, deltaTracker, webCache can be nil (handlers check internally)

	return &SubAgentHandler{
		generator:    gen,
		topScheduler: topScheduler,
		lspManager:   lspManager,
		deltaTracker: deltaTracker,
		sh:           sh,
		webCache:     webCache,
		exaKey:       exaKey,
		allTools:     allTools,
	}
}

// Handle implements the mcp.ToolHandler interface.
func (h *SubAgentHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}
	if args.MaxIterations > subagent.MaxAllowedIterations {
		return toolError("max_iterations too large (max: %d)", subagent.MaxAllowedIterations), nil
	}

	// Isolated per-call state: own file-read tracker and scratchpad, so a
	// sub-agent's bookkeeping never leaks into the top-level agent's.
	subTracker := NewFileReadTracker()
	subReadHandler := NewReadHandler(subTracker, h.lspManager)
	subEditHandler := NewEditHandler(subTracker, h.lspManager, h.deltaTracker)
	subShellHandler := NewShellHandler(h.sh, h.deltaTracker)
	subPad := &Scratchpad{}

	subReg := registry.New()
	for _, tool := range subagent.FilterTools(h.allTools) {
		var err error
		switch tool.Name {
		case "Read":
			err = register(subReg, tool, registry.KindInfo, mcp.ToolHandler(subReadHandler.Handle), nil, nil)
		case "Edit":
			err = register(subReg, tool, registry.KindEdit, mcp.ToolHandler(subEditHandler.Handle), editConfirm, nil)
		case "Shell":
			err = register(subReg, tool, registry.KindExec, mcp.ToolHandler(subShellHandler.Handle), shellConfirm, shellHardDeny)
		case "Grep":
			err = register(subReg, tool, registry.KindInfo, MakeGrepHandler(), nil, nil)
		case "TodoWrite":
			err = register(subReg, tool, registry.KindInfo, MakeTodoWriteHandler(subPad), nil, nil)
		case "WebFetch":
			err = register(subReg, tool, registry.KindMCP, MakeWebFetchHandler(h.webCache), infoConfirm("Fetch this URL?"), nil)
		case "WebSearch":
			err = register(subReg, tool, registry.KindMCP, MakeWebSearchHandler(h.webCache, h.exaKey, ""), infoConfirm("Run this web search?"), nil)
		}
		if err != nil {
			return toolError("register sub-agent tool %s: %v", tool.Name, err), nil
		}
	}

	result, err := subagent.Run(ctx, subagent.Options{
		Generator:         h.generator,
		Registry:          subReg,
		Mode:              h.topScheduler.Mode(),
		Allow:             h.topScheduler.Allow(),
		SystemInstruction: subagent.SystemPrompt(),
		Prompt:            args.Prompt,
		MaxIterations:     args.MaxIterations,
	})
	if err != nil {
		return toolError("Sub-agent failed: %v", err), nil
	}

	summary := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		result.Content, result.InputTokens, result.OutputTokens)

	return toolText(summary), nil
}
