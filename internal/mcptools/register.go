package mcptools

import (
	"context"
	"encoding/json"

	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/delta"
	"github.com/xonecas/turnrunner/internal/lsp"
	"github.com/xonecas/turnrunner/internal/mcp"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/scheduler"
	"github.com/xonecas/turnrunner/internal/shell"
	"github.com/xonecas/turnrunner/internal/store"
)

// Deps carries everything the local tool set needs to construct its
// handlers, mirroring cmd/symb/main.go's wiring of the same dependencies
// into the teacher's MCP proxy.
type Deps struct {
	Tracker      *FileReadTracker
	LSPManager   *lsp.Manager
	DeltaTracker *delta.Tracker
	Shell        *shell.Shell
	WebCache     *store.Cache
	ExaAPIKey    string
	Scratchpad   *Scratchpad

	// Generator and Scheduler back the SubAgent tool: it needs the real
	// content generator (to drive its own Chat Session) and a handle on
	// the top-level scheduler (to inherit its live approval mode and
	// allow-set) rather than a raw provider.Provider.
	Generator contentgen.Generator
	Scheduler *scheduler.Scheduler
}

// RegisterAll registers every local tool against reg with the
// confirmation/hard-denial wiring appropriate to its Kind (§4.4.2). It is
// the Tool Registry's (C2) bridge into the teacher's pre-existing tool
// bodies.
func RegisterAll(reg *registry.Registry, d Deps) error {
	readHandler := NewReadHandler(d.Tracker, d.LSPManager)
	if err := register(reg, NewReadTool(), registry.KindInfo, mcp.ToolHandler(readHandler.Handle), nil, nil); err != nil {
		return err
	}

	editHandler := NewEditHandler(d.Tracker, d.LSPManager, d.DeltaTracker)
	if err := register(reg, NewEditTool(), registry.KindEdit, mcp.ToolHandler(editHandler.Handle), editConfirm, nil); err != nil {
		return err
	}

	shellHandler := NewShellHandler(d.Shell, d.DeltaTracker)
	if err := register(reg, NewShellTool(), registry.KindExec, mcp.ToolHandler(shellHandler.Handle), shellConfirm, shellHardDeny); err != nil {
		return err
	}

	if err := register(reg, NewGitStatusTool(), registry.KindInfo, MakeGitStatusHandler(), nil, nil); err != nil {
		return err
	}
	if err := register(reg, NewGitDiffTool(), registry.KindInfo, MakeGitDiffHandler(), nil, nil); err != nil {
		return err
	}

	if err := register(reg, NewWebFetchTool(), registry.KindMCP, MakeWebFetchHandler(d.WebCache), infoConfirm("Fetch this URL?"), nil); err != nil {
		return err
	}
	if err := register(reg, NewWebSearchTool(), registry.KindMCP, MakeWebSearchHandler(d.WebCache, d.ExaAPIKey, ""), infoConfirm("Run this web search?"), nil); err != nil {
		return err
	}

	if err := register(reg, NewGrepTool(), registry.KindInfo, MakeGrepHandler(), nil, nil); err != nil {
		return err
	}

	if err := register(reg, NewTodoWriteTool(), registry.KindInfo, MakeTodoWriteHandler(d.Scratchpad), nil, nil); err != nil {
		return err
	}

	// SubAgent needs the full discovered tool list to build its own
	// isolated registry (mirroring cmd/symb/main.go's two-pass
	// registration: every other tool is registered first, then SubAgent is
	// built from that list). It also needs the content generator and the
	// top-level scheduler directly, so it's skipped when either is unwired.
	if d.Generator != nil && d.Scheduler != nil {
		allTools := []mcp.Tool{
			NewReadTool(), NewEditTool(), NewShellTool(),
			NewGitStatusTool(), NewGitDiffTool(), NewGrepTool(),
			NewWebFetchTool(), NewWebSearchTool(), NewTodoWriteTool(),
		}
		subAgentHandler := NewSubAgentHandler(d.Generator, d.Scheduler, d.LSPManager, d.DeltaTracker, d.Shell, d.WebCache, d.ExaAPIKey, allTools)
		if err := register(reg, NewSubAgentTool(), registry.KindMCP, mcp.ToolHandler(subAgentHandler.Handle), infoConfirm("Spawn a sub-agent for this task?"), nil); err != nil {
			return err
		}
	}

	return nil
}

func register(reg *registry.Registry, tool mcp.Tool, kind registry.Kind, handle mcp.ToolHandler,
	confirm func(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error),
	hardDeny func(args json.RawMessage) (bool, string),
) error {
	var schema map[string]any
	_ = json.Unmarshal(tool.InputSchema, &schema)

	decl := registry.Declaration{
		Name:            tool.Name,
		DisplayName:     tool.Name,
		Description:     tool.Description,
		Kind:            kind,
		ParameterSchema: schema,
	}
	return reg.Register(decl, wrapHandler(kind, handle, confirm, hardDeny))
}
