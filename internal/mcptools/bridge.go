package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/xonecas/turnrunner/internal/mcp"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/scheduler"
)

// handlerInvocation adapts the teacher's mcp.ToolHandler shape (a single
// Handle-and-return-result function) to the registry.Invocation contract,
// so existing tool bodies don't need to be rewritten as state machines —
// only their confirmation story needs to be attached around them.
//
// Grounded on internal/mcp/proxy.go's ToolHandler signature; the
// confirmation wiring (diff preview, hard-denial check) is new, per
// SPEC_FULL.md's tool-scheduler crosswalk.
type handlerInvocation struct {
	kind      registry.Kind
	args      json.RawMessage
	handle    mcp.ToolHandler
	confirm   func(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error)
	hardDeny  func(args json.RawMessage) (bool, string)
}

func (h handlerInvocation) ShouldConfirm(ctx context.Context) (*registry.ConfirmationDetails, error) {
	if h.confirm == nil {
		return nil, nil
	}
	return h.confirm(ctx, h.args)
}

func (h handlerInvocation) Execute(ctx context.Context, onOutput func(string)) (registry.Result, error) {
	res, err := h.handle(ctx, h.args)
	if err != nil {
		return registry.Result{}, err
	}
	if res.IsError {
		return registry.Result{}, fmt.Errorf("%s", firstText(res))
	}
	return registry.Result{LLMContent: firstText(res)}, nil
}

func (h handlerInvocation) IsHardDenial() (bool, string) {
	if h.hardDeny == nil {
		return false, ""
	}
	return h.hardDeny(h.args)
}

func firstText(res *mcp.ToolResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}
	return res.Content[0].Text
}

// wrapHandler builds a registry.InvocationFactory from a plain ToolHandler.
// kind is recorded on the invocation; confirm alone decides whether and how
// confirmation is requested. confirm/hardDeny may be nil for tools that
// never require either.
func wrapHandler(kind registry.Kind, handle mcp.ToolHandler,
	confirm func(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error),
	hardDeny func(args json.RawMessage) (bool, string),
) registry.InvocationFactory {
	return func(args map[string]any) (registry.Invocation, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		return handlerInvocation{kind: kind, args: raw, handle: handle, confirm: confirm, hardDeny: hardDeny}, nil
	}
}

// infoConfirm always requires a plain info-style confirmation (no diff, no
// command preview) — used for tools like WebSearch/WebFetch whose side
// effect is a network read, not a filesystem or shell mutation.
func infoConfirm(prompt string) func(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error) {
	return func(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error) {
		return &registry.ConfirmationDetails{Type: registry.KindInfo, Prompt: prompt}, nil
	}
}

// shellConfirm builds the exec-confirmation shape from the ShellArgs
// embedded in args, surfacing the literal command for approval.
func shellConfirm(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error) {
	var a ShellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return &registry.ConfirmationDetails{Type: registry.KindExec, Command: a.Command, RootCommand: rootCommandOf(a.Command)}, nil
}

// shellHardDeny rejects commands scheduler.IsHardDenyRootCommand flags,
// checking both the root command and the whole whitespace-normalized
// command line, bypassing approval entirely even in YOLO mode (§4.4.2).
func shellHardDeny(args json.RawMessage) (bool, string) {
	var a ShellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return false, ""
	}
	root := rootCommandOf(a.Command)
	if scheduler.IsHardDenyRootCommand(root) {
		return true, fmt.Sprintf("%s is blocked by policy", root)
	}
	if full := strings.Join(strings.Fields(a.Command), " "); scheduler.IsHardDenyRootCommand(full) {
		return true, fmt.Sprintf("%s is blocked by policy", full)
	}
	return false, ""
}

// rootCommandOf returns the first whitespace-delimited token of a shell
// command line, one of the two keys shellHardDeny looks up in
// scheduler.IsHardDenyRootCommand.
func rootCommandOf(command string) string {
	for i, r := range command {
		if r == ' ' || r == '\t' {
			return command[:i]
		}
	}
	return command
}

// editConfirm computes a unified diff between the file's on-disk content
// and the content the edit operation would produce, without writing
// anything — so the scheduler can show the diff before Execute actually
// applies it. Create operations diff against an empty original.
func editConfirm(ctx context.Context, args json.RawMessage) (*registry.ConfirmationDetails, error) {
	var a EditArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	absPath, err := validatePath(a.File)
	if err != nil {
		return nil, err
	}

	var before, after string
	if a.Create != nil {
		after = a.Create.Content
	} else {
		raw, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", a.File, err)
		}
		before = string(raw)
		lines := strings.Split(before, "\n")
		switch {
		case a.Replace != nil:
			after, err = applyReplace(lines, a.Replace)
		case a.Insert != nil:
			after, err = applyInsert(lines, a.Insert)
		case a.Delete != nil:
			after, err = applyDelete(lines, a.Delete)
		}
		if err != nil {
			return nil, err
		}
	}

	uri := span.URIFromPath(absPath)
	edits := myers.ComputeEdits(uri, before, after)
	diff := fmt.Sprint(gotextdiff.ToUnified(a.File, a.File, before, edits))

	return &registry.ConfirmationDetails{
		Type:            registry.KindEdit,
		Title:           "Edit " + a.File,
		FileName:        a.File,
		FilePath:        absPath,
		FileDiff:        diff,
		OriginalContent: before,
		NewContent:      after,
	}, nil
}
