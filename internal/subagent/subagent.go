package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/turnrunner/internal/chatsession"
	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/llm"
	"github.com/xonecas/turnrunner/internal/mcp"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/scheduler"
	"github.com/xonecas/turnrunner/internal/turndriver"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// Options configures a sub-agent run. A sub-agent drives the same Chat
// Session (C3) / Tool Scheduler (C4) / Turn Driver (C5) stack the
// top-level agent does — it is handed its own isolated Registry rather
// than a raw tool proxy, so every nested tool call gets the identical
// confirmation/hard-denial treatment a top-level call gets.
type Options struct {
	Generator         contentgen.Generator
	Registry          *registry.Registry
	Mode              scheduler.Mode
	Allow             *scheduler.AllowSet
	SystemInstruction string
	Prompt            string
	MaxIterations     int
}

// Result reports a sub-agent run outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Run executes a sub-agent turn and returns the final assistant content.
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %v", err)
	}
	if opts.Generator == nil {
		return Result{}, fmt.Errorf("generator is required")
	}
	if opts.Registry == nil {
		return Result{}, fmt.Errorf("registry is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	maxIter := MaxSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	sess := chatsession.New(opts.Generator, &convo.GenerationConfig{Model: "sub-agent"})
	sess.Tools = opts.Registry.ToolsForGeneration()
	sess.SystemInstruction = opts.SystemInstruction

	sched := scheduler.New(opts.Registry, opts.Allow, opts.Mode)
	// There is no interactive host on the other end of a sub-agent's
	// scheduler, so a call that would otherwise block on approval fails
	// closed instead of hanging forever. Hard denials still fail, and
	// YOLO/auto_edit and the inherited allow-set still auto-accept, exactly
	// as they do at the top level — only the prompt-and-wait path is
	// unavailable.
	sched.OnAwaitingApproval = func(tc *scheduler.ToolCall) { tc.Confirm(scheduler.Cancel) }

	driver := &turndriver.Driver{Session: sess, Scheduler: sched, MaxIterations: maxIter}

	res := driver.Run(ctx, "sub-agent", opts.Prompt)
	if res.Reason != turndriver.StopEndTurn {
		if res.Err != nil {
			return Result{}, fmt.Errorf("sub-agent failed: %w", res.Err)
		}
		return Result{}, fmt.Errorf("sub-agent stopped without a final response (%s)", res.Reason)
	}

	finalContent := lastModelText(sess.GetHistory(true))
	if finalContent == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{Content: finalContent, InputTokens: res.InputTokens, OutputTokens: res.OutputTokens}, nil
}

// lastModelText concatenates the text parts of the most recent model turn
// that has any, scanning backward from the end of curated history.
func lastModelText(contents []convo.Content) string {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role != convo.RoleModel {
			continue
		}
		var b strings.Builder
		for _, p := range contents[i].Parts {
			if p.Kind == convo.PartText {
				b.WriteString(p.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

// FilterTools removes the SubAgent tool from a tool list.
func FilterTools(tools []mcp.Tool) []mcp.Tool {
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// SystemPrompt returns the system prompt for sub-agents.
func SystemPrompt() string {
	parts := []string{
		llm.SubAgentBasePrompt(),
		llm.SubAgentPrompt(),
	}
	if instructions := llm.LoadAgentInstructions(); instructions != "" {
		parts = append(parts, instructions)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n---\n\n"))
}
