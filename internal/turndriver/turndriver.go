// Package turndriver implements the Turn Driver (C5): the outer loop
// tying the Chat Session (C3) and Tool Scheduler (C4) together.
//
// Grounded on internal/llm/loop.go's ProcessTurn round loop (tool-round
// cap) and internal/tui/atexpand.go's @path token scan, generalized
// to the full §4.5.1 resolution algorithm.
package turndriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/turnrunner/internal/chatsession"
	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/rterr"
	"github.com/xonecas/turnrunner/internal/scheduler"
)

func statPath(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// StopReason explains why a turn's loop stopped.
type StopReason string

const (
	StopEndTurn        StopReason = "end_turn"
	StopCancelled      StopReason = "cancelled"
	StopIterationCap   StopReason = "iteration_cap"
	StopError          StopReason = "error"
)

// Event is emitted to the host as the turn progresses.
type EventKind string

const (
	EventText      EventKind = "text"
	EventThought   EventKind = "thought"
	EventToolCall  EventKind = "tool_call"
)

type Event struct {
	Kind EventKind
	Text string
	Call convo.ToolCallRequest
}

// Driver runs turns against a Session and a Scheduler.
type Driver struct {
	Session   *chatsession.Session
	Scheduler *scheduler.Scheduler

	// MaxIterations is the optional session-turn cap (§4.5); 0 means
	// unlimited.
	MaxIterations int

	// GitIgnored reports whether a path should be skipped during @path
	// resolution (§4.5.1 step 1).
	GitIgnored func(path string) bool
	// Glob resolves a glob pattern to matching paths, used both for
	// directory rewrite (<path>/**) and the recursive-search fallback.
	Glob func(pattern string) ([]string, error)
	// BulkRead invokes the bulk-read tool with the resolved paths.
	BulkRead func(ctx context.Context, paths []string, respectGitIgnore bool) (string, error)
	// RecursiveSearchEnabled toggles §4.5.1 step 3.
	RecursiveSearchEnabled bool

	EmitEvent func(Event)
}

// RunResult is the outcome of one full turn.
type RunResult struct {
	Reason StopReason
	Err    error

	// InputTokens/OutputTokens accumulate every chunk's usage metadata
	// across the whole turn (every generation call, including tool
	// rounds), for callers that need to report the cost of a turn (e.g.
	// a sub-agent summarizing its own token spend to its caller).
	InputTokens  int
	OutputTokens int
}

// Run executes one full turn per the §4.5 pseudocode, starting from a raw
// user prompt that may contain @path tokens.
func (d *Driver) Run(ctx context.Context, promptID, rawPrompt string) RunResult {
	resolved := d.resolvePrompt(ctx, rawPrompt)
	nextMessage := convo.Content{Role: convo.RoleUser, Parts: []convo.Part{convo.TextPart(resolved)}}

	var totalIn, totalOut int
	iterations := 0
	for {
		if ctx.Err() != nil {
			return RunResult{Reason: StopCancelled, Err: rterr.New(rterr.KindUserCancelled, ctx.Err()), InputTokens: totalIn, OutputTokens: totalOut}
		}
		if d.MaxIterations > 0 && iterations >= d.MaxIterations {
			log.Warn().Int("iterations", iterations).Msg("turndriver: session-turn cap exceeded")
			return RunResult{Reason: StopIterationCap, InputTokens: totalIn, OutputTokens: totalOut}
		}
		iterations++

		funcCalls, reason, usage, err := d.streamOneTurn(ctx, nextMessage, promptID)
		totalIn += usage.PromptTokens
		totalOut += usage.CandidateTokens
		if reason != "" {
			return RunResult{Reason: reason, Err: err, InputTokens: totalIn, OutputTokens: totalOut}
		}

		if len(funcCalls) == 0 {
			return RunResult{Reason: StopEndTurn, InputTokens: totalIn, OutputTokens: totalOut}
		}

		for _, fc := range funcCalls {
			d.emit(Event{Kind: EventToolCall, Call: fc})
		}

		responses, err := d.Scheduler.Schedule(ctx, funcCalls)
		if err != nil {
			return RunResult{Reason: StopError, Err: err, InputTokens: totalIn, OutputTokens: totalOut}
		}

		nextMessage = convo.Content{Role: convo.RoleUser, Parts: responses}
	}
}

// streamOneTurn classifies one C3.SendStream's chunks into text/thought
// events and accumulated tool-call requests, per the §4.5 pseudocode body.
func (d *Driver) streamOneTurn(ctx context.Context, message convo.Content, promptID string) ([]convo.ToolCallRequest, StopReason, contentgen.UsageMetadata, error) {
	stream, err := d.Session.SendStream(ctx, message, promptID)
	if err != nil {
		return nil, StopError, contentgen.UsageMetadata{}, err
	}

	var funcCalls []convo.ToolCallRequest
	var usage contentgen.UsageMetadata
	for item := range stream {
		if ctx.Err() != nil {
			return nil, StopCancelled, usage, rterr.New(rterr.KindUserCancelled, ctx.Err())
		}
		if item.Err != nil {
			return nil, StopError, usage, item.Err
		}
		if item.Chunk.Usage != nil {
			if item.Chunk.Usage.PromptTokens > usage.PromptTokens {
				usage.PromptTokens = item.Chunk.Usage.PromptTokens
			}
			if item.Chunk.Usage.CandidateTokens > usage.CandidateTokens {
				usage.CandidateTokens = item.Chunk.Usage.CandidateTokens
			}
		}
		for _, p := range item.Chunk.FirstContent().Parts {
			switch p.Kind {
			case convo.PartText:
				d.emit(Event{Kind: EventText, Text: p.Text})
			case convo.PartThought:
				d.emit(Event{Kind: EventThought, Text: p.Text})
			case convo.PartFunctionCall:
				funcCalls = append(funcCalls, convo.ToolCallRequest{
					Name:     p.CallName,
					Args:     p.CallArgs,
					PromptID: promptID,
				})
			}
		}
	}
	return funcCalls, "", usage, nil
}

func (d *Driver) emit(ev Event) {
	if d.EmitEvent != nil {
		d.EmitEvent(ev)
	}
}

var atMentionRe = regexp.MustCompile(`@(\S+)`)

// resolvePrompt implements §4.5.1's @path expansion algorithm: git-ignore
// skip, directory-to-glob rewrite, non-existent-path recursive-glob
// fallback, and a single bulk-read invocation over the resolved set.
// Surfaces a tool-call event for every step so the host can show the
// resolution, per "every step surfaces tool-call events to the host".
func (d *Driver) resolvePrompt(ctx context.Context, raw string) string {
	matches := atMentionRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return raw
	}

	var resolvedSpecs []string
	for _, m := range matches {
		token := raw[m[2]:m[3]]
		spec, ok := d.resolveOneToken(token)
		if !ok {
			continue
		}
		resolvedSpecs = append(resolvedSpecs, spec)
	}
	if len(resolvedSpecs) == 0 {
		return raw
	}

	d.emit(Event{Kind: EventToolCall, Call: convo.ToolCallRequest{
		Name: "bulk_read",
		Args: map[string]any{"paths": resolvedSpecs, "respectGitIgnore": true},
	}})

	if d.BulkRead == nil {
		return raw
	}
	output, err := d.BulkRead(ctx, resolvedSpecs, true)
	if err != nil {
		log.Warn().Err(err).Msg("turndriver: bulk-read during prompt resolution failed")
		return raw
	}

	var b strings.Builder
	b.WriteString(raw)
	b.WriteString("\n\n")
	b.WriteString(output)
	return b.String()
}

func (d *Driver) resolveOneToken(token string) (string, bool) {
	if d.GitIgnored != nil && d.GitIgnored(token) {
		return "", false
	}

	info, statErr := statPath(token)
	switch {
	case statErr == nil && info.IsDir():
		return filepath.ToSlash(filepath.Join(token, "**")), true
	case statErr == nil:
		return token, true
	case d.RecursiveSearchEnabled && d.Glob != nil:
		hits, err := d.Glob(fmt.Sprintf("**/*%s*", token))
		if err != nil || len(hits) == 0 {
			return "", false
		}
		return hits[0], true
	default:
		return "", false
	}
}
