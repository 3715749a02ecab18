// Package scheduler implements the Tool Scheduler (C4): a per-call state
// machine batching concurrent tool calls per turn, mediating approval, and
// producing function-response parts in request order.
//
// Grounded on internal/mcp/proxy.go's retry-with-backoff dispatch idiom
// and internal/mcptools/shell.go's hard-denial tool description; the
// approval state machine itself is new — nothing in the teacher or the
// rest of the retrieval pack implements a confirmation workflow.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/rterr"
)

// Status is a ToolCall's lifecycle state (§4.4.1).
type Status string

const (
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusScheduled        Status = "scheduled"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Outcome is the host's answer to an awaiting_approval confirmation.
type Outcome string

const (
	ProceedOnce         Outcome = "proceed_once"
	ProceedAlways       Outcome = "proceed_always"
	ProceedAlwaysTool   Outcome = "proceed_always_tool"
	ProceedAlwaysServer Outcome = "proceed_always_server"
	ModifyWithEditor    Outcome = "modify_with_editor"
	Cancel              Outcome = "cancel"
)

// Mode is the approval policy (§4.4.2).
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAutoEdit Mode = "auto_edit"
	ModeYOLO     Mode = "yolo"
)

// AllowSet is the process-wide, additive-and-monotonic allow-list keyed by
// serverName and serverName.toolName (§4.4.2, §5 "Shared resources").
type AllowSet struct {
	mu      sync.Mutex
	servers map[string]bool
	tools   map[string]bool
}

func NewAllowSet() *AllowSet {
	return &AllowSet{servers: make(map[string]bool), tools: make(map[string]bool)}
}

func (a *AllowSet) AllowServer(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers[name] = true
}

func (a *AllowSet) AllowTool(serverName, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools[serverName+"."+toolName] = true
}

func (a *AllowSet) IsAllowed(serverName, toolName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if serverName != "" && a.servers[serverName] {
		return true
	}
	return a.tools[serverName+"."+toolName]
}

// ToolCall is the scheduler's per-call record. External observers receive
// deep-copied snapshots (§3 "Ownership").
type ToolCall struct {
	Status             Status
	Request            convo.ToolCallRequest
	Invocation         registry.Invocation
	ConfirmationDetails *registry.ConfirmationDetails
	Response           *convo.Part
	ExtraParts         []convo.Part // raw inline-data/file-data payload, per §4.4.4
	DurationMs         int64
	Outcome            *Outcome
	StartTime          time.Time

	serverName string
	confirmCh  chan Outcome
	confirmed  bool // one-shot guard: sending twice on confirmCh is an error (§9)
}

// Snapshot is an immutable copy of a ToolCall for observers.
type Snapshot struct {
	Status     Status
	Request    convo.ToolCallRequest
	Response   *convo.Part
	DurationMs int64
}

func (tc *ToolCall) snapshot() Snapshot {
	var resp *convo.Part
	if tc.Response != nil {
		cp := *tc.Response
		resp = &cp
	}
	return Snapshot{Status: tc.Status, Request: tc.Request, Response: resp, DurationMs: tc.DurationMs}
}

// OnUpdate is called on every status transition; OnAllComplete is called
// once a whole batch reaches an all-terminal state (§4.4.5).
type OnUpdate func(Snapshot)
type OnAllComplete func([]Snapshot)

// hardDenyRootCommands is the explicit denylist adapted from
// internal/mcptools/shell.go's undocumented "dangerous commands are
// blocked" description (SPEC_FULL.md "Supplemented Features").
var hardDenyRootCommands = map[string]bool{
	"rm -rf /":       true,
	":(){:|:&};:":    true,
	"mkfs":           true,
	"dd if=/dev/zero": true,
}

// Scheduler runs batches of tool calls. Only one batch is in flight at a
// time; subsequent schedule calls wait for the current batch to reach an
// all-terminal state (§4.4.3).
type Scheduler struct {
	registry *registry.Registry
	allow    *AllowSet

	mu       sync.Mutex
	mode     Mode
	batchRunning bool
	waiters  []chan struct{}

	OnUpdate      OnUpdate
	OnAllComplete OnAllComplete

	// OnAwaitingApproval surfaces confirmationDetails (and the ToolCall
	// itself, so the host can call tc.Confirm(outcome) exactly once) to
	// the host, per §6.3 "Host must call onConfirm(outcome) exactly once
	// per prompt."
	OnAwaitingApproval func(*ToolCall)
}

func New(reg *registry.Registry, allow *AllowSet, mode Mode) *Scheduler {
	return &Scheduler{registry: reg, allow: allow, mode: mode}
}

// Mode returns the scheduler's current approval mode, reflecting any
// ProceedAlways upgrade applied since construction. Exposed so a nested
// scheduler (e.g. a sub-agent's) can inherit the same live policy instead
// of a stale snapshot taken at startup.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Allow returns the scheduler's allow-set, so a nested scheduler can share
// the same process-wide ProceedAlwaysServer/ProceedAlwaysTool grants.
func (s *Scheduler) Allow() *AllowSet {
	return s.allow
}

// Schedule enqueues a batch and blocks until every call in it reaches a
// terminal state, returning the function-response parts in request order
// (§4.4.4) — one descriptor part per call, plus any raw InlineData/FileData
// parts that call's result carried. The Turn Driver (C5) calls it once per
// tool round.
func (s *Scheduler) Schedule(ctx context.Context, requests []convo.ToolCallRequest) ([]convo.Part, error) {
	if err := s.waitForSlot(ctx); err != nil {
		return nil, err
	}
	defer s.releaseSlot()

	calls := make([]*ToolCall, len(requests))
	for i, req := range requests {
		calls[i] = &ToolCall{Status: StatusValidating, Request: req, StartTime: time.Now(), confirmCh: make(chan Outcome, 1)}
	}

	s.validateAll(ctx, calls)

	if ctx.Err() != nil {
		s.cancelAll(calls)
	} else {
		s.approveAndExecuteAll(ctx, calls)
	}

	snapshots := make([]Snapshot, len(calls))
	var parts []convo.Part
	for i, tc := range calls {
		snapshots[i] = tc.snapshot()
		parts = append(parts, s.synthesizeResponse(tc)...)
	}
	if s.OnAllComplete != nil {
		s.OnAllComplete(snapshots)
	}
	return parts, nil
}

func (s *Scheduler) waitForSlot(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.batchRunning {
			s.batchRunning = true
			s.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		s.waiters = append(s.waiters, wait)
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.batchRunning = false
	var next chan struct{}
	if len(s.waiters) > 0 {
		next = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()
	if next != nil {
		close(next)
	}
}

func (s *Scheduler) setStatus(tc *ToolCall, status Status) {
	tc.Status = status
	if s.OnUpdate != nil {
		s.OnUpdate(tc.snapshot())
	}
}

// validateAll runs validation concurrently across the batch (§4.4.3).
func (s *Scheduler) validateAll(ctx context.Context, calls []*ToolCall) {
	var wg sync.WaitGroup
	for _, tc := range calls {
		tc := tc
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.validate(ctx, tc)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) validate(ctx context.Context, tc *ToolCall) {
	if tc.Request.CallID == "" {
		tc.Request.CallID = uuid.NewString()
	}

	entry, ok := s.registry.Get(tc.Request.Name)
	if !ok {
		tc.Response = errorPart(tc.Request, rterr.New(rterr.KindToolNotFound, fmt.Errorf("tool %q not found", tc.Request.Name)))
		s.setStatus(tc, StatusError)
		return
	}
	tc.serverName = entry.ServerName

	inv, err := entry.NewInvocation(tc.Request.Args)
	if err != nil {
		tc.Response = errorPart(tc.Request, rterr.New(rterr.KindInvalidArgument, err))
		s.setStatus(tc, StatusError)
		return
	}
	tc.Invocation = inv

	if denied, reason := inv.IsHardDenial(); denied {
		tc.Response = errorPart(tc.Request, rterr.New(rterr.KindToolHardDenial, fmt.Errorf("%s", reason)))
		s.setStatus(tc, StatusError)
		return
	}

	confirm, err := inv.ShouldConfirm(ctx)
	if err != nil {
		tc.Response = errorPart(tc.Request, rterr.New(rterr.KindToolInvocationError, err))
		s.setStatus(tc, StatusError)
		return
	}

	needsConfirm := confirm != nil && !s.autoAccepted(tc, confirm)
	if needsConfirm {
		tc.ConfirmationDetails = confirm
		s.setStatus(tc, StatusAwaitingApproval)
		if s.OnAwaitingApproval != nil {
			s.OnAwaitingApproval(tc)
		}
		return
	}
	s.setStatus(tc, StatusScheduled)
}

// autoAccepted implements §4.4.2: YOLO skips confirmation universally
// (hard denials already handled above); AUTO_EDIT auto-accepts edit-type
// confirmations only; the allow-set auto-accepts mcp confirmations whose
// server/tool was previously marked ProceedAlwaysServer/ProceedAlwaysTool.
func (s *Scheduler) autoAccepted(tc *ToolCall, confirm *registry.ConfirmationDetails) bool {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	if mode == ModeYOLO {
		return true
	}
	if mode == ModeAutoEdit && confirm.Type == registry.KindEdit {
		return true
	}
	if confirm.Type == registry.KindMCP && s.allow.IsAllowed(tc.serverName, confirm.ToolName) {
		return true
	}
	return false
}

// Confirm delivers a one-shot outcome to an awaiting_approval call,
// exactly once per the §9 "Callback-style confirmation" design note.
func (tc *ToolCall) Confirm(outcome Outcome) error {
	if tc.confirmed {
		return fmt.Errorf("scheduler: outcome already delivered for call %s", tc.Request.CallID)
	}
	tc.confirmed = true
	tc.confirmCh <- outcome
	return nil
}

// approveAndExecuteAll drives awaiting_approval calls through outcome
// delivery, then runs every scheduled call's execution concurrently
// (§4.4.3: "If the batch is approved, executions also run concurrently").
func (s *Scheduler) approveAndExecuteAll(ctx context.Context, calls []*ToolCall) {
	var wg sync.WaitGroup
	for _, tc := range calls {
		tc := tc
		if tc.Status != StatusAwaitingApproval {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.awaitOutcome(ctx, tc, calls)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		s.cancelAll(calls)
		return
	}

	wg = sync.WaitGroup{}
	for _, tc := range calls {
		tc := tc
		if tc.Status != StatusScheduled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.execute(ctx, tc)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) awaitOutcome(ctx context.Context, tc *ToolCall, batch []*ToolCall) {
	select {
	case outcome := <-tc.confirmCh:
		o := outcome
		tc.Outcome = &o
		s.applyOutcome(tc, outcome, batch)
	case <-ctx.Done():
		s.setStatus(tc, StatusCancelled)
		tc.Response = cancelledPart(tc.Request, tc.ConfirmationDetails)
	}
}

func (s *Scheduler) applyOutcome(tc *ToolCall, outcome Outcome, batch []*ToolCall) {
	switch outcome {
	case Cancel:
		s.setStatus(tc, StatusCancelled)
		tc.Response = cancelledPart(tc.Request, tc.ConfirmationDetails)
		return
	case ProceedAlways:
		s.mu.Lock()
		s.mode = ModeAutoEdit
		s.mu.Unlock()
		s.reexamineBatch(batch, tc)
	case ProceedAlwaysServer:
		s.allow.AllowServer(tc.serverName)
		s.reexamineBatch(batch, tc)
	case ProceedAlwaysTool:
		if tc.ConfirmationDetails != nil {
			s.allow.AllowTool(tc.serverName, tc.ConfirmationDetails.ToolName)
		}
		s.reexamineBatch(batch, tc)
	case ModifyWithEditor:
		// The host already wrote the edited content back into the
		// invocation out of band; scheduling proceeds as a normal accept.
	case ProceedOnce:
		// no-op, proceed.
	}
	s.setStatus(tc, StatusScheduled)
}

// reexamineBatch implements §4.4.3's "the scheduler re-examines the
// batch's other awaiting_approval calls" rule: any whose confirmation type
// can now be auto-accepted is advanced without another prompt.
func (s *Scheduler) reexamineBatch(batch []*ToolCall, except *ToolCall) {
	for _, other := range batch {
		if other == except || other.Status != StatusAwaitingApproval {
			continue
		}
		if other.confirmed {
			continue
		}
		if s.autoAccepted(other, other.ConfirmationDetails) {
			other.confirmed = true
			other.confirmCh <- ProceedOnce
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, tc *ToolCall) {
	s.setStatus(tc, StatusExecuting)
	start := time.Now()

	result, err := tc.Invocation.Execute(ctx, func(partial string) {
		// Intermediate output updates are published for streaming-capable
		// invocations (§4.4.1 "executing").
		if s.OnUpdate != nil {
			s.OnUpdate(tc.snapshot())
		}
	})
	tc.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			s.setStatus(tc, StatusCancelled)
			tc.Response = cancelledPart(tc.Request, tc.ConfirmationDetails)
			return
		}
		tc.Response = errorPart(tc.Request, rterr.New(rterr.KindToolInvocationError, err))
		s.setStatus(tc, StatusError)
		return
	}

	tc.Response = successPart(tc.Request, result)
	tc.ExtraParts = rawResultParts(result)
	s.setStatus(tc, StatusSuccess)
}

func (s *Scheduler) cancelAll(calls []*ToolCall) {
	for _, tc := range calls {
		if tc.Status == StatusSuccess || tc.Status == StatusError || tc.Status == StatusCancelled {
			continue
		}
		s.setStatus(tc, StatusCancelled)
		tc.Response = cancelledPart(tc.Request, tc.ConfirmationDetails)
	}
}

// synthesizeResponse implements §4.4.4's response-synthesis rules: a
// descriptor part (the only thing earlier callers ever saw) followed by
// the raw InlineData/FileData parts a tool's Result.Parts actually carried,
// so a tool returning a binary or multi-part payload doesn't have it
// silently dropped on the way to the model.
func (s *Scheduler) synthesizeResponse(tc *ToolCall) []convo.Part {
	if tc.Response == nil {
		return []convo.Part{errorPart(tc.Request, fmt.Errorf("scheduler: call reached no terminal response"))}
	}
	out := []convo.Part{*tc.Response}
	return append(out, tc.ExtraParts...)
}

func successPart(req convo.ToolCallRequest, result registry.Result) *convo.Part {
	switch {
	case len(result.Parts) > 1:
		p := convo.FunctionResponsePart(req.Name, req.CallID, map[string]any{"output": "Tool execution succeeded."}, "")
		return &p
	case len(result.Parts) == 1 && (result.Parts[0].IsFile || result.Parts[0].MimeType != ""):
		p := convo.FunctionResponsePart(req.Name, req.CallID,
			map[string]any{"output": fmt.Sprintf("Binary content of type %s was processed.", result.Parts[0].MimeType)}, "")
		return &p
	default:
		p := convo.FunctionResponsePart(req.Name, req.CallID, map[string]any{"output": result.LLMContent}, "")
		return &p
	}
}

// rawResultParts converts a tool's raw result parts into the convo.Part
// payload that follows the descriptor: a file-backed part becomes FileData,
// an in-memory blob becomes InlineData. Text-only results have nothing to
// add here — the descriptor already carries the LLMContent.
func rawResultParts(result registry.Result) []convo.Part {
	var out []convo.Part
	for _, rp := range result.Parts {
		switch {
		case rp.IsFile || rp.URI != "":
			out = append(out, convo.Part{Kind: convo.PartFileData, MimeType: rp.MimeType, URI: rp.URI})
		case len(rp.Bytes) > 0:
			out = append(out, convo.Part{Kind: convo.PartInlineData, MimeType: rp.MimeType, Bytes: rp.Bytes})
		}
	}
	return out
}

func errorPart(req convo.ToolCallRequest, err error) *convo.Part {
	log.Warn().Str("tool", req.Name).Err(err).Msg("scheduler: tool call terminal error")
	p := convo.FunctionResponsePart(req.Name, req.CallID, nil, err.Error())
	return &p
}

func cancelledPart(req convo.ToolCallRequest, confirm *registry.ConfirmationDetails) *convo.Part {
	var resp map[string]any
	if confirm != nil && confirm.FileDiff != "" {
		resp = map[string]any{"fileDiff": confirm.FileDiff}
	}
	p := convo.FunctionResponsePart(req.Name, req.CallID, resp, "user cancelled")
	return &p
}

// IsHardDenyRootCommand reports whether a shell root command, or a whole
// whitespace-normalized command line, is on the hard-denial list, for use
// by shell-tool invocations' IsHardDenial.
func IsHardDenyRootCommand(root string) bool {
	return hardDenyRootCommands[root]
}
