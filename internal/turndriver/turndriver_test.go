package turndriver

import (
	"context"
	"testing"

	"github.com/xonecas/turnrunner/internal/chatsession"
	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/registry"
	"github.com/xonecas/turnrunner/internal/rterr"
	"github.com/xonecas/turnrunner/internal/scheduler"
)

// scriptedGenerator plays back one fixed stream per call to GenerateStream,
// mirroring the fake in internal/chatsession/chatsession_test.go (kept
// package-local since the turndriver package can't reach an unexported test
// type across package boundaries).
type scriptedGenerator struct {
	calls   int
	scripts [][]contentgen.StreamItem
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, req contentgen.Request, promptID string) (contentgen.Response, error) {
	panic("not used in these tests")
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, req contentgen.Request, promptID string) (<-chan contentgen.StreamItem, error) {
	script := g.scripts[g.calls]
	g.calls++
	ch := make(chan contentgen.StreamItem, len(script))
	for _, item := range script {
		ch <- item
	}
	close(ch)
	return ch, nil
}

func (g *scriptedGenerator) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, nil
}
func (g *scriptedGenerator) CountTokens(ctx context.Context, contents []convo.Content) (int, error) {
	return 0, nil
}

func textChunk(text string) contentgen.StreamItem {
	return contentgen.StreamItem{Chunk: contentgen.Response{Candidates: []contentgen.Candidate{{Content: convo.Content{
		Role:  convo.RoleModel,
		Parts: []convo.Part{convo.TextPart(text)},
	}}}}}
}

func toolCallChunk(name string, args map[string]any) contentgen.StreamItem {
	return contentgen.StreamItem{Chunk: contentgen.Response{Candidates: []contentgen.Candidate{{Content: convo.Content{
		Role:  convo.RoleModel,
		Parts: []convo.Part{convo.FunctionCallPart(name, args)},
	}}}}}
}

// echoInvocation is a registry.Invocation that succeeds immediately with no
// confirmation required, mirroring scheduler_test.go's editInvocation shape.
type echoInvocation struct {
	output string
}

func (echoInvocation) ShouldConfirm(ctx context.Context) (*registry.ConfirmationDetails, error) {
	return nil, nil
}

func (e echoInvocation) Execute(ctx context.Context, onOutput func(string)) (registry.Result, error) {
	return registry.Result{LLMContent: e.output}, nil
}

func (echoInvocation) IsHardDenial() (bool, string) { return false, "" }

func newTestRegistry(t *testing.T, output string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register(registry.Declaration{Name: "echo_tool", Kind: registry.KindInfo}, func(args map[string]any) (registry.Invocation, error) {
		return echoInvocation{output: output}, nil
	})
	if err != nil {
		t.Fatalf("register echo_tool: %v", err)
	}
	return reg
}

func newDriver(gen *scriptedGenerator, reg *registry.Registry) *Driver {
	sess := chatsession.New(gen, &convo.GenerationConfig{Model: "m"})
	sched := scheduler.New(reg, scheduler.NewAllowSet(), scheduler.ModeYOLO)
	return &Driver{Session: sess, Scheduler: sched}
}

func TestRunEndsTurnOnTextOnlyResponse(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{{textChunk("hello there")}}}
	d := newDriver(gen, newTestRegistry(t, ""))

	var events []Event
	d.EmitEvent = func(ev Event) { events = append(events, ev) }

	res := d.Run(context.Background(), "p1", "hi")
	if res.Reason != StopEndTurn {
		t.Fatalf("expected StopEndTurn, got %v (err %v)", res.Reason, res.Err)
	}
	if len(events) != 1 || events[0].Kind != EventText || events[0].Text != "hello there" {
		t.Fatalf("expected single text event, got %+v", events)
	}
}

func TestRunDispatchesToolCallThroughScheduler(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{
		{toolCallChunk("echo_tool", map[string]any{"x": 1})},
		{textChunk("done")},
	}}
	d := newDriver(gen, newTestRegistry(t, "tool output"))

	var kinds []EventKind
	d.EmitEvent = func(ev Event) { kinds = append(kinds, ev.Kind) }

	res := d.Run(context.Background(), "p1", "do it")
	if res.Reason != StopEndTurn {
		t.Fatalf("expected StopEndTurn, got %v (err %v)", res.Reason, res.Err)
	}
	if gen.calls != 2 {
		t.Fatalf("expected 2 generator calls (tool round + follow-up), got %d", gen.calls)
	}
	if len(kinds) != 2 || kinds[0] != EventToolCall || kinds[1] != EventText {
		t.Fatalf("expected [tool_call, text] events, got %+v", kinds)
	}
}

func TestRunEnforcesIterationCap(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{
		{toolCallChunk("echo_tool", nil)},
		{toolCallChunk("echo_tool", nil)},
	}}
	d := newDriver(gen, newTestRegistry(t, "ok"))
	d.MaxIterations = 2

	res := d.Run(context.Background(), "p1", "loop forever")
	if res.Reason != StopIterationCap {
		t.Fatalf("expected StopIterationCap, got %v (err %v)", res.Reason, res.Err)
	}
}

func TestRunReturnsCancelledOnContextCancellation(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{{textChunk("hi")}}}
	d := newDriver(gen, newTestRegistry(t, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Run(ctx, "p1", "hi")
	if res.Reason != StopCancelled {
		t.Fatalf("expected StopCancelled, got %v", res.Reason)
	}
	if res.Err == nil {
		t.Fatalf("expected a wrapped error")
	} else if asErr, ok := res.Err.(*rterr.Error); !ok || asErr.Kind != rterr.KindUserCancelled {
		t.Fatalf("expected KindUserCancelled, got %v", res.Err)
	}
}

func TestResolvePromptRewritesDirectoryAndSkipsGitIgnored(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{{textChunk("ok")}}}
	d := newDriver(gen, newTestRegistry(t, ""))

	// A real directory so resolveOneToken's os.Stat sees IsDir() == true;
	// statPath wraps os.Stat directly so there's nothing to fake here.
	dir := t.TempDir()

	var toolEvents []convo.ToolCallRequest
	d.EmitEvent = func(ev Event) {
		if ev.Kind == EventToolCall {
			toolEvents = append(toolEvents, ev.Call)
		}
	}
	d.GitIgnored = func(p string) bool { return p == "ignored.txt" }
	d.BulkRead = func(ctx context.Context, paths []string, respectGitIgnore bool) (string, error) {
		return "file contents", nil
	}

	res := d.Run(context.Background(), "p1", "check @"+dir+" and @ignored.txt")
	if res.Reason != StopEndTurn {
		t.Fatalf("expected StopEndTurn, got %v (err %v)", res.Reason, res.Err)
	}

	if len(toolEvents) != 1 || toolEvents[0].Name != "bulk_read" {
		t.Fatalf("expected a single bulk_read tool-call event, got %+v", toolEvents)
	}
	paths, _ := toolEvents[0].Args["paths"].([]string)
	if len(paths) != 1 || paths[0] != dir+"/**" {
		t.Fatalf("expected directory rewritten to <path>/**, got %+v", paths)
	}
}
