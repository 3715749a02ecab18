package contentgen

import (
	"context"
	"errors"
	"testing"

	"github.com/xonecas/turnrunner/internal/provider"
	"github.com/xonecas/turnrunner/internal/rterr"
)

// stubProvider emits a scripted sequence of StreamEvents, used to drive the
// toolCallAccumulator assembly logic in GenerateStream.
type stubProvider struct {
	events []provider.StreamEvent
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *stubProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *stubProvider) Close() error                                            { return nil }

func TestToolCallAccumulatorAssemblesFragmentedArgs(t *testing.T) {
	backend := &stubProvider{events: []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "call_1", ToolCallName: "read_file"},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{"path":`},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `"a.go"}`},
		{Type: provider.EventDone},
	}}
	adapter := NewNativeAdapter(backend)

	resp, err := adapter.Generate(context.Background(), Request{Model: "m"}, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.FunctionCalls) != 1 {
		t.Fatalf("expected 1 assembled function call, got %d", len(resp.FunctionCalls))
	}
	call := resp.FunctionCalls[0]
	if call.CallName != "read_file" {
		t.Fatalf("expected call name 'read_file', got %q", call.CallName)
	}
	if call.CallArgs["path"] != "a.go" {
		t.Fatalf("expected assembled args path='a.go', got %+v", call.CallArgs)
	}
}

func TestToolCallAccumulatorPreservesMultipleCallOrder(t *testing.T) {
	backend := &stubProvider{events: []provider.StreamEvent{
		{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "call_1", ToolCallName: "first"},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: `{}`},
		{Type: provider.EventToolCallBegin, ToolCallIndex: 1, ToolCallID: "call_2", ToolCallName: "second"},
		{Type: provider.EventToolCallDelta, ToolCallIndex: 1, ToolCallArgs: `{}`},
		{Type: provider.EventDone},
	}}
	adapter := NewNativeAdapter(backend)

	resp, err := adapter.Generate(context.Background(), Request{Model: "m"}, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.FunctionCalls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(resp.FunctionCalls))
	}
	if resp.FunctionCalls[0].CallName != "first" || resp.FunctionCalls[1].CallName != "second" {
		t.Fatalf("expected call order preserved, got %+v", resp.FunctionCalls)
	}
}

func TestGenerateStreamClassifiesErrorEvent(t *testing.T) {
	backend := &stubProvider{events: []provider.StreamEvent{
		{Type: provider.EventError, Err: errFakeRateLimit{}},
	}}
	adapter := NewNativeAdapter(backend)

	ch, err := adapter.GenerateStream(context.Background(), Request{Model: "m"}, "p1")
	if err != nil {
		t.Fatalf("unexpected synchronous error: %v", err)
	}
	item := <-ch
	if item.Err == nil {
		t.Fatalf("expected a classified error on the stream")
	}
	if !errors.Is(item.Err, rterr.ErrQuotaExceeded) {
		t.Fatalf("expected a 429 error classified as QuotaExceeded, got %v", item.Err)
	}
}

type errFakeRateLimit struct{}

func (errFakeRateLimit) Error() string { return "429 Rate limited" }
