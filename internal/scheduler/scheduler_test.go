package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/registry"
)

type editInvocation struct {
	diff string
}

func (e editInvocation) ShouldConfirm(ctx context.Context) (*registry.ConfirmationDetails, error) {
	return &registry.ConfirmationDetails{Type: registry.KindEdit, FileDiff: e.diff}, nil
}
func (e editInvocation) Execute(ctx context.Context, onOutput func(string)) (registry.Result, error) {
	return registry.Result{LLMContent: "applied"}, nil
}
func (e editInvocation) IsHardDenial() (bool, string) { return false, "" }

func newTestRegistry(t *testing.T, diff string) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, name := range []string{"edit_a", "edit_b", "edit_c"} {
		if err := r.Register(registry.Declaration{Name: name, Kind: registry.KindEdit}, func(args map[string]any) (registry.Invocation, error) {
			return editInvocation{diff: diff}, nil
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return r
}

func TestCancellationPreservesDiff(t *testing.T) {
	r := newTestRegistry(t, "--- a\n+++ b\n")
	s := New(r, NewAllowSet(), ModeDefault)

	ctx, cancel := context.WithCancel(context.Background())
	s.OnAwaitingApproval = func(tc *ToolCall) {
		// Never confirm; let the context cancellation drive it to
		// cancelled instead, preserving fileDiff in ConfirmationDetails.
	}

	done := make(chan []convo.Part, 1)
	go func() {
		parts, _ := s.Schedule(ctx, []convo.ToolCallRequest{{CallID: "1", Name: "edit_a"}})
		done <- parts
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	parts := <-done
	if len(parts) != 1 {
		t.Fatalf("expected one response part, got %d", len(parts))
	}
	if parts[0].RespError == "" {
		t.Fatalf("expected cancellation error response, got %+v", parts[0])
	}
	if parts[0].RespResponse["fileDiff"] != "--- a\n+++ b\n" {
		t.Fatalf("expected fileDiff preserved in cancelled response, got %+v", parts[0].RespResponse)
	}
}

func TestProceedAlwaysAutoAdvancesRestOfBatch(t *testing.T) {
	r := newTestRegistry(t, "diff")
	s := New(r, NewAllowSet(), ModeDefault)

	var mu sync.Mutex
	confirmedFirst := false
	s.OnAwaitingApproval = func(tc *ToolCall) {
		mu.Lock()
		first := !confirmedFirst
		confirmedFirst = true
		mu.Unlock()
		if first {
			// §4.4.3/§8.3: a ProceedAlways on the first call should
			// auto-advance the other edit-type awaiting_approval calls
			// without the test ever confirming them directly.
			tc.Confirm(ProceedAlways)
		}
	}

	requests := []convo.ToolCallRequest{
		{CallID: "1", Name: "edit_a"},
		{CallID: "2", Name: "edit_b"},
		{CallID: "3", Name: "edit_c"},
	}

	resultCh := make(chan []convo.Part, 1)
	go func() {
		parts, _ := s.Schedule(context.Background(), requests)
		resultCh <- parts
	}()

	select {
	case parts := <-resultCh:
		if len(parts) != 3 {
			t.Fatalf("expected 3 response parts, got %d", len(parts))
		}
		for i, p := range parts {
			if p.RespError != "" {
				t.Fatalf("call %d expected success, got error %q", i, p.RespError)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("schedule did not complete — ProceedAlways failed to auto-advance the batch")
	}
}

func TestToolNotFoundIsTerminalError(t *testing.T) {
	r := registry.New()
	s := New(r, NewAllowSet(), ModeYOLO)

	parts, err := s.Schedule(context.Background(), []convo.ToolCallRequest{{CallID: "1", Name: "missing"}})
	if err != nil {
		t.Fatalf("schedule itself must not error: %v", err)
	}
	if len(parts) != 1 || parts[0].RespError == "" {
		t.Fatalf("expected a terminal error response for an unknown tool, got %+v", parts)
	}
}

func TestYOLOStillHonorsHardDenial(t *testing.T) {
	r := registry.New()
	r.Register(registry.Declaration{Name: "rm_rf", Kind: registry.KindExec}, func(args map[string]any) (registry.Invocation, error) {
		return hardDenyInvocation{}, nil
	})
	s := New(r, NewAllowSet(), ModeYOLO)

	called := false
	s.OnAwaitingApproval = func(tc *ToolCall) { called = true }

	parts, _ := s.Schedule(context.Background(), []convo.ToolCallRequest{{CallID: "1", Name: "rm_rf"}})
	if called {
		t.Fatalf("hard denial must never reach awaiting_approval, even in YOLO")
	}
	if len(parts) != 1 || parts[0].RespError == "" {
		t.Fatalf("expected hard denial to produce a terminal error, got %+v", parts)
	}
}

type hardDenyInvocation struct{}

func (hardDenyInvocation) ShouldConfirm(ctx context.Context) (*registry.ConfirmationDetails, error) {
	return &registry.ConfirmationDetails{Type: registry.KindExec}, nil
}
func (hardDenyInvocation) Execute(ctx context.Context, onOutput func(string)) (registry.Result, error) {
	return registry.Result{}, nil
}
func (hardDenyInvocation) IsHardDenial() (bool, string) { return true, "rm -rf / is blocked" }
