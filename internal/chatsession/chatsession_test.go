package chatsession

import (
	"context"
	"testing"

	"github.com/xonecas/turnrunner/internal/contentgen"
	"github.com/xonecas/turnrunner/internal/convo"
)

// scriptedGenerator returns a scripted sequence of stream results, one per
// call to GenerateStream, for deterministic testing per §8.2's
// "deterministic mock provider" property.
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

func (g *scriptedGenerator) Embed(ctx context.Context, texts []string) ([][]float64, error) { return nil, nil }
func (g *scriptedGenerator) CountTokens(ctx context.Context, contents []convo.Content) (int, error) {
	return 0, nil
}

func textChunk(text string) contentgen.StreamItem {
	return contentgen.StreamItem{Chunk: contentgen.Response{Candidates: []contentgen.Candidate{{Content: convo.Content{
		Role:  convo.RoleModel,
		Parts: []convo.Part{convo.TextPart(text)},
	}}}}}
}

func TestEmptyStreamRetrySucceedsOnSecondAttempt(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{
		{}, // attempt 1: no chunks at all
		{textChunk("hi")},
	}}
	sess := New(gen, &convo.GenerationConfig{Model: "m"})

	ch, err := sess.SendStream(context.Background(), convo.Content{Role: convo.RoleUser, Parts: []convo.Part{convo.TextPart("hello")}}, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var texts []string
	for item := range ch {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		for _, p := range item.Chunk.FirstContent().Parts {
			texts = append(texts, p.Text)
		}
	}

	if gen.calls != 2 {
		t.Fatalf("expected provider invoked exactly 2 times, got %d", gen.calls)
	}
	if len(texts) != 1 || texts[0] != "hi" {
		t.Fatalf("expected single chunk 'hi', got %+v", texts)
	}

	raw := sess.GetHistory(false)
	if len(raw) != 2 {
		t.Fatalf("expected final history length 2 (user, model), got %d", len(raw))
	}
}

func TestEmptyStreamExhaustionRollsBackUserTurn(t *testing.T) {
	gen := &scriptedGenerator{scripts: [][]contentgen.StreamItem{{}, {}, {}}}
	sess := New(gen, &convo.GenerationConfig{Model: "m"})

	ch, err := sess.SendStream(context.Background(), convo.Content{Role: convo.RoleUser, Parts: []convo.Part{convo.TextPart("hello")}}, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var lastErr error
	for item := range ch {
		if item.Err != nil {
			lastErr = item.Err
		}
	}
	if lastErr == nil {
		t.Fatalf("expected an error after exhausting empty-stream retries")
	}

	if len(sess.GetHistory(false)) != 0 {
		t.Fatalf("expected history rolled back to empty, got %d entries", len(sess.GetHistory(false)))
	}
}
