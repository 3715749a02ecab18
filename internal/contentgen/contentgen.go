// Package contentgen implements the Content Generator (C1): the adapter
// layer that normalizes a native-provider protocol and a local-LLM
// protocol into one internal event stream.
//
// Grounded on internal/provider (Message/ToolCall/StreamEvent shapes) and
// internal/provider/anthropic.go (native SSE adapter idiom); the local
// adapter's newline-delimited /api/chat framing is new, following the
// teacher's streamAndCollect accumulation style in internal/llm/loop.go.
package contentgen

import (
	"context"

	"github.com/xonecas/turnrunner/internal/convo"
)

// Tool is the declarative shape passed to a generator for a request; it
// mirrors the registry's cycle-safe declarations (C2).
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenConfig carries the per-request generation knobs.
type GenConfig struct {
	Temperature        *float64
	TopP                *float64
	TopK                *int
	ResponseMimeType    string
	ResponseJSONSchema  map[string]any
	Tools               []Tool
	SystemInstruction   string
}

// Request is the normalized generation request.
type Request struct {
	Model    string
	Contents []convo.Content
	Config   GenConfig
}

// UsageMetadata reports token accounting when the provider supplies it.
type UsageMetadata struct {
	PromptTokens     int
	CandidateTokens  int
	TotalTokens      int
}

// Candidate is one generated alternative; only index 0 is used here.
type Candidate struct {
	Content      convo.Content
	FinishReason string
}

// Response is a normalized generation result, used both as the one-shot
// return value and as the type of each streamed chunk.
type Response struct {
	Candidates    []Candidate
	FunctionCalls []convo.Part // convenience view, Kind == PartFunctionCall
	Usage         *UsageMetadata
	FinishReason  string
}

// FirstContent returns the first candidate's content, or a zero Content if
// there are no candidates.
func (r Response) FirstContent() convo.Content {
	if len(r.Candidates) == 0 {
		return convo.Content{}
	}
	return r.Candidates[0].Content
}

// IsValidChunk implements the §4.1.1 validity rule: at least one
// candidate, a content, at least one part, and no part that is empty text
// with no thought flag.
func (r Response) IsValidChunk() bool {
	if len(r.Candidates) == 0 {
		return false
	}
	parts := r.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if p.Kind == convo.PartText && len(p.Text) == 0 {
			return false
		}
	}
	return true
}

// Generator is the C1 contract: one-shot and streaming generation.
type Generator interface {
	Generate(ctx context.Context, req Request, promptID string) (Response, error)
	GenerateStream(ctx context.Context, req Request, promptID string) (<-chan StreamItem, error)
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	CountTokens(ctx context.Context, contents []convo.Content) (int, error)
	Name() string
}

// StreamItem is one item off a GenerateStream channel: either a chunk or a
// terminal error. The channel is closed after the first error or after the
// stream completes normally.
type StreamItem struct {
	Chunk Response
	Err   error
}

// approxTokenCount implements the §4.1.6 fallback: ceil(totalChars/4)
// across concatenated text parts. Advisory only, never exact.
func approxTokenCount(contents []convo.Content) int {
	chars := 0
	for _, c := range contents {
		for _, p := range c.Parts {
			if p.Kind == convo.PartText || p.Kind == convo.PartThought {
				chars += len(p.Text)
			}
		}
	}
	return (chars + 3) / 4
}
