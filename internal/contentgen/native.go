package contentgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/provider"
	"github.com/xonecas/turnrunner/internal/rterr"
)

// NativeAdapter passes request-shaped payloads directly to a native
// function-calling provider (e.g. the Anthropic Messages API backend),
// reassembling its StreamEvent sequence into normalized Response chunks.
//
// Grounded on internal/provider/anthropic.go's content_block-index
// tracking and internal/llm/loop.go's toolCallAccumulator pattern.
type NativeAdapter struct {
	backend provider.Provider
}

func NewNativeAdapter(backend provider.Provider) *NativeAdapter {
	return &NativeAdapter{backend: backend}
}

func (a *NativeAdapter) Name() string { return "native:" + a.backend.Name() }

func (a *NativeAdapter) Generate(ctx context.Context, req Request, promptID string) (Response, error) {
	ch, err := a.GenerateStream(ctx, req, promptID)
	if err != nil {
		return Response{}, err
	}
	var last Response
	for item := range ch {
		if item.Err != nil {
			return Response{}, item.Err
		}
		last = item.Chunk
	}
	return last, nil
}

func (a *NativeAdapter) GenerateStream(ctx context.Context, req Request, promptID string) (<-chan StreamItem, error) {
	messages := toProviderMessages(req.Contents, req.Config.SystemInstruction)
	tools := toProviderTools(req.Config.Tools)

	events, err := a.backend.ChatStream(ctx, messages, tools)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		acc := newToolCallAccumulator()
		for ev := range events {
			switch ev.Type {
			case provider.EventContentDelta:
				chunk := Response{Candidates: []Candidate{{Content: convo.Content{
					Role:  convo.RoleModel,
					Parts: []convo.Part{convo.TextPart(ev.Content)},
				}}}}
				if !chunk.IsValidChunk() {
					continue
				}
				out <- StreamItem{Chunk: chunk}
			case provider.EventReasoningDelta:
				out <- StreamItem{Chunk: Response{Candidates: []Candidate{{Content: convo.Content{
					Role:  convo.RoleModel,
					Parts: []convo.Part{convo.ThoughtPart(ev.Content)},
				}}}}}
			case provider.EventToolCallBegin:
				acc.begin(ev.ToolCallIndex, ev.ToolCallID, ev.ToolCallName)
			case provider.EventToolCallDelta:
				acc.delta(ev.ToolCallIndex, ev.ToolCallArgs)
			case provider.EventUsage:
				out <- StreamItem{Chunk: Response{Usage: &UsageMetadata{
					PromptTokens:    ev.InputTokens,
					CandidateTokens: ev.OutputTokens,
					TotalTokens:     ev.InputTokens + ev.OutputTokens,
				}}}
			case provider.EventDone:
				calls := acc.finalize()
				if len(calls) > 0 {
					content := convo.Content{Role: convo.RoleModel}
					for _, c := range calls {
						content.Parts = append(content.Parts, c)
					}
					out <- StreamItem{Chunk: Response{
						Candidates:    []Candidate{{Content: content, FinishReason: "tool_calls"}},
						FunctionCalls: calls,
					}}
				}
			case provider.EventError:
				out <- StreamItem{Err: classifyTransportError(ev.Err)}
				return
			}
		}
	}()
	return out, nil
}

func (a *NativeAdapter) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, fmt.Errorf("native adapter %s: embed not supported", a.backend.Name())
}

func (a *NativeAdapter) CountTokens(ctx context.Context, contents []convo.Content) (int, error) {
	return approxTokenCount(contents), nil
}

func toProviderMessages(contents []convo.Content, systemInstruction string) []provider.Message {
	var out []provider.Message
	if systemInstruction != "" {
		out = append(out, provider.Message{Role: "system", Content: systemInstruction})
	}
	for _, c := range contents {
		role := "user"
		if c.Role == convo.RoleModel {
			role = "assistant"
		}
		msg := provider.Message{Role: role}
		for _, p := range c.Parts {
			switch p.Kind {
			case convo.PartText, convo.PartThought:
				msg.Content += p.Text
			case convo.PartFunctionCall:
				args, _ := json.Marshal(p.CallArgs)
				msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{Name: p.CallName, Arguments: args})
			case convo.PartFunctionResponse:
				respJSON, _ := json.Marshal(p.RespResponse)
				out = append(out, provider.Message{
					Role:         "tool",
					Content:      string(respJSON),
					ToolCallID:   p.RespID,
					FunctionName: p.RespName,
				})
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

func toProviderTools(tools []Tool) []provider.Tool {
	out := make([]provider.Tool, 0, len(tools))
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		out = append(out, provider.Tool{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

// classifyTransportError follows internal/mcp/proxy.go's string-matching
// idiom for distinguishing rate-limit responses from other transport
// failures, since the wrapped provider errors carry status only in their
// message text.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Msg("contentgen: classifying transport error")
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "Rate limited") || strings.Contains(msg, "rate limit") {
		return rterr.New(rterr.KindQuotaExceeded, err)
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return rterr.New(rterr.KindTransportFailure, err)
		}
	}
	return rterr.New(rterr.KindTransportFailure, err)
}

// toolCallAccumulator reconstructs streamed tool-call argument fragments
// by index, mirroring internal/llm/loop.go's toolCallAccumulator.
type toolCallAccumulator struct {
	order []int
	ids   map[int]string
	names map[int]string
	args  map[int]string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		ids:   make(map[int]string),
		names: make(map[int]string),
		args:  make(map[int]string),
	}
}

func (a *toolCallAccumulator) begin(index int, id, name string) {
	if _, seen := a.names[index]; !seen {
		a.order = append(a.order, index)
	}
	a.ids[index] = id
	a.names[index] = name
}

func (a *toolCallAccumulator) delta(index int, frag string) {
	a.args[index] += frag
}

func (a *toolCallAccumulator) finalize() []convo.Part {
	var out []convo.Part
	for _, idx := range a.order {
		var args map[string]any
		_ = json.Unmarshal([]byte(a.args[idx]), &args)
		out = append(out, convo.FunctionCallPart(a.names[idx], args))
	}
	return out
}
