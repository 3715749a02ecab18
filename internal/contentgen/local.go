package contentgen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/turnrunner/internal/convo"
	"github.com/xonecas/turnrunner/internal/rterr"
)

// LocalAdapter drives a local chat model over the newline-delimited
// /api/chat protocol (§6.1), for models without native function-calling:
// it injects a tool-instruction block and recovers tool calls from
// <tool_call>...</tool_call> tags embedded in plain text.
//
// Grounded on internal/provider/ollama.go's SSE-reader idiom, adapted from
// SSE chat-completions framing to the newline-delimited-JSON framing this
// wire shape requires; mergeConsecutiveSystemMessages is carried over
// verbatim in spirit.
type LocalAdapter struct {
	baseURL string
	client  *http.Client
}

func NewLocalAdapter(baseURL string) *LocalAdapter {
	return &LocalAdapter{baseURL: baseURL, client: &http.Client{}}
}

func (a *LocalAdapter) Name() string { return "local:" + a.baseURL }

type localMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
}

type localToolCall struct {
	Function localFunctionCall `json:"function"`
}

type localFunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localMessage     `json:"messages"`
	Tools    []localToolSchema  `json:"tools,omitempty"`
	Stream   bool               `json:"stream"`
	Options  localChatOptions   `json:"options"`
}

type localToolSchema struct {
	Type     string               `json:"type"`
	Function localFunctionSchema  `json:"function"`
}

type localFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type localChatOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

type localStreamLine struct {
	Message struct {
		Content   string          `json:"content"`
		ToolCalls []localToolCall `json:"tool_calls"`
	} `json:"message"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (a *LocalAdapter) Generate(ctx context.Context, req Request, promptID string) (Response, error) {
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

func (a *LocalAdapter) GenerateStream(ctx context.Context, req Request, promptID string) (<-chan StreamItem, error) {
	messages := buildLocalMessages(req)
	body := localChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.Config.Temperature != nil {
		body.Options.Temperature = *req.Config.Temperature
	}
	if req.Config.TopP != nil {
		body.Options.TopP = *req.Config.TopP
	}
	if req.Config.TopK != nil {
		body.Options.TopK = *req.Config.TopK
	}
	for _, t := range req.Config.Tools {
		body.Tools = append(body.Tools, localToolSchema{
			Type: "function",
			Function: localFunctionSchema{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, rterr.New(rterr.KindInvalidArgument, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	if resp.StatusCode == 429 {
		resp.Body.Close()
		return nil, rterr.New(rterr.KindQuotaExceeded, fmt.Errorf("local adapter: HTTP 429"))
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, rterr.New(rterr.KindTransportFailure, fmt.Errorf("local adapter: HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, rterr.New(rterr.KindInvalidArgument, fmt.Errorf("local adapter: HTTP %d", resp.StatusCode))
	}

	out := make(chan StreamItem)
	jsonMode := req.Config.ResponseMimeType == "application/json" || req.Config.ResponseJSONSchema != nil

	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var accumulated strings.Builder
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var frame localStreamLine
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				log.Warn().Err(err).Str("line", line).Msg("local adapter: skipping malformed line")
				continue
			}

			text := frame.Message.Content
			if text == "" {
				text = frame.Response
			}
			if text != "" {
				accumulated.WriteString(text)
				chunk := Response{Candidates: []Candidate{{Content: convo.Content{
					Role:  convo.RoleModel,
					Parts: []convo.Part{convo.TextPart(text)},
				}}}}
				out <- StreamItem{Chunk: chunk}
			}
			if len(frame.Message.ToolCalls) > 0 {
				content := convo.Content{Role: convo.RoleModel}
				var calls []convo.Part
				for _, tc := range frame.Message.ToolCalls {
					p := convo.FunctionCallPart(tc.Function.Name, tc.Function.Arguments)
					content.Parts = append(content.Parts, p)
					calls = append(calls, p)
				}
				out <- StreamItem{Chunk: Response{Candidates: []Candidate{{Content: content}}, FunctionCalls: calls}}
			}
			if frame.Done {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamItem{Err: rterr.New(rterr.KindTransportFailure, err)}
			return
		}

		// §4.1.3/§4.1.4: post-process the fully accumulated text once the
		// stream closes, yielding at most one terminal synthesized chunk:
		// the extracted JSON in JSON mode, or the interleaved text and
		// tool-call parts when any <tool_call> block parsed.
		final := accumulated.String()
		if final == "" {
			return
		}
		if jsonMode {
			if extracted, ok := extractJSON(final); ok {
				out <- StreamItem{Chunk: Response{Candidates: []Candidate{{Content: convo.Content{
					Role:  convo.RoleModel,
					Parts: []convo.Part{convo.TextPart(extracted)},
				}}}}}
			}
			return
		}
		parts, calls := extractToolCallTags(final)
		if len(calls) > 0 {
			out <- StreamItem{Chunk: Response{
				Candidates:    []Candidate{{Content: convo.Content{Role: convo.RoleModel, Parts: parts}, FinishReason: "tool_calls"}},
				FunctionCalls: calls,
			}}
		}
	}()

	return out, nil
}

func (a *LocalAdapter) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, text := range texts {
		vec, err := a.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (a *LocalAdapter) embedOne(ctx context.Context, text string) ([]float64, error) {
	payload, _ := json.Marshal(map[string]string{"model": "embed", "prompt": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	defer resp.Body.Close()
	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	return result.Embedding, nil
}

func (a *LocalAdapter) CountTokens(ctx context.Context, contents []convo.Content) (int, error) {
	return approxTokenCount(contents), nil
}

// HealthCheck hits GET /api/tags with a 5s deadline per §5 "Timeouts".
func (a *LocalAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return rterr.New(rterr.KindTransportFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rterr.New(rterr.KindTransportFailure, fmt.Errorf("health check: HTTP %d", resp.StatusCode))
	}
	return nil
}

// ListModels calls the same endpoint as the health check; the result's
// {models:[{name}]} is reduced to a plain name slice.
func (a *LocalAdapter) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	defer resp.Body.Close()
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, rterr.New(rterr.KindTransportFailure, err)
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// buildLocalMessages translates history to messages[], applying the
// §4.1.2 role mapping and, when tools are requested, prepending the tool
// instruction block (§4.1.3) merged into a single leading system message
// the way mergeConsecutiveSystemMessages in ollama.go collapses adjacent
// system turns.
func buildLocalMessages(req Request) []localMessage {
	var systemParts []string
	if req.Config.SystemInstruction != "" {
		systemParts = append(systemParts, req.Config.SystemInstruction)
	}
	if len(req.Config.Tools) > 0 {
		systemParts = append(systemParts, toolInstructionBlock(req.Config.Tools))
	}
	if req.Config.ResponseMimeType == "application/json" || req.Config.ResponseJSONSchema != nil {
		systemParts = append(systemParts, "Respond with JSON only. Do not include any prose outside the JSON object.")
	}

	var out []localMessage
	if len(systemParts) > 0 {
		out = append(out, localMessage{Role: "system", Content: strings.Join(systemParts, "\n\n")})
	}

	for _, c := range req.Contents {
		role := "user"
		if c.Role == convo.RoleModel {
			role = "assistant"
		}
		msg := localMessage{Role: role}
		for _, p := range c.Parts {
			switch p.Kind {
			case convo.PartText, convo.PartThought:
				msg.Content += p.Text
			case convo.PartFunctionCall:
				msg.ToolCalls = append(msg.ToolCalls, localToolCall{Function: localFunctionCall{
					Name: p.CallName, Arguments: p.CallArgs,
				}})
			case convo.PartFunctionResponse:
				respJSON, _ := json.Marshal(p.RespResponse)
				out = append(out, localMessage{Role: "tool", Content: string(respJSON)})
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// toolInstructionBlock produces the system-prompt fragment teaching a
// model without native function-calling the exact tag convention (§4.1.3,
// §6.2).
func toolInstructionBlock(tools []Tool) string {
	var b strings.Builder
	b.WriteString("You have access to the following tools. To call one, emit exactly:\n")
	b.WriteString("<tool_call>{\"name\": \"<tool>\", \"arguments\": { ... }}</tool_call>\n")
	b.WriteString("You may emit multiple such blocks. Available tools:\n")
	for _, t := range tools {
		b.WriteString(fmt.Sprintf("- %s: %s\n", t.Name, t.Description))
	}
	return b.String()
}

var toolCallTagRegexp = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// extractToolCallTags implements §4.1.3: non-greedy scan of
// <tool_call>...</tool_call> blocks, rewriting parts as interleaved
// Text/FunctionCall. Malformed blocks are preserved verbatim as text.
func extractToolCallTags(text string) ([]convo.Part, []convo.Part) {
	matches := toolCallTagRegexp.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []convo.Part{convo.TextPart(text)}, nil
	}

	var parts []convo.Part
	var calls []convo.Part
	cursor := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		bodyStart, bodyEnd := m[2], m[3]
		if start > cursor {
			if pre := text[cursor:start]; pre != "" {
				parts = append(parts, convo.TextPart(pre))
			}
		}
		body := text[bodyStart:bodyEnd]
		var parsed struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(body), &parsed); err != nil || parsed.Name == "" {
			parts = append(parts, convo.TextPart(text[start:end]))
		} else {
			call := convo.FunctionCallPart(parsed.Name, parsed.Arguments)
			parts = append(parts, call)
			calls = append(calls, call)
		}
		cursor = end
	}
	if cursor < len(text) {
		if tail := text[cursor:]; tail != "" {
			parts = append(parts, convo.TextPart(tail))
		}
	}
	return parts, calls
}

var thinkBlockRegexp = regexp.MustCompile(`(?s)<think>.*?</think>`)
var fencedJSONRegexp = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// extractJSON implements §4.1.4's post-processing pipeline.
func extractJSON(text string) (string, bool) {
	stripped := thinkBlockRegexp.ReplaceAllString(text, "")

	var candidate string
	if m := fencedJSONRegexp.FindStringSubmatch(stripped); m != nil {
		candidate = m[1]
	} else if body, ok := firstBalancedObject(stripped); ok {
		candidate = body
	} else {
		return text, false
	}

	var probe any
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		log.Warn().Err(err).Msg("local adapter: JSON extraction failed, leaving response text unchanged")
		return text, false
	}
	return candidate, true
}

// firstBalancedObject returns the first top-level {...} balanced
// substring, respecting string literals so braces inside strings don't
// confuse the depth counter.
func firstBalancedObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+len(string(r))], true
				}
			}
		}
	}
	return "", false
}
