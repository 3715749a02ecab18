// Package convo holds the conversation data model shared by the content
// generator, chat session, tool scheduler, and turn driver: History, Part,
// ToolCallRequest, and the content-generator configuration.
package convo

import "strings"

// Role is the speaker tag on a Content entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Content is one turn's worth of parts from a single role.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a tagged union. Exactly one of the typed fields is populated;
// Kind says which.
type PartKind string

const (
	PartText             PartKind = "text"
	PartThought          PartKind = "thought"
	PartFunctionCall     PartKind = "function_call"
	PartFunctionResponse PartKind = "function_response"
	PartInlineData       PartKind = "inline_data"
	PartFileData         PartKind = "file_data"
)

type Part struct {
	Kind PartKind `json:"kind"`

	Text string `json:"text,omitempty"`

	// FunctionCall
	CallName string         `json:"call_name,omitempty"`
	CallArgs map[string]any `json:"call_args,omitempty"`

	// FunctionResponse
	RespName     string         `json:"resp_name,omitempty"`
	RespID       string         `json:"resp_id,omitempty"`
	RespResponse map[string]any `json:"resp_response,omitempty"`
	RespError    string         `json:"resp_error,omitempty"`

	// InlineData / FileData
	MimeType string `json:"mime_type,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

func ThoughtPart(text string) Part { return Part{Kind: PartThought, Text: text} }

func FunctionCallPart(name string, args map[string]any) Part {
	return Part{Kind: PartFunctionCall, CallName: name, CallArgs: args}
}

func FunctionResponsePart(name, id string, response map[string]any, errMsg string) Part {
	return Part{Kind: PartFunctionResponse, RespName: name, RespID: id, RespResponse: response, RespError: errMsg}
}

// isEmptyText reports whether a part counts as "empty" for curation purposes:
// a text part with only whitespace, and not a thought.
func (p Part) isEmptyText() bool {
	return p.Kind == PartText && strings.TrimSpace(p.Text) == ""
}

// History is the ordered sequence of Content recorded for a session.
type History struct {
	items []Content
}

func NewHistory() *History { return &History{} }

func (h *History) Append(c Content) { h.items = append(h.items, c) }

func (h *History) Len() int { return len(h.items) }

// Last returns a pointer to the last recorded Content, or nil if empty.
func (h *History) Last() *Content {
	if len(h.items) == 0 {
		return nil
	}
	return &h.items[len(h.items)-1]
}

// Pop removes the last Content, used to roll back a user turn when every
// sendStream retry attempt fails.
func (h *History) Pop() {
	if len(h.items) == 0 {
		return
	}
	h.items = h.items[:len(h.items)-1]
}

// Raw returns a deep copy of the full recorded history.
func (h *History) Raw() []Content {
	return deepCopy(h.items)
}

// Curated returns a deep copy of the curated view: Thought parts are
// stripped out of every model turn before it's returned — a Thought part
// is never persisted into curated history, so it never round-trips back
// into the next request — and any model turn left invalid by that (no
// parts, or any remaining part empty/whitespace) is dropped entirely.
func (h *History) Curated() []Content {
	var out []Content
	for _, c := range h.items {
		if c.Role != RoleModel {
			out = append(out, c)
			continue
		}
		stripped, ok := curatedModelContent(c)
		if !ok {
			continue
		}
		out = append(out, stripped)
	}
	return deepCopy(out)
}

// curatedModelContent strips Thought parts from a model turn and reports
// whether anything worth persisting remains. A turn that was thought-only
// strips down to nothing and is dropped, same as a whitespace-only turn.
func curatedModelContent(c Content) (Content, bool) {
	kept := make([]Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Kind == PartThought {
			continue
		}
		if p.isEmptyText() {
			return Content{}, false
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return Content{}, false
	}
	return Content{Role: c.Role, Parts: kept}, true
}

// Record appends a user content followed by model output, consolidating
// per the invariant that adjacent model contents whose first parts are
// both Text get concatenated. Thought parts are recorded as-is into raw
// history so a UI can still see them; Curated strips them from the view
// sent back to the model.
func (h *History) Record(user Content, modelOutputs []Content) {
	h.Append(user)
	for _, m := range modelOutputs {
		h.appendModelConsolidated(m)
	}
}

func (h *History) appendModelConsolidated(m Content) {
	if last := h.Last(); last != nil && last.Role == RoleModel &&
		len(last.Parts) > 0 && len(m.Parts) > 0 &&
		last.Parts[0].Kind == PartText && m.Parts[0].Kind == PartText {
		last.Parts[0].Text += m.Parts[0].Text
		last.Parts = append(last.Parts, m.Parts[1:]...)
		return
	}
	h.Append(m)
}

// ReplaceTail substitutes the history's tail (elements beyond keepLen) with
// replacement. The chat session calls it with a nil replacement to drop the
// eagerly pushed user content before recording the completed turn.
func (h *History) ReplaceTail(keepLen int, replacement []Content) {
	if keepLen < 0 {
		keepLen = 0
	}
	if keepLen > len(h.items) {
		keepLen = len(h.items)
	}
	h.items = append(h.items[:keepLen:keepLen], replacement...)
}

func deepCopy(items []Content) []Content {
	out := make([]Content, len(items))
	for i, c := range items {
		parts := make([]Part, len(c.Parts))
		copy(parts, c.Parts)
		out[i] = Content{Role: c.Role, Parts: parts}
	}
	return out
}

// ToolCallRequest is a single requested invocation, emitted by C1/C5 and
// consumed by C4.
type ToolCallRequest struct {
	CallID            string
	Name              string
	Args              map[string]any
	PromptID          string
	IsClientInitiated bool
}

// GenerationConfig is the process-wide, per-session content-generator
// configuration. Mutable only through SetModel/SetFallbackMode so the
// chat session's single-writer discipline extends to it.
type GenerationConfig struct {
	Provider              string
	Model                 string
	BaseURL               string
	APIKey                string
	DefaultEmbeddingModel string
	QuotaErrorOccurred    bool
}

func (g *GenerationConfig) SetModel(model string) { g.Model = model }

func (g *GenerationConfig) SetFallbackMode(occurred bool) { g.QuotaErrorOccurred = occurred }
