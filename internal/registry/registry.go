// Package registry implements the Tool Registry (C2): an in-memory
// directory mapping tool name to declarative schema plus invocation
// factory, with cycle-safe schema declarations.
//
// Grounded on internal/mcp/types.go (Tool/ToolResult shapes) and
// internal/mcp/proxy.go (local-vs-upstream dispatch); the discovered-tool
// naming convention and the schema cycle detector are new, per
// SPEC_FULL.md's "Supplemented Features".
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/xonecas/turnrunner/internal/contentgen"
)

// Kind distinguishes tool confirmation categories referenced by the
// scheduler (C4) when it decides what confirmationDetails to build.
type Kind string

const (
	KindEdit Kind = "edit"
	KindExec Kind = "exec"
	KindMCP  Kind = "mcp"
	KindInfo Kind = "info"
)

// Declaration is the declarative schema §3 "Tool Declarative Schema".
type Declaration struct {
	Name             string
	DisplayName      string
	Description      string
	Kind             Kind
	ParameterSchema  map[string]any
	IsOutputMarkdown bool
	CanUpdateOutput  bool

	// hasCycle caches the schema-cycle-detection result on the record so
	// repeat declarations() calls don't re-walk the graph (§4.2).
	hasCycle bool
	cycleChecked bool
}

// InvocationFactory builds a bound Invocation from raw arguments. It
// returns an error (BadArgs, per §4.4.1) if the arguments don't satisfy
// the tool's contract — the scheduler maps that into its validating
// state's failure path.
type InvocationFactory func(args map[string]any) (Invocation, error)

// Invocation is a bound tool call ready to be approved and executed.
type Invocation interface {
	// ShouldConfirm reports whether user approval is required before
	// execution, and if so, the confirmation details to surface.
	ShouldConfirm(ctx context.Context) (*ConfirmationDetails, error)
	// Execute runs the tool. onOutput, if non-nil, receives incremental
	// output updates for streaming-capable tools.
	Execute(ctx context.Context, onOutput func(string)) (Result, error)
	// IsHardDenial reports a policy-level refusal that bypasses approval
	// entirely (§4.4.2); checked before ShouldConfirm.
	IsHardDenial() (bool, string)
}

// ConfirmationDetails is one of the four shapes in §6.3. Only the fields
// relevant to Type are populated.
type ConfirmationDetails struct {
	Type Kind

	// edit
	Title           string
	FileName        string
	FilePath        string
	FileDiff        string
	OriginalContent string
	NewContent      string

	// exec
	Command     string
	RootCommand string

	// mcp
	ServerName      string
	ToolName        string
	ToolDisplayName string

	// info
	Prompt string
}

// Result is a tool's successful execution output, shaped so the
// scheduler's response synthesis (§4.4.4) can tell single-string output
// from multi-part/binary output.
type Result struct {
	LLMContent string
	Parts      []ResultPart
	Diff       string // preserved verbatim for edit-type tool cancellation/error display
}

type ResultPart struct {
	MimeType string
	Bytes    []byte
	URI      string
	IsFile   bool
}

// Entry is a fully registered tool: its declaration plus the factory that
// builds invocations.
type Entry struct {
	Declaration Declaration
	NewInvocation InvocationFactory

	// Discovered MCP tool provenance, if any (§4.2).
	ServerName     string
	ServerToolName string
}

// Registry is the in-memory tool directory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a locally implemented tool.
func (r *Registry) Register(decl Declaration, factory InvocationFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[decl.Name]; exists {
		return fmt.Errorf("registry: tool %q already registered", decl.Name)
	}
	r.entries[decl.Name] = &Entry{Declaration: decl, NewInvocation: factory}
	return nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// RegisterDiscovered adds a tool surfaced by an external MCP server,
// applying the display-name convention and the 63-character collapse rule
// from §4.2.
func (r *Registry) RegisterDiscovered(serverName, serverToolName string, decl Declaration, factory InvocationFactory) error {
	rewritten := invalidNameChars.ReplaceAllString(serverToolName, "_")
	name := collapseLongName(rewritten)

	decl.Name = name
	decl.DisplayName = fmt.Sprintf("%s (%s MCP Server)", serverToolName, serverName)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("registry: discovered tool %q already registered", name)
	}
	r.entries[name] = &Entry{
		Declaration:    decl,
		NewInvocation:  factory,
		ServerName:     serverName,
		ServerToolName: serverToolName,
	}
	return nil
}

// collapseLongName collapses names longer than 63 characters to
// <first28>___<last32>, per §4.2.
func collapseLongName(name string) string {
	const maxLen = 63
	if len(name) <= maxLen {
		return name
	}
	return name[:28] + "___" + name[len(name)-32:]
}

// Get resolves a tool by name; the scheduler maps a miss to ToolNotFound.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// All returns every registered entry, in no particular order.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Declarations returns the cycle-safe JSON schemas for every registered
// tool, for inclusion in a generation request's tools list. Schemas whose
// reference graph contains a cycle are still included — §9 Open Question
// confirms the cycle result only annotates errors, never blocks the call —
// but the cycle flag is cached on the declaration for error annotation.
func (r *Registry) Declarations() []Declaration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Declaration, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Declaration.cycleChecked {
			e.Declaration.hasCycle = hasSchemaCycle(e.Declaration.ParameterSchema)
			e.Declaration.cycleChecked = true
		}
		out = append(out, e.Declaration)
	}
	return out
}

// ToolsForGeneration converts every declaration into the content
// generator's tool shape, for handing to a contentgen.Request.Config.Tools
// — the bridge between C2's declarative schema and C1's wire format.
func (r *Registry) ToolsForGeneration() []contentgen.Tool {
	decls := r.Declarations()
	out := make([]contentgen.Tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, contentgen.Tool{Name: d.Name, Description: d.Description, Parameters: d.ParameterSchema})
	}
	return out
}

// CyclicToolNames returns the names of every registered tool whose schema
// contains a $ref cycle, used to annotate SchemaDepthExceeded/
// InvalidArgument errors (§7).
func (r *Registry) CyclicToolNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, e := range r.entries {
		if !e.Declaration.cycleChecked {
			e.Declaration.hasCycle = hasSchemaCycle(e.Declaration.ParameterSchema)
			e.Declaration.cycleChecked = true
		}
		if e.Declaration.hasCycle {
			names = append(names, name)
		}
	}
	return names
}

// hasSchemaCycle is a DAG traversal over $ref/inline object references
// (§4.2). Schemas are plain map[string]any trees as decoded from JSON
// Schema documents; a $ref is represented as {"$ref": "#/definitions/X"}
// resolved against a "definitions" map at the schema root.
func hasSchemaCycle(schema map[string]any) bool {
	if schema == nil {
		return false
	}
	defs, _ := schema["definitions"].(map[string]any)
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var walk func(node map[string]any, path string) bool
	walk = func(node map[string]any, path string) bool {
		if node == nil {
			return false
		}
		if ref, ok := node["$ref"].(string); ok {
			key := refKey(ref)
			if visiting[key] {
				return true
			}
			if visited[key] {
				return false
			}
			target, ok := defs[key].(map[string]any)
			if !ok {
				return false
			}
			visiting[key] = true
			cyclic := walk(target, key)
			visiting[key] = false
			visited[key] = true
			return cyclic
		}
		if props, ok := node["properties"].(map[string]any); ok {
			for _, v := range props {
				if child, ok := v.(map[string]any); ok {
					if walk(child, path) {
						return true
					}
				}
			}
		}
		if items, ok := node["items"].(map[string]any); ok {
			if walk(items, path) {
				return true
			}
		}
		return false
	}

	return walk(schema, "")
}

func refKey(ref string) string {
	const prefix = "#/definitions/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}

// MarshalSchema is a convenience for adapters that need the raw JSON form
// of a parameter schema (e.g. the content generators' Tool.Parameters).
func MarshalSchema(schema map[string]any) (json.RawMessage, error) {
	return json.Marshal(schema)
}
