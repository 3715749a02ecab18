package registry

import (
	"context"
	"strings"
	"testing"
)

func stubFactory(args map[string]any) (Invocation, error) {
	return stubInvocation{}, nil
}

type stubInvocation struct{}

func (stubInvocation) ShouldConfirm(ctx context.Context) (*ConfirmationDetails, error) { return nil, nil }
func (stubInvocation) Execute(ctx context.Context, onOutput func(string)) (Result, error) {
	return Result{LLMContent: "ok"}, nil
}
func (stubInvocation) IsHardDenial() (bool, string) { return false, "" }

func TestDiscoveredToolNamingConvention(t *testing.T) {
	r := New()
	if err := r.RegisterDiscovered("spacemolt", "scan planet", Declaration{Description: "scans"}, stubFactory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, ok := r.Get("scan_planet")
	if !ok {
		t.Fatalf("expected rewritten name 'scan_planet' to be registered")
	}
	want := "scan planet (spacemolt MCP Server)"
	if entry.Declaration.DisplayName != want {
		t.Fatalf("display name = %q, want %q", entry.Declaration.DisplayName, want)
	}
}

func TestCollapseLongName(t *testing.T) {
	long := strings.Repeat("x", 100)
	collapsed := collapseLongName(long)
	if len(collapsed) != 28+3+32 {
		t.Fatalf("collapsed length = %d, want %d", len(collapsed), 28+3+32)
	}
	if !strings.HasPrefix(collapsed, long[:28]) || !strings.HasSuffix(collapsed, long[len(long)-32:]) {
		t.Fatalf("collapsed name %q does not preserve first28/last32", collapsed)
	}
}

func TestSchemaCycleDetection(t *testing.T) {
	cyclic := map[string]any{
		"definitions": map[string]any{
			"node": map[string]any{
				"properties": map[string]any{
					"child": map[string]any{"$ref": "#/definitions/node"},
				},
			},
		},
		"$ref": "#/definitions/node",
	}
	if !hasSchemaCycle(cyclic) {
		t.Fatalf("expected cycle to be detected")
	}

	acyclic := map[string]any{
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	if hasSchemaCycle(acyclic) {
		t.Fatalf("expected no cycle in acyclic schema")
	}
}

func TestCyclicToolNamesAnnotatesWithoutBlocking(t *testing.T) {
	r := New()
	cyclic := map[string]any{
		"definitions": map[string]any{
			"a": map[string]any{"properties": map[string]any{"next": map[string]any{"$ref": "#/definitions/a"}}},
		},
		"$ref": "#/definitions/a",
	}
	if err := r.Register(Declaration{Name: "loopy", ParameterSchema: cyclic}, stubFactory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := r.CyclicToolNames()
	if len(names) != 1 || names[0] != "loopy" {
		t.Fatalf("expected 'loopy' flagged as cyclic, got %+v", names)
	}

	// Per §9 Open Question: cycle detection annotates but never blocks the
	// call — the tool must still be present in Declarations().
	decls := r.Declarations()
	if len(decls) != 1 || decls[0].Name != "loopy" {
		t.Fatalf("expected cyclic tool still present in declarations")
	}
}
