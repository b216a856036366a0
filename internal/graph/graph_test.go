package graph

import (
	"bytes"
	"testing"
)

func diamond() *Graph {
	return &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "a", Type: NodeWriteFile, Content: "x", OutputPath: "docs/a.md"},
			{ID: "b", Type: NodeWriteFile, Content: "x", OutputPath: "docs/b.md"},
			{ID: "c", Type: NodeWriteFile, Content: "x", OutputPath: "docs/c.md"},
			{ID: "d", Type: NodeWriteFile, Content: "x", OutputPath: "docs/d.md"},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}
}

func TestLayers_Diamond(t *testing.T) {
	layers, err := diamond().Layers()
	if err != nil {
		t.Fatalf("Layers() error = %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(layers) != len(want) {
		t.Fatalf("got %d layers, want %d", len(layers), len(want))
	}
	for i := range want {
		if len(layers[i]) != len(want[i]) {
			t.Fatalf("layer %d = %v, want %v", i, layers[i], want[i])
		}
		for j := range want[i] {
			if layers[i][j] != want[i][j] {
				t.Errorf("layer %d = %v, want %v (declaration order tie-break)", i, layers[i], want[i])
			}
		}
	}
}

func TestLayers_CycleDetected(t *testing.T) {
	g := &Graph{
		ID: "cyclic",
		Nodes: []Node{
			{ID: "a", Type: NodeCondition},
			{ID: "b", Type: NodeCondition},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	if _, err := g.Layers(); err == nil {
		t.Error("cycle not detected")
	}
}

func TestValidate_RejectsBadGraphs(t *testing.T) {
	cases := []struct {
		name string
		g    *Graph
	}{
		{"duplicate id", &Graph{ID: "g", Nodes: []Node{{ID: "a", Type: NodeCondition}, {ID: "a", Type: NodeCondition}}}},
		{"unknown type", &Graph{ID: "g", Nodes: []Node{{ID: "a", Type: "teleport"}}}},
		{"dangling edge", &Graph{ID: "g", Nodes: []Node{{ID: "a", Type: NodeCondition}}, Edges: []Edge{{From: "a", To: "ghost"}}}},
		{"map without child", &Graph{ID: "g", Nodes: []Node{{ID: "m", Type: NodeMap}}}},
		{"confirm without plan", &Graph{ID: "g", Nodes: []Node{{ID: "c", Type: NodeConfirm}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.g.Validate(); err == nil {
				t.Error("Validate() accepted invalid graph")
			}
		})
	}
}

func TestCodec_RoundTripStable(t *testing.T) {
	g, err := Build(ModeSelfCritique, "g42", "write an essay")
	if err != nil {
		t.Fatal(err)
	}
	first, err := Dumps(g)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := Loads(first)
	if err != nil {
		t.Fatalf("Loads() error = %v", err)
	}
	second, err := Dumps(reloaded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Dumps(Loads(Dumps(g))) != Dumps(g)")
	}
}

func TestValidateJSON_Schema(t *testing.T) {
	g, _ := Build(ModeSingle, "g1", "hi")
	data, err := Dumps(g)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateJSON(data); err != nil {
		t.Errorf("valid graph rejected: %v", err)
	}

	if err := ValidateJSON([]byte(`{"id":"x","nodes":[{"id":"a","type":"teleport"}]}`)); err == nil {
		t.Error("schema accepted unknown node type")
	}
	if err := ValidateJSON([]byte(`{"nodes":[]}`)); err == nil {
		t.Error("schema accepted graph without id")
	}
}

func TestEvalGuard(t *testing.T) {
	state := map[string]any{
		"approved": true,
		"status":   "ok",
		"count":    float64(0),
		"items":    []any{"a"},
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"approved", true},
		{"!approved", false},
		{"missing", false},
		{"!missing", true},
		{"status == 'ok'", true},
		{"status == 'bad'", false},
		{"status != 'bad'", true},
		{"count", false},
		{"items", true},
	}
	for _, tc := range cases {
		if got := EvalGuard(tc.expr, state); got != tc.want {
			t.Errorf("EvalGuard(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestSelectMode(t *testing.T) {
	cases := []struct {
		prompt string
		want   string
	}{
		{"hello", ModeSingle},
		{"please review my essay", ModeSelfCritique},
		{"この文章を批評してください", ModeSelfCritique},
		{"produce a report and slides for the launch", ModeTeam},
	}
	for _, tc := range cases {
		if got := SelectMode(tc.prompt); got != tc.want {
			t.Errorf("SelectMode(%q) = %s, want %s", tc.prompt, got, tc.want)
		}
	}
}

func TestBuild_SelfCritiqueShape(t *testing.T) {
	g, err := Build(ModeSelfCritique, "g1", "topic")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("built graph invalid: %v", err)
	}
	m := g.NodeByID("reviews")
	if m == nil || m.Map == nil || m.Map.Count != 10 {
		t.Fatal("reviews map node must fan out to 10 children")
	}
	if !g.RequiresLLM() {
		t.Error("self-critique graph must require LLM")
	}
}
