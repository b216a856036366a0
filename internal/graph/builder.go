package graph

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/amon/internal/retry"
)

// Modes for chat-triggered graphs.
const (
	ModeSingle       = "single"
	ModeSelfCritique = "self_critique"
	ModeTeam         = "team"
)

// reviewFanOut is the self-critique reviewer count.
const reviewFanOut = 10

// SelectMode picks a graph mode from the prompt when the caller does not
// force one. Review keywords win over length; deliverable enumeration
// promotes to team.
func SelectMode(prompt string) string {
	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "review") || strings.Contains(prompt, "批評") {
		return ModeSelfCritique
	}
	if countDeliverables(lower) >= 2 {
		return ModeTeam
	}
	return ModeSingle
}

var deliverableWords = []string{"report", "slides", "summary", "spec", "proposal", "readme", "design doc"}

func countDeliverables(lower string) int {
	n := 0
	for _, w := range deliverableWords {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

// Build constructs the resolved graph for a mode. The prompt becomes the
// root instruction; output paths land under docs/.
func Build(mode, graphID, prompt string) (*Graph, error) {
	switch mode {
	case ModeSingle:
		return buildSingle(graphID, prompt), nil
	case ModeSelfCritique:
		return buildSelfCritique(graphID, prompt), nil
	case ModeTeam:
		return buildTeam(graphID, prompt), nil
	default:
		return nil, fmt.Errorf("unknown graph mode %q", mode)
	}
}

func buildSingle(graphID, prompt string) *Graph {
	return &Graph{
		ID:   graphID,
		Mode: ModeSingle,
		Nodes: []Node{
			{
				ID:         "answer",
				Type:       NodeAgentTask,
				Engine:     EngineLLM,
				Prompt:     prompt,
				OutputPath: "docs/answer.md",
				Writes:     []Write{{Key: "answer", TypeHint: "markdown"}},
				Retry:      retry.DefaultPolicy(),
			},
		},
	}
}

func buildSelfCritique(graphID, prompt string) *Graph {
	return &Graph{
		ID:   graphID,
		Mode: ModeSelfCritique,
		Nodes: []Node{
			{
				ID:         "draft",
				Type:       NodeAgentTask,
				Engine:     EngineLLM,
				Prompt:     "Write a first draft answering the request:\n\n" + prompt,
				OutputPath: "docs/draft.md",
				Writes:     []Write{{Key: "draft", TypeHint: "markdown"}},
				Retry:      retry.DefaultPolicy(),
			},
			{
				ID:   "reviews",
				Type: NodeMap,
				Map: &MapSpec{
					Count:    reviewFanOut,
					MaxItems: reviewFanOut,
					Child: &Node{
						ID:         "review",
						Type:       NodeAgentTask,
						Engine:     EngineLLM,
						Reads:      []string{"draft"},
						Prompt:     "Critique the draft. Focus on correctness, clarity, and omissions. Reviewer {i} of " + fmt.Sprint(reviewFanOut) + ".",
						OutputPath: "docs/reviews/review-{i}.md",
						Writes:     []Write{{Key: "review_{i}", TypeHint: "markdown"}},
						Retry:      retry.DefaultPolicy(),
					},
				},
				Writes: []Write{{Key: "reviews", TypeHint: "list"}},
			},
			{
				ID:         "final",
				Type:       NodeAgentTask,
				Engine:     EngineLLM,
				Reads:      []string{"draft", "reviews"},
				Prompt:     "Synthesize the draft and all reviews into the final answer. The first non-blank line of your output must begin with the word \"Final\".",
				OutputPath: "docs/final.md",
				Writes:     []Write{{Key: "final", TypeHint: "markdown"}},
				Retry:      retry.DefaultPolicy(),
			},
		},
		Edges: []Edge{
			{From: "draft", To: "reviews"},
			{From: "reviews", To: "final"},
		},
	}
}

func buildTeam(graphID, prompt string) *Graph {
	return &Graph{
		ID:   graphID,
		Mode: ModeTeam,
		Nodes: []Node{
			{
				ID:     "plan",
				Type:   NodeAgentTask,
				Engine: EngineLLM,
				Prompt: "Break the request into a JSON array of deliverable titles (strings only):\n\n" + prompt,
				Writes: []Write{{Key: "deliverables", TypeHint: "list"}},
				Retry:  retry.DefaultPolicy(),
			},
			{
				ID:   "produce",
				Type: NodeMap,
				Map: &MapSpec{
					ItemsKey: "deliverables",
					MaxItems: 8,
					Child: &Node{
						ID:         "deliverable",
						Type:       NodeAgentTask,
						Engine:     EngineLLM,
						Reads:      []string{"deliverables"},
						Prompt:     "Produce the deliverable: {item}\n\nOriginal request:\n" + prompt,
						OutputPath: "docs/deliverables/item-{i}.md",
						Writes:     []Write{{Key: "item_{i}", TypeHint: "markdown"}},
						Retry:      retry.DefaultPolicy(),
					},
				},
				Writes: []Write{{Key: "outputs", TypeHint: "list"}},
			},
			{
				ID:         "merge",
				Type:       NodeAgentTask,
				Engine:     EngineLLM,
				Reads:      []string{"outputs"},
				Prompt:     "Merge the deliverables into a cohesive summary document.",
				OutputPath: "docs/summary.md",
				Writes:     []Write{{Key: "summary", TypeHint: "markdown"}},
				Retry:      retry.DefaultPolicy(),
			},
		},
		Edges: []Edge{
			{From: "plan", To: "produce"},
			{From: "produce", To: "merge"},
		},
	}
}
