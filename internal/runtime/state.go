package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/graph"
	"github.com/haasonsaas/amon/internal/vault"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusSucceeded           Status = "succeeded"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether the status is final. A parked run is not terminal;
// it is waiting on confirmation or expiry.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NodeStatus is one node's state within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeState tracks one node through execution. Map children get their own
// entries keyed "<map_id>[<i>]".
type NodeState struct {
	Status     NodeStatus `json:"status"`
	Attempts   int        `json:"attempts,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PlanCard is the parked-run confirmation request.
type PlanCard struct {
	RunID   string   `json:"run_id"`
	NodeID  string   `json:"node_id,omitempty"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Risk    string   `json:"risk,omitempty"`
	// Origin records why the run parked: confirm node, ask-gated tool, or
	// budget stop. Confirmation handling differs per origin.
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Plan card origins.
const (
	ParkConfirmNode = "confirm"
	ParkAskTool     = "tool_ask"
	ParkBudget      = "budget"
)

// State is the persisted run record at .amon/runs/<run_id>/state.json.
type State struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	ChatID    string `json:"chat_id,omitempty"`
	GraphID   string `json:"graph_id"`
	Mode      string `json:"mode,omitempty"`
	// Source is chat, hook, or schedule.
	Source string `json:"source"`
	Actor  string `json:"actor,omitempty"`

	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Nodes   map[string]*NodeState `json:"nodes"`
	Session map[string]any        `json:"session,omitempty"`
	Plan    *PlanCard             `json:"plan,omitempty"`

	// Approved lists node keys whose confirmation was granted, so a
	// resumed run does not park on them again.
	Approved map[string]bool `json:"approved,omitempty"`
	// BudgetWaived lets a user-approved run proceed past the budget gate.
	BudgetWaived bool `json:"budget_waived,omitempty"`

	// Launched records that run.started was emitted, so a resumed run
	// does not emit it twice.
	Launched bool `json:"launched,omitempty"`
}

// Clone returns a deep-enough copy for handing to readers.
func (st *State) Clone() State {
	out := *st
	out.Nodes = make(map[string]*NodeState, len(st.Nodes))
	for id, ns := range st.Nodes {
		copied := *ns
		out.Nodes[id] = &copied
	}
	if st.Session != nil {
		out.Session = make(map[string]any, len(st.Session))
		for k, v := range st.Session {
			out.Session[k] = v
		}
	}
	if st.Plan != nil {
		card := *st.Plan
		out.Plan = &card
	}
	return out
}

// Store persists run records under one project.
type Store struct {
	projectRoot string
	vault       *vault.Vault
}

// NewStore creates a run store for a project.
func NewStore(projectRoot string, v *vault.Vault) *Store {
	return &Store{projectRoot: projectRoot, vault: v}
}

// RunDir is .amon/runs/<run_id>.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.projectRoot, ".amon", "runs", runID)
}

// SaveGraph writes graph.resolved.json.
func (s *Store) SaveGraph(runID string, g *graph.Graph) error {
	data, err := graph.Dumps(g)
	if err != nil {
		return err
	}
	return s.vault.AtomicWrite(filepath.Join(s.RunDir(runID), "graph.resolved.json"), data)
}

// LoadGraph reads graph.resolved.json back, checking the wire schema before
// decoding; the file may have been edited or produced by a hook template.
func (s *Store) LoadGraph(runID string) (*graph.Graph, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), "graph.resolved.json"))
	if err != nil {
		return nil, errs.Wrapf(errs.KindIO, err, "read resolved graph for %s", runID)
	}
	if err := graph.ValidateJSON(data); err != nil {
		return nil, err
	}
	return graph.Loads(data)
}

// SaveState writes state.json atomically.
func (s *Store) SaveState(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	return s.vault.AtomicWrite(filepath.Join(s.RunDir(st.RunID), "state.json"), data)
}

// LoadState reads state.json.
func (s *Store) LoadState(runID string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), "state.json"))
	if os.IsNotExist(err) {
		return nil, errs.New(errs.KindConfigInvalid, "run %s not found", runID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errs.Wrapf(errs.KindProtocol, err, "parse state for %s", runID)
	}
	return &st, nil
}

// ListRuns returns all persisted run states, newest first.
func (s *Store) ListRuns() ([]State, error) {
	entries, err := os.ReadDir(filepath.Join(s.projectRoot, ".amon", "runs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var out []State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.LoadState(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
