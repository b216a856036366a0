package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/amon/internal/artifacts"
	"github.com/haasonsaas/amon/internal/billing"
	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
	"github.com/haasonsaas/amon/internal/runtime"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) error {
	projects, err := s.deps.Projects.List()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
	return nil
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	proj, err := s.deps.Projects.Create(req.ID, req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, proj)
	return nil
}

func (s *Server) handleEnsureSession(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	root, err := s.projectRoot(req.ProjectID)
	if err != nil {
		return err
	}
	chatID, source, err := s.deps.Orchestrator.Sessions(root).EnsureSession(req.ChatID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "source": source})
	return nil
}

func (s *Server) handlePlanConfirm(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
		RunID     string `json:"run_id"`
		Confirmed bool   `json:"confirmed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	runID := req.RunID
	if runID == "" {
		root, err := s.projectRoot(req.ProjectID)
		if err != nil {
			return err
		}
		runID, err = s.latestParkedRun(root, req.ChatID)
		if err != nil {
			return err
		}
	}
	run, err := s.deps.Orchestrator.ResolvePlan(runID, req.Confirmed)
	if err != nil {
		return err
	}
	st := run.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "status": st.Status})
	return nil
}

// latestParkedRun finds the newest pending_confirmation run for a chat.
func (s *Server) latestParkedRun(projectRoot, chatID string) (string, error) {
	states, err := s.runStore(projectRoot).ListRuns()
	if err != nil {
		return "", err
	}
	var best *runtime.State
	for i := range states {
		st := &states[i]
		if st.Status != runtime.StatusPendingConfirmation {
			continue
		}
		if chatID != "" && st.ChatID != chatID {
			continue
		}
		if best == nil || st.StartedAt.After(best.StartedAt) {
			best = st
		}
	}
	if best == nil {
		return "", errs.New(errs.KindConfigInvalid, "no run awaiting confirmation")
	}
	return best.RunID, nil
}

func (s *Server) handleContextClear(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Scope     string `json:"scope"`
		ProjectID string `json:"project_id"`
		ChatID    string `json:"chat_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	root, err := s.projectRoot(req.ProjectID)
	if err != nil {
		return err
	}
	if err := s.deps.Orchestrator.Sessions(root).ClearContext(req.Scope, req.ChatID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": req.Scope})
	return nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) error {
	root, err := s.projectRoot(r.URL.Query().Get("project_id"))
	if err != nil {
		return err
	}
	states, err := s.runStore(root).ListRuns()
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": states})
	return nil
}

func (s *Server) handleRunGraph(w http.ResponseWriter, r *http.Request) error {
	root, err := s.projectRoot(r.URL.Query().Get("project_id"))
	if err != nil {
		return err
	}
	g, err := s.runStore(root).LoadGraph(r.PathValue("run_id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, g)
	return nil
}

func (s *Server) handleRunNode(w http.ResponseWriter, r *http.Request) error {
	root, err := s.projectRoot(r.URL.Query().Get("project_id"))
	if err != nil {
		return err
	}
	st, err := s.runStore(root).LoadState(r.PathValue("run_id"))
	if err != nil {
		return err
	}
	nodeID := r.PathValue("node_id")
	node, ok := st.Nodes[nodeID]
	if !ok {
		return errs.New(errs.KindConfigInvalid, "unknown node %q in run %s", nodeID, st.RunID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": st.RunID, "node_id": nodeID, "state": node})
	return nil
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) error {
	root, err := s.projectRoot(r.URL.Query().Get("project_id"))
	if err != nil {
		return err
	}
	list, err := artifacts.Load(root, r.PathValue("run_id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": list})
	return nil
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) error {
	runID := r.PathValue("run_id")
	if err := s.deps.Runtime.Cancel(runID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": runtime.StatusCancelled})
	return nil
}

// handleEventsQuery pages through a project's event log, newest page first.
// With run_id set it reads that run's log instead.
func (s *Server) handleEventsQuery(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	root, err := s.projectRoot(q.Get("project_id"))
	if err != nil {
		return err
	}
	logPath := eventlog.ProjectEventsPath(root)
	if runID := q.Get("run_id"); runID != "" {
		logPath = eventlog.RunEventsPath(root, runID)
	}
	return s.queryLog(w, q, logPath)
}

// handleLogsQuery pages through the installation-wide event log.
func (s *Server) handleLogsQuery(w http.ResponseWriter, r *http.Request) error {
	return s.queryLog(w, r.URL.Query(), eventlog.GlobalEventsPath(s.deps.DataDir))
}

func (s *Server) queryLog(w http.ResponseWriter, q map[string][]string, logPath string) error {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	page, _ := strconv.Atoi(get("page"))
	pageSize, _ := strconv.Atoi(get("page_size"))

	var since, until time.Time
	if v := get("time_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errs.Wrapf(errs.KindConfigInvalid, err, "parse time_from")
		}
		since = t
	}
	if v := get("time_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errs.Wrapf(errs.KindConfigInvalid, err, "parse time_to")
		}
		until = t
	}
	projectID := get("project_id")
	runID := get("run_id")
	nodeID := get("node_id")
	typ := get("type")
	actor := get("actor")

	evs, err := eventlog.ReadPage(logPath, page, pageSize, func(ev events.Event) bool {
		if projectID != "" && ev.ProjectID != projectID {
			return false
		}
		if runID != "" && ev.RunID != runID {
			return false
		}
		if nodeID != "" && ev.NodeID != nodeID {
			return false
		}
		if typ != "" && string(ev.Type) != typ {
			return false
		}
		if actor != "" && ev.Actor != actor {
			return false
		}
		if !since.IsZero() && ev.TS.Before(since) {
			return false
		}
		if !until.IsZero() && ev.TS.After(until) {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
	return nil
}

func (s *Server) handleBillingSummary(w http.ResponseWriter, r *http.Request) error {
	projectID := r.URL.Query().Get("project_id")
	logPath := eventlog.GlobalBillingPath(s.deps.DataDir)
	if projectID != "" {
		root, err := s.projectRoot(projectID)
		if err != nil {
			return err
		}
		logPath = eventlog.ProjectBillingPath(root)
	}
	summary, err := billing.Summarize(logPath, projectID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, summary)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	snap := s.health.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"queue_depth":       s.active.Load(),
		"recent_error_rate": snap,
		"observability":     map[string]any{"schema_version": SchemaVersion},
	})
	return nil
}
