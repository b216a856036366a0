package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/vault"
)

// JobState is one job's persisted health record at
// <data>/jobs/state/<job_id>.json. It survives restarts so schedules can
// detect misfires and watchers keep their failure counts.
type JobState struct {
	JobID     string    `json:"job_id"`
	Enabled   bool      `json:"enabled"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type jobStore struct {
	dir   string
	vault *vault.Vault

	mu sync.Mutex
}

func newJobStore(dataDir string, v *vault.Vault) *jobStore {
	return &jobStore{dir: filepath.Join(dataDir, "jobs", "state"), vault: v}
}

func (s *jobStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Load returns the persisted state, or a fresh enabled record when none
// exists.
func (s *jobStore) Load(jobID string) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(jobID))
	if os.IsNotExist(err) {
		return JobState{JobID: jobID, Enabled: true}, nil
	}
	if err != nil {
		return JobState{}, errs.Wrap(errs.KindIO, err)
	}
	var st JobState
	if err := json.Unmarshal(data, &st); err != nil {
		return JobState{}, errs.Wrapf(errs.KindProtocol, err, "parse job state %s", jobID)
	}
	return st, nil
}

// Save persists the record atomically.
func (s *jobStore) Save(st JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	return s.vault.AtomicWrite(s.path(st.JobID), data)
}

// RecordRun marks a successful dispatch.
func (s *jobStore) RecordRun(jobID string, at time.Time) error {
	st, err := s.Load(jobID)
	if err != nil {
		return err
	}
	st.Enabled = true
	st.LastRunAt = at.UTC()
	st.LastError = ""
	st.Failures = 0
	return s.Save(st)
}

// RecordFailure bumps the failure count and stores the message.
func (s *jobStore) RecordFailure(jobID string, cause error) (JobState, error) {
	st, err := s.Load(jobID)
	if err != nil {
		return JobState{}, err
	}
	st.Failures++
	if cause != nil {
		st.LastError = cause.Error()
	}
	if err := s.Save(st); err != nil {
		return JobState{}, err
	}
	return st, nil
}
