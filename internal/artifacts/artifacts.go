// Package artifacts maintains the per-run artifact manifest. Artifacts are
// files under docs/ or workspace/ that a run actually wrote; the manifest
// never includes pre-existing files, only paths recorded by the runtime at
// write time.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/vault"
)

// Artifact is one manifest entry.
type Artifact struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Mime         string    `json:"mime"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
	SourceRunID  string    `json:"source_run_id"`
	SourceNodeID string    `json:"source_node_id"`
}

// Manifest collects the artifacts of one run and persists them to
// .amon/runs/<run_id>/artifacts.json after every record.
type Manifest struct {
	mu          sync.Mutex
	projectRoot string
	runID       string
	vault       *vault.Vault
	now         func() time.Time
	entries     map[string]Artifact
}

// Option configures a Manifest.
type Option func(*Manifest)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manifest) { m.now = now }
}

// NewManifest creates a manifest for one run, loading a previous snapshot if
// the run is resuming.
func NewManifest(projectRoot, runID string, v *vault.Vault, opts ...Option) (*Manifest, error) {
	m := &Manifest{
		projectRoot: projectRoot,
		runID:       runID,
		vault:       v,
		now:         time.Now,
		entries:     make(map[string]Artifact),
	}
	for _, opt := range opts {
		opt(m)
	}
	data, err := os.ReadFile(m.path())
	if err == nil {
		var prior []Artifact
		if err := json.Unmarshal(data, &prior); err == nil {
			for _, a := range prior {
				m.entries[a.Path] = a
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	return m, nil
}

func (m *Manifest) path() string {
	return filepath.Join(m.projectRoot, ".amon", "runs", m.runID, "artifacts.json")
}

// allowedRoots are the project-relative directories artifacts may live in.
var allowedRoots = []string{"docs", "workspace", "audits"}

// Record hashes and sniffs the file at the project-relative path and adds it
// to the manifest. Paths outside the artifact roots are rejected.
func (m *Manifest) Record(rel, nodeID string) (Artifact, error) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if !underAllowedRoot(rel) {
		return Artifact{}, errs.New(errs.KindPathNotAllowed, "artifact path %s outside docs/, workspace/, audits/", rel)
	}
	abs, err := vault.ResolveInProject(m.projectRoot, rel)
	if err != nil {
		return Artifact{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Artifact{}, errs.Wrapf(errs.KindIO, err, "read artifact %s", rel)
	}
	sum := sha256.Sum256(data)

	artifact := Artifact{
		Path:         rel,
		Size:         int64(len(data)),
		Mime:         sniffMime(rel, data),
		SHA256:       hex.EncodeToString(sum[:]),
		CreatedAt:    m.now().UTC(),
		SourceRunID:  m.runID,
		SourceNodeID: nodeID,
	}

	m.mu.Lock()
	m.entries[rel] = artifact
	err = m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// List returns the manifest sorted by path.
func (m *Manifest) List() []Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Artifact, 0, len(m.entries))
	for _, a := range m.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Manifest) persistLocked() error {
	out := make([]Artifact, 0, len(m.entries))
	for _, a := range m.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	return m.vault.AtomicWrite(m.path(), data)
}

// Load reads a run's persisted manifest without constructing a Manifest.
// Used by the read-only HTTP endpoints.
func Load(projectRoot, runID string) ([]Artifact, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, ".amon", "runs", runID, "artifacts.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var out []Artifact
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}
	return out, nil
}

func underAllowedRoot(rel string) bool {
	for _, root := range allowedRoots {
		if rel == root {
			continue
		}
		if len(rel) > len(root) && rel[:len(root)] == root && rel[len(root)] == '/' {
			return true
		}
	}
	return false
}

// sniffMime prefers the extension for text formats the content sniffer
// reports as plain text, then falls back to content sniffing.
func sniffMime(rel string, data []byte) string {
	switch filepath.Ext(rel) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	return http.DetectContentType(data)
}
