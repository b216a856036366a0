// Package project manages the project directory tree under
// <data>/projects/. Creating a project seeds the full layout; deletion is a
// soft move into the trash area so it can be restored.
package project

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/policy"
	"github.com/haasonsaas/amon/internal/vault"
)

// ManifestName is the project manifest file at the project root.
const ManifestName = "amon.project.yaml"

// Manifest is the amon.project.yaml contents.
type Manifest struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`

	// Policy holds per-project tool rules layered over the defaults.
	Policy policy.Rules `yaml:"policy"`

	// AutomationBudgetDaily overrides the global automation budget when
	// set (> 0 enables spend, the zero default blocks automated LLM runs).
	AutomationBudgetDaily float64 `yaml:"automation_budget_daily"`
}

// Project is one entry in the store.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Root      string    `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages projects under <data>/projects.
type Store struct {
	dataDir string
	vault   *vault.Vault
	logger  *slog.Logger
}

// NewStore creates the store. The projects directory is created lazily.
func NewStore(dataDir string, v *vault.Vault, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dataDir: dataDir, vault: v, logger: logger}
}

var projectIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Root returns the project directory for an id.
func (s *Store) Root(projectID string) string {
	return filepath.Join(s.dataDir, "projects", projectID)
}

// layout is the directory set seeded at creation.
var layout = []string{
	"workspace",
	"docs",
	"audits",
	filepath.Join("sessions", "chat"),
	filepath.Join(".claude", "skills"),
	filepath.Join(".amon", "runs"),
	filepath.Join(".amon", "logs"),
}

// Create seeds a new project directory and manifest. The id must be a short
// lowercase slug; it doubles as the directory name.
func (s *Store) Create(projectID, name string) (*Project, error) {
	if !projectIDPattern.MatchString(projectID) {
		return nil, errs.New(errs.KindConfigInvalid, "invalid project id %q", projectID)
	}
	root := s.Root(projectID)
	if _, err := os.Stat(root); err == nil {
		return nil, errs.New(errs.KindConfigInvalid, "project %s already exists", projectID)
	}
	for _, dir := range layout {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, errs.Wrapf(errs.KindIO, err, "seed project %s", projectID)
		}
	}
	if name == "" {
		name = projectID
	}
	manifest := Manifest{
		ID:        projectID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}
	if err := s.vault.AtomicWrite(filepath.Join(root, ManifestName), data); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", projectID)
	return &Project{ID: projectID, Name: name, Root: root, CreatedAt: manifest.CreatedAt}, nil
}

// Get loads one project by id.
func (s *Store) Get(projectID string) (*Project, error) {
	manifest, err := s.LoadManifest(projectID)
	if err != nil {
		return nil, err
	}
	return &Project{
		ID:        manifest.ID,
		Name:      manifest.Name,
		Root:      s.Root(projectID),
		CreatedAt: manifest.CreatedAt,
	}, nil
}

// LoadManifest reads and validates a project's manifest.
func (s *Store) LoadManifest(projectID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.Root(projectID), ManifestName))
	if os.IsNotExist(err) {
		return nil, errs.New(errs.KindConfigInvalid, "project %s not found", projectID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, errs.Wrapf(errs.KindConfigInvalid, err, "parse %s for %s", ManifestName, projectID)
	}
	if manifest.ID == "" {
		manifest.ID = projectID
	}
	return &manifest, nil
}

// List returns all projects sorted by id. Directories without a readable
// manifest are skipped with a warning rather than failing the listing.
func (s *Store) List() ([]Project, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "projects"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	var out []Project
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		p, err := s.Get(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable project", "project_id", entry.Name(), "error", err)
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete soft-deletes the whole project tree into the trash area and returns
// the trash id needed for Restore.
func (s *Store) Delete(projectID string) (string, error) {
	if _, err := s.LoadManifest(projectID); err != nil {
		return "", err
	}
	trashID, err := s.vault.Delete(filepath.Join(s.dataDir, "projects"), projectID, s.Root(projectID))
	if err != nil {
		return "", err
	}
	s.logger.Info("project trashed", "project_id", projectID, "trash_id", trashID)
	return trashID, nil
}

// Restore brings a trashed project back to its original location.
func (s *Store) Restore(trashID string) error {
	return s.vault.Restore(trashID)
}
