package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/observability"
	"github.com/haasonsaas/amon/internal/vault"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	return NewStore(dataDir, vault.New(dataDir), logger), dataDir
}

func TestCreate_SeedsLayout(t *testing.T) {
	s, _ := newTestStore(t)
	p, err := s.Create("p1", "First Project")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, dir := range []string{
		"workspace", "docs", "audits",
		"sessions/chat", ".claude/skills", ".amon/runs", ".amon/logs",
	} {
		if _, err := os.Stat(filepath.Join(p.Root, dir)); err != nil {
			t.Errorf("missing %s: %v", dir, err)
		}
	}
	manifest, err := s.LoadManifest("p1")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if manifest.Name != "First Project" {
		t.Errorf("name = %q", manifest.Name)
	}
	if manifest.AutomationBudgetDaily != 0 {
		t.Errorf("automation budget default = %v, want 0", manifest.AutomationBudgetDaily)
	}
}

func TestCreate_RejectsBadIDs(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"", "Has Spaces", "UPPER", "../escape", "-leading"} {
		if _, err := s.Create(id, ""); errs.KindOf(err) != errs.KindConfigInvalid {
			t.Errorf("Create(%q) error = %v, want CONFIG_INVALID", id, err)
		}
	}
}

func TestCreate_DuplicateRejected(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Create("p1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("p1", ""); errs.KindOf(err) != errs.KindConfigInvalid {
		t.Errorf("duplicate error = %v, want CONFIG_INVALID", err)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"zeta", "alpha"} {
		if _, err := s.Create(id, ""); err != nil {
			t.Fatal(err)
		}
	}
	projects, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(projects) != 2 || projects[0].ID != "alpha" || projects[1].ID != "zeta" {
		t.Errorf("List() = %v, want alpha then zeta", projects)
	}
}

func TestList_EmptyStore(t *testing.T) {
	s, _ := newTestStore(t)
	projects, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Errorf("projects = %v", projects)
	}
}

func TestDeleteAndRestore(t *testing.T) {
	s, _ := newTestStore(t)
	p, err := s.Create("p1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.Root, "docs", "keep.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	trashID, err := s.Delete("p1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(p.Root); !os.IsNotExist(err) {
		t.Error("project root still present after delete")
	}
	if _, err := s.Get("p1"); errs.KindOf(err) != errs.KindConfigInvalid {
		t.Errorf("Get after delete = %v, want not-found", err)
	}

	if err := s.Restore(trashID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.Root, "docs", "keep.md")); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
}

func TestDelete_MissingProject(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Delete("ghost"); errs.KindOf(err) != errs.KindConfigInvalid {
		t.Errorf("error = %v, want CONFIG_INVALID", err)
	}
}
