package tool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/policy"
	"github.com/haasonsaas/amon/internal/vault"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"workspace", "docs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	gate := policy.NewGate(policy.Rules{Allow: []string{"*"}}, root, nil)
	r := NewRegistry()
	RegisterFileTools(r, FilesConfig{
		ProjectRoot: root,
		Vault:       vault.New(t.TempDir()),
		Gate:        gate,
		Caller:      policy.Caller{ProjectID: "p1", Source: "chat"},
	})
	return r, root
}

func TestRegistry_CaseInsensitiveLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Get("Read_File"); err != nil {
		t.Errorf("Get(Read_File) error = %v", err)
	}
	if _, err := r.Get("READ_FILE"); err != nil {
		t.Errorf("Get(READ_FILE) error = %v", err)
	}
	if _, err := r.Get("teleport"); errs.KindOf(err) != errs.KindToolDenied {
		t.Errorf("unknown tool error = %v, want TOOL_DENIED", err)
	}
	want := []string{"list_dir", "read_file", "write_file"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names() = %v, want %v", got, want)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, _ := r.Get("write_file")
	if _, err := w.Execute(ctx, map[string]any{"path": "docs/note.md", "content": "hello"}); err != nil {
		t.Fatalf("write_file error = %v", err)
	}

	rd, _ := r.Get("read_file")
	res, err := rd.Execute(ctx, map[string]any{"path": "docs/note.md"})
	if err != nil {
		t.Fatalf("read_file error = %v", err)
	}
	if res.Content != "hello" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestWriteOutsideAllowedPrefixes(t *testing.T) {
	r, _ := newTestRegistry(t)
	w, _ := r.Get("write_file")
	_, err := w.Execute(context.Background(), map[string]any{"path": "secrets/key.txt", "content": "x"})
	if errs.KindOf(err) != errs.KindPathNotAllowed {
		t.Errorf("error = %v, want PATH_NOT_ALLOWED", err)
	}
}

func TestReadEscapeRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	rd, _ := r.Get("read_file")
	_, err := rd.Execute(context.Background(), map[string]any{"path": "../outside.txt"})
	if errs.KindOf(err) != errs.KindPathNotAllowed {
		t.Errorf("error = %v, want PATH_NOT_ALLOWED", err)
	}
}

func TestReadTruncation(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	big := strings.Repeat("a", 100)
	if err := os.WriteFile(filepath.Join(root, "docs", "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	RegisterFileTools(r, FilesConfig{
		ProjectRoot:  root,
		Vault:        vault.New(t.TempDir()),
		Gate:         policy.NewGate(policy.Rules{Allow: []string{"*"}}, root, nil),
		MaxReadBytes: 10,
	})
	rd, _ := r.Get("read_file")
	res, err := rd.Execute(context.Background(), map[string]any{"path": "docs/big.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) != 10 {
		t.Errorf("content length = %d, want 10", len(res.Content))
	}
	if res.Data["truncated"] != true {
		t.Error("truncated flag not set")
	}
}

func TestListDir(t *testing.T) {
	r, root := newTestRegistry(t)
	if err := os.WriteFile(filepath.Join(root, "docs", "a.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ls, _ := r.Get("list_dir")
	res, err := ls.Execute(context.Background(), map[string]any{"path": "docs"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "a.md" {
		t.Errorf("listing = %q", res.Content)
	}

	res, err = ls.Execute(context.Background(), map[string]any{"path": "docs/nope"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing directory should be a tool-level error")
	}
}

func TestReadMissingFileIsToolError(t *testing.T) {
	r, _ := newTestRegistry(t)
	rd, _ := r.Get("read_file")
	res, err := rd.Execute(context.Background(), map[string]any{"path": "docs/none.md"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing file should be a tool-level error, not a Go error")
	}
}
