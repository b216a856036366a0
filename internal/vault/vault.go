// Package vault owns filesystem mutation for the platform: atomic writes,
// soft deletion into a trash area, and workspace containment checks. Nothing
// else in the codebase unlinks or renames user files directly.
package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/ids"
)

// Vault performs guarded filesystem operations rooted at the data dir.
type Vault struct {
	dataDir string
}

// New creates a vault over the given data directory.
func New(dataDir string) *Vault {
	return &Vault{dataDir: dataDir}
}

// TrashDir is <data>/trash.
func (v *Vault) TrashDir() string { return filepath.Join(v.dataDir, "trash") }

// AtomicWrite writes bytes to path via a temp sibling and rename, so no
// partial file is ever visible under the target name.
func (v *Vault) AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrapf(errs.KindIO, err, "create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.KindIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.KindIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.KindIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.KindIO, err)
	}
	return nil
}

// Manifest records where a trashed entry came from.
type Manifest struct {
	OriginalPath string    `json:"original_path"`
	DeletedAt    time.Time `json:"deleted_at"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// Delete moves the target into <data>/trash/<uuid>/ with a manifest. The
// target must live under projectRoot; deletion never reaches outside it.
func (v *Vault) Delete(projectRoot, projectID, path string) (trashID string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}
	rootAbs, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}
	if !contained(rootAbs, abs) {
		return "", errs.New(errs.KindPathNotAllowed, "refusing to delete %s outside project root", path)
	}
	if _, err := os.Lstat(abs); err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}

	trashID = ids.NewOpaque()
	entryDir := filepath.Join(v.TrashDir(), trashID)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}

	manifest := Manifest{OriginalPath: abs, DeletedAt: time.Now().UTC(), ProjectID: projectID}
	mb, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", errs.Wrap(errs.KindProtocol, err)
	}
	if err := v.AtomicWrite(filepath.Join(entryDir, "manifest.json"), mb); err != nil {
		return "", err
	}
	if err := os.Rename(abs, filepath.Join(entryDir, filepath.Base(abs))); err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}
	return trashID, nil
}

// Restore moves a trashed entry back to its original path. Fails if the
// origin is occupied again.
func (v *Vault) Restore(trashID string) error {
	entryDir := filepath.Join(v.TrashDir(), trashID)
	mb, err := os.ReadFile(filepath.Join(entryDir, "manifest.json"))
	if err != nil {
		return errs.Wrapf(errs.KindIO, err, "read trash manifest %s", trashID)
	}
	var manifest Manifest
	if err := json.Unmarshal(mb, &manifest); err != nil {
		return errs.Wrap(errs.KindProtocol, err)
	}
	if _, err := os.Lstat(manifest.OriginalPath); err == nil {
		return errs.New(errs.KindIO, "restore target %s already exists", manifest.OriginalPath)
	}
	if err := os.MkdirAll(filepath.Dir(manifest.OriginalPath), 0o755); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	stored := filepath.Join(entryDir, filepath.Base(manifest.OriginalPath))
	if err := os.Rename(stored, manifest.OriginalPath); err != nil {
		return errs.Wrap(errs.KindIO, err)
	}
	return os.RemoveAll(entryDir)
}

// SweepTrash removes trash entries older than retainDays. Returns the number
// of entries pruned.
func (v *Vault) SweepTrash(retainDays int) (int, error) {
	if retainDays <= 0 {
		retainDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retainDays)
	entries, err := os.ReadDir(v.TrashDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.Wrap(errs.KindIO, err)
	}
	pruned := 0
	for _, e := range entries {
		entryDir := filepath.Join(v.TrashDir(), e.Name())
		mb, err := os.ReadFile(filepath.Join(entryDir, "manifest.json"))
		if err != nil {
			continue
		}
		var manifest Manifest
		if err := json.Unmarshal(mb, &manifest); err != nil {
			continue
		}
		if manifest.DeletedAt.Before(cutoff) {
			if err := os.RemoveAll(entryDir); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}

// ResolveInProject canonicalizes rel against the project root and enforces
// containment: "..", absolute paths escaping the root, and symlinks pointing
// outside all fail with PATH_NOT_ALLOWED.
func ResolveInProject(projectRoot, rel string) (string, error) {
	rootAbs, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}
	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}

	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(rootReal, rel)
	}
	candidate = filepath.Clean(candidate)

	// Resolve through the deepest existing ancestor so symlinked parents
	// cannot smuggle the path outside the root.
	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}
	if !contained(rootReal, resolved) {
		return "", errs.New(errs.KindPathNotAllowed, "path %s resolves outside project root", rel)
	}
	return resolved, nil
}

func resolveExisting(path string) (string, error) {
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, err)
	}
	return filepath.Join(append([]string{real}, tail...)...), nil
}

func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
