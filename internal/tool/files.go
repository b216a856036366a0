package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/policy"
	"github.com/haasonsaas/amon/internal/vault"
)

// FilesConfig wires the built-in file tools to one project.
type FilesConfig struct {
	ProjectRoot string
	Vault       *vault.Vault
	Gate        *policy.Gate
	Caller      policy.Caller

	// MaxReadBytes caps read_file output. Zero means 256 KiB.
	MaxReadBytes int64
}

const defaultMaxReadBytes = 256 << 10

// RegisterFileTools adds read_file, write_file and list_dir to the registry.
func RegisterFileTools(r *Registry, cfg FilesConfig) {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = defaultMaxReadBytes
	}
	r.Register(&readFileTool{cfg: cfg})
	r.Register(&writeFileTool{cfg: cfg})
	r.Register(&listDirTool{cfg: cfg})
}

type readFileTool struct {
	cfg FilesConfig
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a file inside the project. Output is truncated at the read limit."
}

func (t *readFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Project-relative path to read.",
			},
		},
		"required": []string{"path"},
	})
}

func (t *readFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	_ = ctx
	rel := stringArg(args, "path")
	if rel == "" {
		return nil, errs.New(errs.KindProtocol, "read_file: path is required")
	}
	abs, err := vault.ResolveInProject(t.cfg.ProjectRoot, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return &Result{Content: fmt.Sprintf("file not found: %s", rel), IsError: true}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	truncated := false
	if int64(len(data)) > t.cfg.MaxReadBytes {
		data = data[:t.cfg.MaxReadBytes]
		truncated = true
	}
	res := &Result{Content: string(data)}
	if truncated {
		res.Data = map[string]any{"truncated": true}
	}
	return res, nil
}

type writeFileTool struct {
	cfg FilesConfig
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Description() string {
	return "Write a file inside the project's allowed write roots. Writes are atomic."
}

func (t *writeFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Project-relative path to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content.",
			},
		},
		"required": []string{"path", "content"},
	})
}

func (t *writeFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	_ = ctx
	rel := stringArg(args, "path")
	if rel == "" {
		return nil, errs.New(errs.KindProtocol, "write_file: path is required")
	}
	content := stringArg(args, "content")
	abs, err := t.cfg.Gate.CheckWritePath(rel, t.cfg.Caller)
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Vault.AtomicWrite(abs, []byte(content)); err != nil {
		return nil, err
	}
	return &Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
		Data:    map[string]any{"path": rel, "bytes": len(content)},
	}, nil
}

type listDirTool struct {
	cfg FilesConfig
}

func (t *listDirTool) Name() string { return "list_dir" }

func (t *listDirTool) Description() string {
	return "List a directory inside the project. Directories are suffixed with /."
}

func (t *listDirTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Project-relative directory. Defaults to the project root.",
			},
		},
	})
}

func (t *listDirTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	_ = ctx
	rel := stringArg(args, "path")
	if rel == "" {
		rel = "."
	}
	abs, err := vault.ResolveInProject(t.cfg.ProjectRoot, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if os.IsNotExist(err) {
		return &Result{Content: fmt.Sprintf("directory not found: %s", rel), IsError: true}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{Content: strings.Join(names, "\n")}, nil
}
