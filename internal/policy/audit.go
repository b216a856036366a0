package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// AuditEntry is one line in the audit JSONL. Raw argument or result contents
// never appear here; only hashes and a structural preview.
type AuditEntry struct {
	TS           time.Time         `json:"ts"`
	Tool         string            `json:"tool"`
	Decision     Decision          `json:"decision"`
	Reason       string            `json:"reason"`
	ProjectID    string            `json:"project_id,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	ChatID       string            `json:"chat_id,omitempty"`
	Source       string            `json:"source,omitempty"`
	ArgsSHA256   string            `json:"args_sha256"`
	ResultSHA256 string            `json:"result_sha256,omitempty"`
	ArgsPreview  map[string]string `json:"args_preview,omitempty"`
}

// Audit appends hashed decision records to a JSONL file.
type Audit struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewAudit creates an audit writer at path (typically <data>/logs/audit.jsonl).
func NewAudit(path string) *Audit {
	return &Audit{path: path, now: time.Now}
}

// Record appends one decision. Failures are swallowed after best effort; an
// unwritable audit log must not turn every decision into an error, the
// denial/allowance itself already happened.
func (a *Audit) Record(tool string, args map[string]any, caller Caller, v Verdict) {
	entry := AuditEntry{
		TS:          a.now().UTC(),
		Tool:        tool,
		Decision:    v.Decision,
		Reason:      v.Reason,
		ProjectID:   caller.ProjectID,
		RunID:       caller.RunID,
		ChatID:      caller.ChatID,
		Source:      caller.Source,
		ArgsSHA256:  HashArgs(args),
		ArgsPreview: previewArgs(args),
	}
	a.append(entry)
}

// RecordResult appends a completion record carrying the result hash.
func (a *Audit) RecordResult(tool string, args map[string]any, caller Caller, v Verdict, result []byte) {
	sum := sha256.Sum256(result)
	entry := AuditEntry{
		TS:           a.now().UTC(),
		Tool:         tool,
		Decision:     v.Decision,
		Reason:       v.Reason,
		ProjectID:    caller.ProjectID,
		RunID:        caller.RunID,
		ChatID:       caller.ChatID,
		Source:       caller.Source,
		ArgsSHA256:   HashArgs(args),
		ResultSHA256: hex.EncodeToString(sum[:]),
		ArgsPreview:  previewArgs(args),
	}
	a.append(entry)
}

func (a *Audit) append(entry AuditEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(line)
}

// HashArgs produces a stable sha256 over the canonical JSON encoding of the
// arguments (keys sorted).
func HashArgs(args map[string]any) string {
	canonical := canonicalJSON(args)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v any) string {
	switch m := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			kb, _ := json.Marshal(k)
			parts = append(parts, string(kb)+":"+canonicalJSON(m[k]))
		}
		return "{" + joinComma(parts) + "}"
	case []any:
		parts := make([]string, 0, len(m))
		for _, item := range m {
			parts = append(parts, canonicalJSON(item))
		}
		return "[" + joinComma(parts) + "]"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// previewArgs maps each argument key to its value's type and size, never the
// value itself.
func previewArgs(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case string:
			out[k] = fmt.Sprintf("string(%d)", len(t))
		case []any:
			out[k] = fmt.Sprintf("array(%d)", len(t))
		case map[string]any:
			out[k] = fmt.Sprintf("object(%d)", len(t))
		case nil:
			out[k] = "null"
		default:
			out[k] = fmt.Sprintf("%T", v)
		}
	}
	return out
}
