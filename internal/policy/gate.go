// Package policy computes allow/ask/deny decisions for tool invocations and
// file writes, and canonicalizes every path argument before use.
//
// The decision algebra is fixed: deny-list first, then ask-list, then
// allow-list, and anything unmatched is denied. A high-risk tool that the
// rules would allow is demoted to ask. Precedence is deny > ask > allow.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/amon/internal/errs"
	"github.com/haasonsaas/amon/internal/vault"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// Reasons carried on verdicts. Callers treat these as stable identifiers.
const (
	ReasonDenyRule       = "DENY_RULE"
	ReasonAskRule        = "ASK_RULE"
	ReasonAllowRule      = "ALLOW_RULE"
	ReasonUnmatched      = "UNMATCHED_TOOL"
	ReasonHighRiskDemote = "HIGH_RISK_DEMOTED"
	ReasonPathNotAllowed = "PATH_NOT_ALLOWED"
)

// Caller identifies who is asking.
type Caller struct {
	ProjectID string
	RunID     string
	ChatID    string
	// Source is chat, hook, or schedule.
	Source string
}

// Verdict is the full decision for one invocation.
type Verdict struct {
	Decision       Decision
	Reason         string
	RequireConfirm bool
	// ResolvedPath is the canonical absolute path when the invocation
	// carried a path argument.
	ResolvedPath string
}

// Rules declares tool patterns per decision tier plus the high-risk set.
// Patterns are literal names or doublestar globs ("fs.*", "shell_*").
type Rules struct {
	Deny     []string `yaml:"deny"`
	Ask      []string `yaml:"ask"`
	Allow    []string `yaml:"allow"`
	HighRisk []string `yaml:"high_risk"`

	// AllowedPrefixes are project-relative directories writes may touch.
	// Empty means the default set.
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
}

// DefaultAllowedPrefixes are the project-relative write roots. The run
// prefix is expanded with the caller's run id at decision time.
func DefaultAllowedPrefixes(runID string) []string {
	prefixes := []string{"workspace", "docs", "audits"}
	if runID != "" {
		prefixes = append(prefixes, filepath.Join(".amon", "runs", runID))
	}
	return prefixes
}

// Gate evaluates rules for one project.
type Gate struct {
	rules       Rules
	projectRoot string
	audit       *Audit
}

// NewGate creates a gate. audit may be nil (decisions are then unaudited;
// only tests do this).
func NewGate(rules Rules, projectRoot string, audit *Audit) *Gate {
	return &Gate{rules: rules, projectRoot: projectRoot, audit: audit}
}

// pathArgKeys are the argument names treated as filesystem paths.
var pathArgKeys = []string{"path", "file", "output_path", "target"}

// Decide evaluates one tool invocation. Path arguments are canonicalized and
// must land under an allowed prefix; violations deny regardless of tool
// rules. Every decision is appended to the audit log with hashed arguments.
func (g *Gate) Decide(toolName string, args map[string]any, caller Caller) Verdict {
	verdict := g.decide(toolName, args, caller)
	if g.audit != nil {
		g.audit.Record(toolName, args, caller, verdict)
	}
	return verdict
}

func (g *Gate) decide(toolName string, args map[string]any, caller Caller) Verdict {
	resolved, err := g.resolvePathArgs(args, caller)
	if err != nil {
		return Verdict{Decision: Deny, Reason: ReasonPathNotAllowed}
	}

	v := Verdict{ResolvedPath: resolved}
	switch {
	case matchAny(g.rules.Deny, toolName):
		v.Decision = Deny
		v.Reason = ReasonDenyRule
	case matchAny(g.rules.Ask, toolName):
		v.Decision = Ask
		v.Reason = ReasonAskRule
		v.RequireConfirm = true
	case matchAny(g.rules.Allow, toolName):
		v.Decision = Allow
		v.Reason = ReasonAllowRule
		if matchAny(g.rules.HighRisk, toolName) {
			v.Decision = Ask
			v.Reason = ReasonHighRiskDemote
			v.RequireConfirm = true
		}
	default:
		v.Decision = Deny
		v.Reason = ReasonUnmatched
	}
	return v
}

// CheckWritePath canonicalizes a project-relative write target and enforces
// the allowed prefixes. Used by the runtime for node output paths.
func (g *Gate) CheckWritePath(rel string, caller Caller) (string, error) {
	abs, err := vault.ResolveInProject(g.projectRoot, rel)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(g.projectRoot, abs)
	if err != nil {
		return "", errs.New(errs.KindPathNotAllowed, "path %s not relative to project", rel)
	}
	prefixes := g.rules.AllowedPrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultAllowedPrefixes(caller.RunID)
	}
	for _, prefix := range prefixes {
		if relToRoot == prefix || strings.HasPrefix(relToRoot, prefix+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", errs.New(errs.KindPathNotAllowed, "path %s outside allowed prefixes", rel)
}

func (g *Gate) resolvePathArgs(args map[string]any, caller Caller) (string, error) {
	var resolved string
	for _, key := range pathArgKeys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		abs, err := g.CheckWritePath(s, caller)
		if err != nil {
			return "", err
		}
		resolved = abs
	}
	return resolved, nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
