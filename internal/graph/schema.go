package graph

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/amon/internal/errs"
)

// resolvedSchema is the wire contract for graph.resolved.json. Structural
// validation beyond this (edge references, acyclicity) happens in Validate.
const resolvedSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "mode": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "enum": ["agent_task", "write_file", "tool_call", "condition", "map", "sandbox_run", "confirm"]
          },
          "engine": {"enum": ["llm", "tool", "hybrid"]},
          "output_path": {"type": "string"},
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 0},
              "backoff_s": {"type": "number", "minimum": 0},
              "jitter_s": {"type": "number", "minimum": 0}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"},
          "when": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// ValidateJSON checks raw graph JSON against the wire schema before the
// structural pass. Used when a graph arrives from disk or a hook template
// rather than a builder.
func ValidateJSON(data []byte) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("amon://graph.resolved.json", bytes.NewReader([]byte(resolvedSchema))); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("amon://graph.resolved.json")
	})
	if schemaErr != nil {
		return errs.Wrap(errs.KindProtocol, schemaErr)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Wrapf(errs.KindProtocol, err, "graph is not JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return errs.Wrapf(errs.KindProtocol, err, "graph schema violation")
	}
	return nil
}
