package graph

import (
	"bytes"
	"encoding/json"

	"github.com/haasonsaas/amon/internal/errs"
)

// Loads parses a resolved graph from JSON and validates it structurally.
func Loads(data []byte) (*Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var g Graph
	if err := dec.Decode(&g); err != nil {
		return nil, errs.Wrapf(errs.KindProtocol, err, "parse graph")
	}
	if err := g.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}
	return &g, nil
}

// Dumps serializes a graph to stable JSON: struct field order is fixed and
// encoding/json sorts map keys, so Dumps(Loads(Dumps(g))) == Dumps(g).
func Dumps(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(g); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err)
	}
	return buf.Bytes(), nil
}
