// Package tools implements tool dispatch: declared JSON Schema validation
// of tool-call arguments, the typed ToolDispatch variant the orchestrator
// switches on (spec §9's explicit redesign away from exception-based
// approval signaling), and the two built-in tools the spec names
// (a shell tool and human_intervention.request).
//
// Schema validation is grounded on the teacher's
// pkg/pluginsdk/validation.go: santhosh-tekuri/jsonschema/v5 with a
// sync.Map compiled-schema cache.
package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON Schema describing a tool's arguments.
type Schema struct {
	compiled *jsonschema.Schema
}

var schemaCache sync.Map // map[string]*jsonschema.Schema, keyed by raw schema JSON

// CompileSchema compiles (or returns the cached compilation of) a raw
// JSON Schema document.
func CompileSchema(name string, raw []byte) (*Schema, error) {
	key := name + "\x00" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return &Schema{compiled: compiled}, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema %q: %w", name, err)
	}
	schemaCache.Store(key, compiled)
	return &Schema{compiled: compiled}, nil
}

// Validate checks argsJSON (a JSON-encoded object, matching
// model.ToolCall.Arguments) against the schema.
func (s *Schema) Validate(argsJSON string) error {
	var decoded any
	if err := json.Unmarshal([]byte(argsJSON), &decoded); err != nil {
		return fmt.Errorf("tools: decode arguments: %w", err)
	}
	if err := s.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tools: arguments invalid: %w", err)
	}
	return nil
}
