// Package tools implements the Tool Registry and Tool Executor (components
// D and E): the fixed set of tools the Agent Loop exposes to the LLM Adapter,
// each declared with a JSON Schema argument contract validated the way
// goa-ai's registry service validates toolset payloads before dispatch.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/raindrop/tabagent/internal/llm"
)

const (
	CreateDataset = "create_dataset"
	GetSchema     = "get_schema"
	SampleRows    = "sample_rows"
	RunQuery      = "run_query"
	Plot          = "plot"
	ResolveFields = "resolve_fields"
)

// schemas holds the raw JSON Schema document for each tool's arguments,
// authored once and compiled up front by NewRegistry.
var schemas = map[string]string{
	CreateDataset: `{
		"type": "object",
		"properties": {
			"file_id": {"type": "string"},
			"sheet": {"type": "string"},
			"header_row": {"type": "integer", "minimum": 0}
		},
		"required": ["file_id"]
	}`,
	GetSchema: `{
		"type": "object",
		"properties": {
			"dataset_id": {"type": "string"}
		},
		"required": ["dataset_id"]
	}`,
	SampleRows: `{
		"type": "object",
		"properties": {
			"dataset_id": {"type": "string"},
			"n": {"type": "integer", "minimum": 1, "maximum": 100},
			"columns": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["dataset_id"]
	}`,
	RunQuery: `{
		"type": "object",
		"properties": {
			"dataset_id": {"type": "string"},
			"filters": {"type": "array"},
			"group_by": {"type": "array", "items": {"type": "string"}},
			"aggregations": {"type": "array"},
			"derived": {"type": "array"},
			"sort": {"type": "array"},
			"limit": {"type": "integer"}
		},
		"required": ["dataset_id"]
	}`,
	Plot: `{
		"type": "object",
		"properties": {
			"chart_type": {"type": "string", "enum": ["line", "bar", "pie", "scatter", "area"]},
			"title": {"type": "string"},
			"x": {"type": "string"},
			"y": {"type": "string"},
			"series": {"type": "string"},
			"y_format": {"type": "string", "enum": ["plain", "percent"]}
		},
		"required": ["chart_type", "x", "y"]
	}`,
	ResolveFields: `{
		"type": "object",
		"properties": {
			"dataset_id": {"type": "string"},
			"terms": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["dataset_id", "terms"]
	}`,
}

var descriptions = map[string]string{
	CreateDataset: "Register a new dataset from a previously uploaded source file, returning its dataset_id and inferred schema.",
	GetSchema:     "Return the column schema (name, type, null_ratio, example_values) for a registered dataset.",
	SampleRows:    "Return a deterministic prefix of up to 100 rows from a dataset, optionally restricted to a column subset.",
	RunQuery:      "Execute a whitelisted QuerySpec (filters, group_by, aggregations, derived expressions, sort, limit) against a dataset and return the resulting table.",
	Plot:          "Normalize the most recent run_query or sample_rows result into a renderer-agnostic chart description.",
	ResolveFields: "Resolve ambiguous or misspelled column-name candidates to the nearest real columns in a dataset's schema.",
}

// Registry compiles and holds the JSON Schema for every declared tool, and
// translates them into the llm.ToolDecl shape each provider adapter wants.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

// NewRegistry compiles every tool's schema up front so a malformed schema
// fails at startup, not on the first call.
func NewRegistry() (*Registry, error) {
	r := &Registry{compiled: make(map[string]*jsonschema.Schema, len(schemas))}
	c := jsonschema.NewCompiler()
	for name, raw := range schemas {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("tool %s: unmarshal schema: %w", name, err)
		}
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
		}
		compiled, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		r.compiled[name] = compiled
	}
	return r, nil
}

// Declarations returns every tool in the provider-neutral shape the LLM
// Adapter sends on each turn.
func (r *Registry) Declarations() []llm.ToolDecl {
	out := make([]llm.ToolDecl, 0, len(schemas))
	for name, raw := range schemas {
		out = append(out, llm.ToolDecl{
			Name:        name,
			Description: descriptions[name],
			Schema:      json.RawMessage(raw),
		})
	}
	return out
}

// Validate checks args against name's compiled schema. A validation
// failure is BAD_TOOL_ARGS, not a BAD_SPEC — the QuerySpec/PlotSpec
// content is validated separately, by the compiler and normalizer.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	schema, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return schema.Validate(doc)
}

// Known reports whether name names a declared tool.
func (r *Registry) Known(name string) bool {
	_, ok := r.compiled[name]
	return ok
}
