package deliverable

import (
	"encoding/json"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Per-format payload schemas. A format missing here validates vacuously;
// formats listed must carry their required structure for the artifact to
// be approvable.
var schemaSources = map[string]string{
	"contact_database": `{
		"type": "object",
		"required": ["contacts"],
		"properties": {
			"contacts": {"type": "array"},
			"total_contacts": {"type": "integer", "minimum": 0},
			"quality_score": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	"email_sequence": `{
		"type": "object",
		"required": ["sequences"],
		"properties": {
			"sequences": {"type": "array", "items": {"type": "object"}}
		}
	}`,
	"content_calendar": `{
		"type": "object",
		"required": ["items"],
		"properties": {
			"items": {"type": "array"},
			"period": {"type": "string"}
		}
	}`,
	"document": `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		}
	}`,
}

func compileSchemas(logger *slog.Logger) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for format, src := range schemaSources {
		var doc any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			logger.Warn("bad payload schema", "format", format, "error", err)
			continue
		}
		c := jsonschema.NewCompiler()
		name := format + ".json"
		if err := c.AddResource(name, doc); err != nil {
			logger.Warn("register payload schema", "format", format, "error", err)
			continue
		}
		compiled, err := c.Compile(name)
		if err != nil {
			logger.Warn("compile payload schema", "format", format, "error", err)
			continue
		}
		out[format] = compiled
	}
	return out
}

// validatePayload checks a payload against the schema for its format.
// Failures are logged and reported as false; they never propagate.
func (e *Engine) validatePayload(format string, payload map[string]any) bool {
	schema := e.schemas[format]
	if schema == nil {
		return true
	}
	// Round-trip so in-memory Go values become plain JSON types first.
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("marshal payload for validation", "format", format, "error", err)
		return false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		e.logger.Warn("decode payload for validation", "format", format, "error", err)
		return false
	}
	if err := schema.Validate(doc); err != nil {
		e.logger.Warn("payload failed schema", "format", format, "error", err)
		return false
	}
	return true
}
