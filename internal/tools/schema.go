// Package tools provides the builtin tool implementations registered
// with every service instance: delegation, document retrieval and
// ingestion, sandboxed file access, and read-only database queries.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor derives a tool's parameter schema from its params struct.
// The result is a self-contained object schema: no $ref indirection and
// no $schema header, since it is embedded in provider tool definitions.
func schemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		// Params structs are package-local; a marshal failure is a bug.
		panic(err)
	}
	return raw
}
