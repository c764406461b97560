package config

import (
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

// JSONSchema returns the generated schema for Config, used by
// `petrel config schema` and editor integrations.
func JSONSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			DoNotReference:             true,
		}
		schema = r.Reflect(&Config{})
		schema.Title = "petrel configuration"
	})
	return schema
}
