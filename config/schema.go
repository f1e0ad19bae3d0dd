package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the configuration file, suitable for
// editor validation of the YAML.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:             true, // inline defs
		ExpandedStruct:             true, // put struct at root
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: false,
	}
	s := r.Reflect(new(File))
	s.Title = "VCS server configuration"
	return s
}

// SchemaJSON returns Schema rendered as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
