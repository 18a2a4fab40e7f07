package ai

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
	schemaErr  error
)

// TurnSchema returns the JSON schema of TurnResult sent as the structured
// output format. It is reflected once.
func TurnSchema() (json.RawMessage, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			AllowAdditionalProperties: false,
			DoNotReference:            true,
			ExpandedStruct:            true,
		}
		s := r.Reflect(&TurnResult{})
		s.Version = ""
		schemaJSON, schemaErr = s.MarshalJSON()
	})
	return schemaJSON, schemaErr
}
