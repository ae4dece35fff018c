package kernel

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openAPISpec []byte

// commandSchema validates raw command bodies against the Command schema of the
// embedded OpenAPI document.
type commandSchema struct {
	schema *openapi3.Schema
}

func loadCommandSchema() (*commandSchema, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	ref, ok := doc.Components.Schemas["Command"]
	if !ok || ref.Value == nil {
		return nil, fmt.Errorf("openapi document has no Command schema")
	}
	return &commandSchema{schema: ref.Value}, nil
}

// Validate checks body against the schema. body must be a JSON object.
func (c *commandSchema) Validate(body []byte) error {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return c.schema.VisitJSON(value, openapi3.MultiErrors())
}
