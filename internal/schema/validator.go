package schema

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docgrok/docgrok/internal/common"
)

// Validate checks data against schemaMap (a JSON-Schema expressed as a
// generic map). Schema problems surface as InvalidRequest; document problems
// as ValidationError.
func Validate(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return common.E(common.KindInvalidRequest, "marshal schema", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return common.E(common.KindInvalidRequest, "add schema", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return common.E(common.KindInvalidRequest, "compile schema", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return common.E(common.KindValidation, "output is not valid JSON", err)
	}
	if err := compiled.Validate(v); err != nil {
		return common.E(common.KindValidation, "output does not match schema", err)
	}
	return nil
}

// Structured decodes validated output into the metadata map carried on the
// result.
func Structured(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, common.E(common.KindValidation, "output is not a JSON object", err)
	}
	return m, nil
}
