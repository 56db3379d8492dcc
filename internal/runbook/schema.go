package runbook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed runbook.schema.json
var schemaJSON string

var documentSchema = jsonschema.MustCompileString("runbook.schema.json", schemaJSON)

// ValidateDocument checks a YAML or JSON runbook document against the
// embedded schema. Structural graph checks are left to Runbook.Validate.
func ValidateDocument(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("malformed document: %v", err)}}
	}
	// Round-trip through JSON so the validator only sees JSON types.
	b, err := json.Marshal(raw)
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("malformed document: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("malformed document: %v", err)}}
	}

	if err := documentSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Problems: schemaProblems(ve)}
		}
		return err
	}
	return nil
}

func schemaProblems(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{strings.TrimSpace(loc + ": " + ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, schemaProblems(c)...)
	}
	return out
}
