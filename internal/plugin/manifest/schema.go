// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manifest

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaID is the $id of the generated manifest schema.
const SchemaID = "https://holomush.dev/schemas/plugind/plugin.schema.json"

// GenerateSchema reflects the Manifest struct into an indented JSON Schema.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Manifest{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "plugind plugin manifest"
	s.Description = "Schema for plugin.yaml manifest files"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").Wrap(err)
	}
	return data, nil
}

var manifestSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, doc); err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	s, err := c.Compile(SchemaID)
	if err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	return s, nil
})

// ValidateSchema checks a YAML-decoded document against the manifest
// schema. Violations come back coded SCHEMA_VIOLATION with the offending
// instance locations in the "locations" context key.
func ValidateSchema(doc any) error {
	s, err := manifestSchema()
	if err != nil {
		return err
	}
	err = s.Validate(toJSONTypes(doc))
	if err == nil {
		return nil
	}
	var ve *jschema.ValidationError
	if !errors.As(err, &ve) {
		return oops.Code("SCHEMA_VIOLATION").Wrap(err)
	}
	return oops.Code("SCHEMA_VIOLATION").
		With("locations", violationLocations(ve)).
		Errorf("%s", describeViolation(ve))
}

// violationLocations returns the JSON pointers of the leaf violations,
// sorted and deduplicated.
func violationLocations(ve *jschema.ValidationError) []string {
	var out []string
	var walk func(*jschema.ValidationError)
	walk = func(e *jschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, "/"+strings.Join(e.InstanceLocation, "/"))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	slices.Sort(out)
	return slices.Compact(out)
}

// describeViolation drops the validator's header line, which names the
// schema URL rather than the problem.
func describeViolation(ve *jschema.ValidationError) string {
	msg := ve.Error()
	if _, rest, ok := strings.Cut(msg, "\n"); ok {
		msg = rest
	}
	return strings.TrimSpace(strings.ReplaceAll(msg, "\n", "; "))
}

// toJSONTypes converts yaml.v3 output to the shapes encoding/json produces,
// which is what the validator expects.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	case int:
		return json.Number(strconv.Itoa(val))
	case int64:
		return json.Number(strconv.FormatInt(val, 10))
	case uint64:
		return json.Number(strconv.FormatUint(val, 10))
	default:
		return val
	}
}
