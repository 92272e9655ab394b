package description

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const schemaURL = "svcweave://service-description.json"

const schemaDocument = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["info", "operations"],
  "properties": {
    "info": {
      "type": "object",
      "required": ["name", "api"],
      "properties": {
        "name": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
        "api": {"type": "integer", "minimum": 1}
      }
    },
    "location": {"type": "string", "pattern": "^(directory(://[^/]+)?|https://.+)$"},
    "dependencies": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["api", "url"],
        "properties": {
          "api": {"type": "integer", "minimum": 1},
          "url": {"type": "string", "pattern": "^(directory(://[^/]+)?|https://.+)$"}
        }
      }
    },
    "security": {"$ref": "#/definitions/security"},
    "operations": {
      "type": "object",
      "additionalProperties": {"$ref": "#/definitions/operation"}
    }
  },
  "definitions": {
    "security": {
      "type": "object",
      "properties": {"scheme": {"type": "string", "minLength": 1}}
    },
    "operation": {
      "type": "object",
      "required": ["request"],
      "properties": {
        "request": {"$ref": "#/definitions/request"},
        "security": {"$ref": "#/definitions/security"}
      }
    },
    "request": {
      "type": "object",
      "required": ["method", "path"],
      "properties": {
        "method": {"type": "string", "pattern": "^(?i:get|post|put|patch|delete|head|options)$"},
        "path": {"type": "string", "pattern": "^(/.*)?$"},
        "parameters": {
          "type": "object",
          "additionalProperties": {"$ref": "#/definitions/parameter"}
        }
      }
    },
    "parameter": {
      "type": "object",
      "required": ["in", "type"],
      "properties": {
        "in": {"enum": ["path", "query"]},
        "type": {"enum": ["string", "integer", "number", "boolean"]},
        "required": {"type": "boolean"}
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func descriptionSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaDocument)); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// SchemaError reports a description that does not conform to the interface
// description language.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	if len(e.Problems) == 0 {
		return "service description: invalid"
	}
	return "service description: " + strings.Join(e.Problems, "; ")
}

// Validate checks a YAML or JSON description against the schema. Semantic
// checks the schema cannot express (placeholders declared as path
// parameters) run afterwards.
func Validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &SchemaError{Problems: []string{fmt.Sprintf("parse: %v", err)}}
	}
	encoded, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return &SchemaError{Problems: []string{fmt.Sprintf("encode: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &SchemaError{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}

	schema, err := descriptionSchema()
	if err != nil {
		return fmt.Errorf("compile description schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return schemaProblems(err)
	}

	svc, err := Parse(data)
	if err != nil {
		return &SchemaError{Problems: []string{err.Error()}}
	}
	return checkPlaceholders(svc)
}

func schemaProblems(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &SchemaError{Problems: []string{err.Error()}}
	}
	var problems []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		problems = append(problems, loc+": "+e.Error)
	}
	if len(problems) == 0 {
		problems = []string{ve.Error()}
	}
	return &SchemaError{Problems: problems}
}

func checkPlaceholders(svc *Service) error {
	var problems []string
	for _, name := range svc.OperationNames() {
		op := svc.Operations[name]
		if op == nil {
			continue
		}
		for _, ph := range Placeholders(op.Request.Path) {
			param, ok := op.Request.Parameters.Get(ph)
			if !ok || param.In != InPath {
				problems = append(problems, fmt.Sprintf("/operations/%s: placeholder :%s has no path parameter", name, ph))
			}
		}
		for _, param := range op.Request.Parameters {
			if param.In != InPath {
				continue
			}
			found := false
			for _, ph := range Placeholders(op.Request.Path) {
				if ph == param.Name {
					found = true
				}
			}
			if !found {
				problems = append(problems, fmt.Sprintf("/operations/%s: path parameter %s has no placeholder", name, param.Name))
			}
		}
	}
	if len(problems) > 0 {
		return &SchemaError{Problems: problems}
	}
	return nil
}

func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[fmt.Sprint(key)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
