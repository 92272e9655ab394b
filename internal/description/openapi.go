package description

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// OpenAPI exports the description as an OpenAPI 3 document so generic
// tooling can read it. The document is loaded and validated by kin-openapi
// before being returned.
func OpenAPI(ctx context.Context, svc *Service) (*openapi3.T, error) {
	if svc.IdentificationName() == "" {
		return nil, &ServiceContextError{Reason: "description has no identification name"}
	}

	paths := map[string]any{}
	usesBasic := svc.EffectiveSecurity(nil).Scheme == SchemeBasic
	for _, name := range svc.OperationNames() {
		op := svc.Operations[name]
		if op == nil {
			continue
		}
		path := RoutePattern(svc.FullPath(op))
		item, _ := paths[path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[path] = item
		}
		operation := map[string]any{
			"operationId": name,
			"responses": map[string]any{
				"default": map[string]any{"description": "operation response"},
			},
		}
		if params := openAPIParameters(op.Request.Parameters); len(params) > 0 {
			operation["parameters"] = params
		}
		switch svc.EffectiveSecurity(op).Scheme {
		case SchemeBasic:
			usesBasic = true
			operation["security"] = []any{map[string]any{"basic": []any{}}}
		default:
			operation["security"] = []any{}
		}
		item[strings.ToLower(op.Method())] = operation
	}

	raw := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   svc.Info.Name,
			"version": strconv.Itoa(svc.Info.API),
		},
		"paths": paths,
	}
	if usesBasic {
		raw["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"basic": map[string]any{"type": "http", "scheme": "basic"},
			},
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode openapi: %w", err)
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi: %w", err)
	}
	return doc, nil
}

func openAPIParameters(params Parameters) []any {
	out := make([]any, 0, len(params))
	for _, p := range params {
		out = append(out, map[string]any{
			"name":     p.Name,
			"in":       p.In.String(),
			"required": p.Required || p.In == InPath,
			"schema":   map[string]any{"type": p.Type.String()},
		})
	}
	return out
}
