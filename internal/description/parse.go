package description

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML or JSON description without schema validation.
// Missing fields stay zero; use Load for validated input.
func Parse(data []byte) (*Service, error) {
	var svc Service
	if err := yaml.Unmarshal(data, &svc); err != nil {
		return nil, fmt.Errorf("parse service description: %w", err)
	}
	svc.bind()
	return &svc, nil
}

// Load validates data against the description schema and parses it.
func Load(data []byte) (*Service, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	return Parse(data)
}

// LoadFile reads and loads a description file.
func LoadFile(path string) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service description: %w", err)
	}
	return Load(data)
}

// JSON renders the description as published to peers.
func (s *Service) JSON() ([]byte, error) {
	return json.Marshal(s)
}

func (s *Service) bind() {
	for name, op := range s.Operations {
		if op != nil {
			op.Name = name
		}
	}
	for name, dep := range s.Dependencies {
		dep.Name = name
		s.Dependencies[name] = dep
	}
}

type paramFields struct {
	In       ParamLocation `json:"in" yaml:"in"`
	Type     ParamType     `json:"type" yaml:"type"`
	Required bool          `json:"required,omitempty" yaml:"required,omitempty"`
}

func (p *Parameters) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		*p = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	out := make(Parameters, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var f paramFields
		if err := node.Content[i+1].Decode(&f); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		out = append(out, Parameter{Name: name, In: f.In, Type: f.Type, Required: f.Required})
	}
	*p = out
	return nil
}

// UnmarshalJSON goes through the YAML node tree so object key order survives.
func (p *Parameters) UnmarshalJSON(b []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		*p = nil
		return nil
	}
	return p.UnmarshalYAML(doc.Content[0])
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(param.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(paramFields{In: param.In, Type: param.Type, Required: param.Required})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
