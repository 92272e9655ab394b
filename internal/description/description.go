// Package description models a service's declarative interface document:
// identity, location, dependencies, security and the operations with their
// parameter contracts. A Service is immutable once loaded.
package description

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Service is a parsed service description.
type Service struct {
	Info         Info                  `json:"info" yaml:"info"`
	Location     string                `json:"location,omitempty" yaml:"location,omitempty"`
	Dependencies map[string]Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Security     Security              `json:"security,omitempty" yaml:"security,omitempty"`
	Operations   map[string]*Operation `json:"operations" yaml:"operations"`
}

type Info struct {
	Name string `json:"name" yaml:"name"`
	API  int    `json:"api" yaml:"api"`
}

// Dependency is a logical reference to another service. URL is "directory",
// "directory://<host>" or an explicit https:// URL.
type Dependency struct {
	Name string `json:"-" yaml:"-"`
	API  int    `json:"api" yaml:"api"`
	URL  string `json:"url" yaml:"url"`
}

type Security struct {
	Scheme Scheme `json:"scheme,omitempty" yaml:"scheme,omitempty"`
}

type Operation struct {
	Name     string    `json:"-" yaml:"-"`
	Request  Request   `json:"request" yaml:"request"`
	Security *Security `json:"security,omitempty" yaml:"security,omitempty"`
}

type Request struct {
	Method     string     `json:"method" yaml:"method"`
	Path       string     `json:"path" yaml:"path"`
	Parameters Parameters `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Parameter is one declared input of an operation.
type Parameter struct {
	Name     string
	In       ParamLocation
	Type     ParamType
	Required bool
}

// Parameters keeps declaration order, which fixes query string order.
type Parameters []Parameter

// IdentificationName returns "<name>/v<api>", or "" when either part is
// missing.
func (s *Service) IdentificationName() string {
	if s == nil || s.Info.Name == "" || s.Info.API <= 0 {
		return ""
	}
	return s.Info.Name + "/v" + strconv.Itoa(s.Info.API)
}

// BasePath is the URL prefix every operation of the service lives under.
func (s *Service) BasePath() string {
	id := s.IdentificationName()
	if id == "" {
		return ""
	}
	return "/" + id
}

// Operation looks up an operation by name.
func (s *Service) Operation(name string) (*Operation, bool) {
	if s == nil {
		return nil, false
	}
	op, ok := s.Operations[name]
	if !ok || op == nil {
		return nil, false
	}
	return op, true
}

// OperationNames returns the operation names in sorted order.
func (s *Service) OperationNames() []string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependency looks up a declared dependency by logical name.
func (s *Service) Dependency(name string) (Dependency, bool) {
	dep, ok := s.Dependencies[name]
	if !ok {
		return Dependency{}, false
	}
	dep.Name = name
	return dep, true
}

// EffectiveSecurity returns the operation's security, falling back to the
// service-wide one when the operation has none or an empty one.
func (s *Service) EffectiveSecurity(op *Operation) Security {
	if op != nil && op.Security != nil && op.Security.Scheme != "" {
		return *op.Security
	}
	if s == nil || s.Security.Scheme == "" {
		return Security{Scheme: SchemeNone}
	}
	return s.Security
}

// FullPath returns the operation's path template under the service prefix.
func (s *Service) FullPath(op *Operation) string {
	return s.BasePath() + op.Request.Path
}

// Method returns the upper-cased HTTP method.
func (op *Operation) Method() string {
	return strings.ToUpper(op.Request.Method)
}

// IdentificationName for a dependency, mirroring Service.IdentificationName.
func (d Dependency) IdentificationName() string {
	if d.Name == "" || d.API <= 0 {
		return ""
	}
	return d.Name + "/v" + strconv.Itoa(d.API)
}

func (d Dependency) String() string {
	if id := d.IdentificationName(); id != "" {
		return id
	}
	return d.Name
}

var placeholderRE = regexp.MustCompile(`:([A-Za-z0-9_]+)`)

// Placeholders lists the :name placeholders of a path template in order.
func Placeholders(path string) []string {
	matches := placeholderRE.FindAllStringSubmatch(path, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// RoutePattern rewrites :name placeholders into {name} route parameters.
func RoutePattern(path string) string {
	return placeholderRE.ReplaceAllString(path, "{$1}")
}

// Get returns the parameter with the given name.
func (p Parameters) Get(name string) (Parameter, bool) {
	for _, param := range p {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

// ServiceContextError reports missing or malformed interface metadata for a
// service reference.
type ServiceContextError struct {
	Service string
	Reason  string
}

func (e *ServiceContextError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("service context: %s", e.Reason)
	}
	return fmt.Sprintf("service context %s: %s", e.Service, e.Reason)
}
