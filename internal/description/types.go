package description

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamLocation says where a parameter travels.
type ParamLocation int

const (
	InPath ParamLocation = iota
	InQuery
)

func ParseParamLocation(s string) (ParamLocation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "path":
		return InPath, nil
	case "query":
		return InQuery, nil
	default:
		return 0, fmt.Errorf("unsupported parameter location %q", s)
	}
}

func (l ParamLocation) String() string {
	switch l {
	case InPath:
		return "path"
	case InQuery:
		return "query"
	default:
		return "unknown"
	}
}

func (l ParamLocation) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *ParamLocation) UnmarshalText(b []byte) error {
	v, err := ParseParamLocation(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l *ParamLocation) UnmarshalYAML(node *yaml.Node) error {
	return l.UnmarshalText([]byte(node.Value))
}

// ParamType is the declared value type of a parameter.
type ParamType int

const (
	TypeString ParamType = iota
	TypeInteger
	TypeNumber
	TypeBoolean
)

func ParseParamType(s string) (ParamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string":
		return TypeString, nil
	case "integer":
		return TypeInteger, nil
	case "number":
		return TypeNumber, nil
	case "boolean":
		return TypeBoolean, nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %q", s)
	}
}

func (t ParamType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeNumber:
		return "number"
	case TypeBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

func (t ParamType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ParamType) UnmarshalText(b []byte) error {
	v, err := ParseParamType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *ParamType) UnmarshalYAML(node *yaml.Node) error {
	return t.UnmarshalText([]byte(node.Value))
}

// Scheme names a security scheme. Unknown schemes are kept so a consumer can
// still read a newer peer's description and refuse only the affected calls.
type Scheme string

const (
	SchemeNone  Scheme = "none"
	SchemeBasic Scheme = "basic"
)

// Supported reports whether this version can speak the scheme.
func (s Scheme) Supported() bool {
	switch s {
	case "", SchemeNone, SchemeBasic:
		return true
	default:
		return false
	}
}

// IsNone treats an empty scheme as none.
func (s Scheme) IsNone() bool {
	return s == "" || s == SchemeNone
}
