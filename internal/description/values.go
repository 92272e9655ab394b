package description

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Accepts reports whether a typed value satisfies t. Integers accept
// floating point values with no fractional part, which is how JSON decoding
// hands them over.
func (t ParamType) Accepts(v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			return true
		case uint:
			return uint64(n) <= math.MaxInt64
		case uint64:
			return n <= math.MaxInt64
		case float32:
			return isWholeInt64(float64(n))
		case float64:
			return isWholeInt64(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case TypeNumber:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float32:
			return !math.IsNaN(float64(n)) && !math.IsInf(float64(n), 0)
		case float64:
			return !math.IsNaN(n) && !math.IsInf(n, 0)
		case json.Number:
			_, err := n.Float64()
			return err == nil
		}
		return false
	default:
		return false
	}
}

// isWholeInt64 reports whether f is a whole number that fits an int64, so
// that the provider can parse what FormatValue renders.
func isWholeInt64(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}

// Coerce converts a raw string from a URL into the typed value for t.
func (t ParamType) Coerce(raw string) (any, error) {
	switch t {
	case TypeString:
		return raw, nil
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil
	case TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case TypeBoolean:
		switch raw {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", raw)
	default:
		return nil, fmt.Errorf("unsupported parameter type %s", t)
	}
}

// FormatValue renders a typed value the way it travels in a path or query.
func FormatValue(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case json.Number:
		return n.String()
	default:
		return fmt.Sprint(v)
	}
}
