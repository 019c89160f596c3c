package contracts

import (
	"fmt"
)

// Properties is a typed key/value map. Values are bool, int64, float64,
// string, []byte or a nested Properties.
type Properties map[string]any

// NormalizeProperty converts v into the supported variant set. Integers widen
// to int64, floats to float64, nested maps recurse, and anything else falls
// back to its string form.
func NormalizeProperty(v any) any {
	switch t := v.(type) {
	case bool, int64, float64, string, []byte:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case Properties:
		return t.Normalize()
	case map[string]any:
		return Properties(t).Normalize()
	case nil:
		return nil
	default:
		return fmt.Sprint(t)
	}
}

// Normalize returns a copy of p with every value in the supported variant set.
func (p Properties) Normalize() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		out[k] = NormalizeProperty(v)
	}
	return out
}

// Bool returns the bool value at key.
func (p Properties) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Int returns the int64 value at key.
func (p Properties) Int(key string) (int64, bool) {
	v, ok := p[key].(int64)
	return v, ok
}

// Float returns the float64 value at key.
func (p Properties) Float(key string) (float64, bool) {
	v, ok := p[key].(float64)
	return v, ok
}

// String returns the string value at key.
func (p Properties) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Bytes returns the []byte value at key.
func (p Properties) Bytes(key string) ([]byte, bool) {
	v, ok := p[key].([]byte)
	return v, ok
}

// Map returns the nested Properties at key.
func (p Properties) Map(key string) (Properties, bool) {
	v, ok := p[key].(Properties)
	return v, ok
}
