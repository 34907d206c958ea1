package device

import (
	"encoding/json"
	"fmt"
	"math"
)

// Normalize converts v to the canonical Go type for the attribute's kind:
// bool, float64 or string. Numeric values of any width are accepted for
// doubles since OPC-UA clients frequently write Int32/Int64 variants.
func Normalize(attr Attribute, v any) (any, error) {
	if !attr.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, string(attr))
	}

	switch attr.Kind() {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects bool, got %T", ErrInvalidValue, attr, v)
		}
		return b, nil
	case KindDouble:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects number, got %T", ErrInvalidValue, attr, v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %s must be finite", ErrInvalidValue, attr)
		}
		return f, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects string, got %T", ErrInvalidValue, attr, v)
		}
		return s, nil
	}
}

// ValidateWrite checks an external write request and returns the
// normalized value to store.
func ValidateWrite(attr Attribute, v any) (any, error) {
	if !attr.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, string(attr))
	}
	if !attr.Writable() {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, attr)
	}
	return Normalize(attr, v)
}

// Write validates and applies an external write to the store.
func Write(store Store, attr Attribute, v any) error {
	normalized, err := ValidateWrite(attr, v)
	if err != nil {
		return err
	}
	return store.Set(attr, normalized)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
