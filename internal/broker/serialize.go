// Copyright 2025 James Ross
package broker

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// SerializeLimits bounds the guest<->host message envelope tree.
type SerializeLimits struct {
	MaxDepth     int
	MaxArrayLen  int
	MaxMapKeys   int
	MaxStringLen int
	MaxTotalSize int64
}

func defaultSerializeLimits() SerializeLimits {
	return SerializeLimits{
		MaxDepth:     10,
		MaxArrayLen:  1000,
		MaxMapKeys:   100,
		MaxStringLen: 100000,
		MaxTotalSize: 10 << 20,
	}
}

// ErrSerialization is returned (wrapped) for any violation — depth
// overflow, array/map/string overflow, total size overflow, or a cycle. A
// violation fails the whole call; no partial state is observable.
var ErrSerialization = errors.New("SERIALIZATION_ERROR")

// Serialize walks v (a tree of nil/bool/number/string/[]any/map[string]any)
// and enforces the envelope limits, replacing non-finite numbers, callables
// and opaque objects with nil rather than failing the call for those alone.
// Depth, string, array, map and total-size overflow, and cycles, fail the
// whole call.
func Serialize(v any, limits SerializeLimits) (any, error) {
	if limits == (SerializeLimits{}) {
		limits = defaultSerializeLimits()
	}
	s := &serializer{limits: limits, seen: make(map[uintptr]bool)}
	out, size, err := s.walk(v, 0)
	if err != nil {
		return nil, err
	}
	if size > limits.MaxTotalSize {
		return nil, fmt.Errorf("%w: total size %d exceeds %d", ErrSerialization, size, limits.MaxTotalSize)
	}
	return out, nil
}

type serializer struct {
	limits SerializeLimits
	seen   map[uintptr]bool
}

func (s *serializer) walk(v any, depth int) (any, int64, error) {
	if depth > s.limits.MaxDepth {
		return nil, 0, fmt.Errorf("%w: depth exceeds %d", ErrSerialization, s.limits.MaxDepth)
	}

	switch val := v.(type) {
	case nil:
		return nil, 0, nil
	case bool:
		return val, 1, nil
	case string:
		if len(val) > s.limits.MaxStringLen {
			return nil, 0, fmt.Errorf("%w: string length %d exceeds %d", ErrSerialization, len(val), s.limits.MaxStringLen)
		}
		return val, int64(len(val)), nil
	case int:
		return float64(val), 8, nil
	case int64:
		return float64(val), 8, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, 8, nil
		}
		return val, 8, nil
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if ptr != 0 {
			if s.seen[ptr] {
				return nil, 0, fmt.Errorf("%w: cyclic reference detected", ErrSerialization)
			}
			s.seen[ptr] = true
			defer delete(s.seen, ptr)
		}
		if len(val) > s.limits.MaxArrayLen {
			return nil, 0, fmt.Errorf("%w: array length %d exceeds %d", ErrSerialization, len(val), s.limits.MaxArrayLen)
		}
		out := make([]any, len(val))
		var total int64
		for i, elem := range val {
			converted, size, err := s.walk(elem, depth+1)
			if err != nil {
				return nil, 0, err
			}
			out[i] = converted
			total += size
		}
		return out, total, nil
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if s.seen[ptr] {
			return nil, 0, fmt.Errorf("%w: cyclic reference detected", ErrSerialization)
		}
		s.seen[ptr] = true
		defer delete(s.seen, ptr)
		if len(val) > s.limits.MaxMapKeys {
			return nil, 0, fmt.Errorf("%w: map key count %d exceeds %d", ErrSerialization, len(val), s.limits.MaxMapKeys)
		}
		out := make(map[string]any, len(val))
		var total int64
		for k, elem := range val {
			converted, size, err := s.walk(elem, depth+1)
			if err != nil {
				return nil, 0, err
			}
			out[k] = converted
			total += size + int64(len(k))
		}
		return out, total, nil
	default:
		// Callables and opaque host objects are replaced with null rather
		// than failing the call.
		return nil, 0, nil
	}
}
