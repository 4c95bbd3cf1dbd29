// Copyright 2025 James Ross
package broker

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeSimpleValues(t *testing.T) {
	out, err := Serialize(map[string]any{"a": 1.0, "b": "text", "c": true, "d": nil}, SerializeLimits{})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, 1.0, m["a"])
	assert.Equal(t, "text", m["b"])
	assert.Equal(t, true, m["c"])
	assert.Nil(t, m["d"])
}

func TestSerializeNonFiniteNumberBecomesNull(t *testing.T) {
	out, err := Serialize(map[string]any{"x": math.Inf(1)}, SerializeLimits{})
	require.NoError(t, err)
	assert.Nil(t, out.(map[string]any)["x"])
}

func TestSerializeOpaqueValueBecomesNull(t *testing.T) {
	type opaque struct{ X int }
	out, err := Serialize(opaque{X: 1}, SerializeLimits{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestSerializeDepthOverflow(t *testing.T) {
	limits := SerializeLimits{MaxDepth: 2, MaxArrayLen: 10, MaxMapKeys: 10, MaxStringLen: 100, MaxTotalSize: 1 << 20}
	nested := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1.0}}}
	_, err := Serialize(nested, limits)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializeArrayLengthOverflow(t *testing.T) {
	limits := SerializeLimits{MaxDepth: 10, MaxArrayLen: 2, MaxMapKeys: 10, MaxStringLen: 100, MaxTotalSize: 1 << 20}
	_, err := Serialize([]any{1.0, 2.0, 3.0}, limits)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializeStringLengthOverflow(t *testing.T) {
	limits := SerializeLimits{MaxDepth: 10, MaxArrayLen: 10, MaxMapKeys: 10, MaxStringLen: 5, MaxTotalSize: 1 << 20}
	_, err := Serialize(strings.Repeat("x", 10), limits)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializeCycleDetected(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	_, err := Serialize(cyclic, SerializeLimits{})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializeTotalSizeOverflow(t *testing.T) {
	limits := SerializeLimits{MaxDepth: 10, MaxArrayLen: 10000, MaxMapKeys: 10000, MaxStringLen: 1000, MaxTotalSize: 100}
	arr := make([]any, 50)
	for i := range arr {
		arr[i] = strings.Repeat("x", 10)
	}
	_, err := Serialize(arr, limits)
	assert.ErrorIs(t, err, ErrSerialization)
}
