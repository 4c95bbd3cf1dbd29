// Copyright 2025 James Ross
package guesthost

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLifecycleCreatedToReady(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	assert.Equal(t, StateCreated, h.State())

	require.NoError(t, h.Init(Config{CallTimeout: time.Second}))
	assert.Equal(t, StateReady, h.State())
}

func TestVerifyIntegrityAcceptsMatchingDigest(t *testing.T) {
	code := []byte("return 1")
	sum := sha512.Sum384(code)
	digest := "sha384-" + base64.StdEncoding.EncodeToString(sum[:])
	assert.NoError(t, VerifyIntegrity(digest, code))
}

func TestVerifyIntegrityRejectsMismatch(t *testing.T) {
	err := VerifyIntegrity("sha384-"+base64.StdEncoding.EncodeToString(make([]byte, 48)), []byte("return 1"))
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestVerifyIntegritySkipsWhenUndeclared(t *testing.T) {
	assert.NoError(t, VerifyIntegrity("", []byte("return 1")))
}

func TestExposeAfterInitRejected(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{}))

	err := h.Expose("log", func(L *lua.LState) int { return 0 })
	assert.Error(t, err)
}

func TestEvaluateRunsAndReturnsToReady(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{CallTimeout: time.Second}))

	err := h.Evaluate(context.Background(), "x = 1 + 1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, h.State())
}

func TestEvaluateSyntaxErrorStaysReady(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{CallTimeout: time.Second}))

	err := h.Evaluate(context.Background(), "this is not lua (((")
	assert.Error(t, err)
	assert.Equal(t, StateReady, h.State())
}

func TestCallFunctionRoundTrip(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{CallTimeout: time.Second}))
	require.NoError(t, h.Evaluate(context.Background(), `function double(n) return n * 2 end`))

	result, err := h.CallFunction(context.Background(), "double", lua.LNumber(21))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(42), result)
}

func TestExposedFunctionCallableFromGuest(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	var captured string
	require.NoError(t, h.Expose("host_log", func(L *lua.LState) int {
		captured = L.ToString(1)
		return 0
	}))
	require.NoError(t, h.Init(Config{CallTimeout: time.Second}))

	require.NoError(t, h.Evaluate(context.Background(), `host_log("hello from guest")`))
	assert.Equal(t, "hello from guest", captured)
}

func TestSuspendResume(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{}))

	require.NoError(t, h.Suspend())
	assert.Equal(t, StateSuspended, h.State())

	require.NoError(t, h.Resume())
	assert.Equal(t, StateReady, h.State())
}

func TestTerminateIsAbsorbing(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{}))
	require.NoError(t, h.Terminate())
	assert.Equal(t, StateTerminated, h.State())

	// idempotent
	require.NoError(t, h.Terminate())

	err := h.Evaluate(context.Background(), "x = 1")
	assert.Error(t, err)
	assert.Equal(t, StateTerminated, h.State())
}

func TestCallTimeoutTerminatesHost(t *testing.T) {
	h := New("com.example.widget", zap.NewNop())
	require.NoError(t, h.Init(Config{CallTimeout: 10 * time.Millisecond}))

	err := h.Evaluate(context.Background(), `while true do end`)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateTerminated, h.State())
}
