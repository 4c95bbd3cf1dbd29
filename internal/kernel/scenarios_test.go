// Copyright 2025 James Ross
package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/pactforge/plugin-guard/internal/alert"
	"github.com/pactforge/plugin-guard/internal/broker"
	"github.com/pactforge/plugin-guard/internal/capability"
	"github.com/pactforge/plugin-guard/internal/guard"
	"github.com/pactforge/plugin-guard/internal/manifest"
	"github.com/pactforge/plugin-guard/internal/quota"
	"github.com/pactforge/plugin-guard/internal/ratelimit"
	"github.com/pactforge/plugin-guard/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// These exercise the assembled dispatch pipeline end to end: guest code
// install -> token mint -> Dispatch through the rate limiter, guard, quota
// and broker -> resource/behavior/alert side effects. Each test walks one
// of the scenario outcomes the boundary contract documents.

const scopedManifest = `
schemaVersion: "1.0.0"
id: com.example.scoped
version: "1.0.0"
name: Scoped Plugin
capabilities:
  read:
    types: ["RECTANGLE"]
    scopes: ["current-page"]
limits:
  memory: "1MB"
  executionTime: "200ms"
  storage: "1MB"
  apiCallsPerMinute: 1000
entry:
  main: index.lua
`

func TestScopeMintAndCheckFollowDominance(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(scopedManifest), "return 1")
	require.NoError(t, err)

	_, err = k.MintToken("com.example.scoped", "write:create", nil, capability.Constraints{})
	assert.Error(t, err, "write was never declared, mint must refuse it")

	narrow := manifest.ScopeSelection
	broad := manifest.ScopeAllDocuments
	serialized, err := k.MintToken("com.example.scoped", "read:node", []manifest.Scope{narrow}, capability.Constraints{})
	require.NoError(t, err)

	allowed := k.Guard.Check(serialized, guard.CheckRequest{Action: "read:node", Scope: &narrow})
	assert.True(t, allowed.Allowed)

	denied := k.Guard.Check(serialized, guard.CheckRequest{Action: "read:node", Scope: &broad})
	assert.False(t, denied.Allowed)
	assert.Equal(t, guard.DenyScopeEscalation, denied.Reason)
}

func TestDispatchRateLimiterAdmitsThenDeniesThenRecovers(t *testing.T) {
	k := newTestKernel(t)
	k.Limiter = ratelimit.New(50, 2, nil, k.cfg.RateLimiter.GlobalRatePerSec, k.cfg.RateLimiter.GlobalBurst)

	_, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)
	k.Broker.RegisterHandler("read:node", func(ctx context.Context, call broker.APICall) (any, error) {
		return "ok", nil
	})
	token, err := k.MintToken("com.example.test-plugin", "read:node", nil, capability.Constraints{})
	require.NoError(t, err)

	call := func() broker.Response {
		return k.Dispatch(context.Background(), broker.APICall{
			MessageID:       "m",
			PluginID:        "com.example.test-plugin",
			Method:          "read:node",
			CapabilityToken: token,
		})
	}

	require.True(t, call().Success)
	require.True(t, call().Success)

	denied := call()
	assert.False(t, denied.Success)
	assert.Equal(t, broker.ErrRateLimit, denied.ErrorCode)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, call().Success)
}

func TestDispatchSurfacesThrottledWithRetryAfter(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)
	token, err := k.MintToken("com.example.test-plugin", "read:node", nil, capability.Constraints{})
	require.NoError(t, err)

	violation := k.Resource.Record("com.example.test-plugin", resource.StreamAPICalls, 10_000)
	require.NotNil(t, violation, "default manifest limits should be exceeded by this burst")
	require.NoError(t, k.Quota.HandleViolation(*violation))
	status, ok := k.Quota.Status("com.example.test-plugin")
	require.True(t, ok)
	assert.Equal(t, quota.StatusThrottled, status)

	resp := k.Dispatch(context.Background(), broker.APICall{
		MessageID:       "m",
		PluginID:        "com.example.test-plugin",
		Method:          "read:node",
		CapabilityToken: token,
	})
	assert.False(t, resp.Success)
	assert.Equal(t, broker.ErrThrottled, resp.ErrorCode)
	assert.Greater(t, resp.RetryAfter, time.Duration(0))
}

func TestBehaviorMonitorEscalatesRepeatedDenialsToSuspend(t *testing.T) {
	cfg := testConfig()
	cfg.Behavior.LearningPeriod = 0
	cfg.Behavior.MinEventsForDetection = 1
	k, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(k.Close)

	_, err = k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		k.Dispatch(context.Background(), broker.APICall{
			MessageID:       "m",
			PluginID:        "com.example.test-plugin",
			Method:          "read:node",
			CapabilityToken: "not-a-real-token",
		})
	}

	status, ok := k.Quota.Status("com.example.test-plugin")
	require.True(t, ok)
	assert.Equal(t, quota.StatusSuspended, status)

	alerts := k.Alerts.List("com.example.test-plugin")
	require.NotEmpty(t, alerts)
	var escalation *alert.Alert
	for i := range alerts {
		if alerts[i].ResourceType == "capability_escalation" {
			escalation = &alerts[i]
		}
	}
	require.NotNil(t, escalation, "expected a capability_escalation alert among %+v", alerts)
	assert.Equal(t, alert.SeverityError, escalation.Severity)
}

func TestRegisterPluginBlocksEvalWithNoEvalRule(t *testing.T) {
	k := newTestKernel(t)
	result := k.Static.Analyze(`eval("malicious")`)
	require.False(t, result.Passed)
	found := false
	for _, f := range result.Findings {
		if f.Rule == "no-eval" {
			found = true
			assert.Equal(t, "critical", string(f.Severity))
		}
	}
	assert.True(t, found)

	_, err := k.RegisterPlugin([]byte(validManifest), `eval("malicious")`)
	assert.Error(t, err)
}

func TestDispatchEndToEndSuccess(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)
	k.Broker.RegisterHandler("read:node", func(ctx context.Context, call broker.APICall) (any, error) {
		return map[string]any{"id": call.PluginID}, nil
	})
	token, err := k.MintToken("com.example.test-plugin", "read:node", nil, capability.Constraints{})
	require.NoError(t, err)

	resp := k.Dispatch(context.Background(), broker.APICall{
		MessageID:       "m1",
		PluginID:        "com.example.test-plugin",
		Method:          "read:node",
		CapabilityToken: token,
	})
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Value)
}
