// Copyright 2025 James Ross
package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/pactforge/plugin-guard/internal/broker"
	"github.com/pactforge/plugin-guard/internal/capability"
	"github.com/pactforge/plugin-guard/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validManifest = `
schemaVersion: "1.0.0"
id: com.example.test-plugin
version: "1.0.0"
name: Test Plugin
capabilities:
  read:
    types: ["RECTANGLE"]
    scopes: ["current-page"]
limits:
  memory: "1MB"
  executionTime: "200ms"
  storage: "1MB"
  apiCallsPerMinute: 5
entry:
  main: index.lua
`

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := testConfig()
	k, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Manifest.DefaultMemory = 64 * 1024 * 1024
	cfg.Manifest.DefaultExecutionTime = 50 * time.Millisecond
	cfg.Manifest.DefaultStorage = 10 * 1024 * 1024
	cfg.Manifest.DefaultAPICallsPerMinute = 1000
	cfg.Manifest.DefaultNetworkReqsPerMin = 60
	cfg.Capability.UsageRingSize = 64
	cfg.Capability.TokenMaxTTL = time.Hour
	cfg.Capability.KeyRotationInterval = 0
	cfg.RateLimiter.WindowMs = 60_000
	cfg.RateLimiter.DefaultLimit = 1000
	cfg.RateLimiter.GlobalRatePerSec = 500
	cfg.RateLimiter.GlobalBurst = 200
	cfg.Resource.WindowDuration = time.Minute
	cfg.Resource.WarningThreshold = 0.8
	cfg.Resource.CriticalThreshold = 1.0
	cfg.Resource.SnapshotInterval = time.Second
	cfg.Resource.SnapshotHistorySize = 10
	cfg.Quota.WarningsBeforeEscalation = 3
	cfg.Quota.ThrottleCooldown = time.Minute
	cfg.Quota.SuspendDuration = 5 * time.Minute
	cfg.Quota.AutoResume = true
	cfg.Quota.SweepInterval = time.Hour
	cfg.Behavior.MaxEventsPerPlugin = 1000
	cfg.Behavior.LearningPeriod = 5 * time.Minute
	cfg.Behavior.MinEventsForDetection = 50
	cfg.Behavior.SequenceRingSize = 50
	cfg.Behavior.SpikeSensitivity = 1.0
	cfg.StaticAnalyzer.BlockOnCritical = true
	cfg.Broker.MaxInFlightPerPlugin = 16
	cfg.Alert.CooldownPeriod = time.Minute
	cfg.Alert.MaxPerPlugin = 100
	cfg.Alert.RetentionPeriod = 24 * time.Hour
	cfg.Alert.SweepInterval = time.Hour
	cfg.Storage.Backend = "memory"
	return cfg
}

func TestRegisterPluginInstallsAllManagers(t *testing.T) {
	k := newTestKernel(t)
	man, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)
	assert.Equal(t, "com.example.test-plugin", man.ID)

	assert.NotNil(t, k.Resource.State("com.example.test-plugin"))
	status, ok := k.Quota.Status("com.example.test-plugin")
	require.True(t, ok)
	assert.Equal(t, "active", string(status))
}

func TestRegisterPluginBlockedByStaticAnalysis(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(validManifest), `eval("malicious")`)
	assert.Error(t, err)
}

func TestMintTokenDeniesUndeclaredCapability(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)

	_, err = k.MintToken("com.example.test-plugin", "write:create", nil, capability.Constraints{})
	assert.Error(t, err)

	entries := k.Audit.ForPlugin("com.example.test-plugin")
	found := false
	for _, e := range entries {
		if e.Action == "token.mint" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUnregisterPluginTerminatesHost(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)
	require.NoError(t, k.UnregisterPlugin("com.example.test-plugin"))

	_, ok := k.Quota.Status("com.example.test-plugin")
	assert.False(t, ok)
}

func TestDispatchDeniesWithoutToken(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.RegisterPlugin([]byte(validManifest), "return 1")
	require.NoError(t, err)

	resp := k.Dispatch(context.Background(), broker.APICall{
		MessageID: "1",
		PluginID:  "com.example.test-plugin",
		Method:    "read:node",
	})
	assert.False(t, resp.Success)
}
