// Copyright 2025 James Ross
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pactforge/plugin-guard/internal/alert"
	"github.com/pactforge/plugin-guard/internal/audit"
	"github.com/pactforge/plugin-guard/internal/behavior"
	"github.com/pactforge/plugin-guard/internal/broker"
	"github.com/pactforge/plugin-guard/internal/capability"
	"github.com/pactforge/plugin-guard/internal/config"
	"github.com/pactforge/plugin-guard/internal/guard"
	"github.com/pactforge/plugin-guard/internal/guesthost"
	"github.com/pactforge/plugin-guard/internal/manifest"
	"github.com/pactforge/plugin-guard/internal/quota"
	"github.com/pactforge/plugin-guard/internal/ratelimit"
	"github.com/pactforge/plugin-guard/internal/resource"
	"github.com/pactforge/plugin-guard/internal/staticanalyzer"
	"github.com/pactforge/plugin-guard/internal/storage"
	"go.uber.org/zap"
)

// Kernel wires every core component into a single pipeline: guest -> broker
// -> rate limiter -> guard -> handler -> host adapter, with
// resource/quota/behavior/alert/audit branches observing every admission
// and denial.
type Kernel struct {
	mu       sync.RWMutex
	cfg      *config.Config
	logger   *zap.Logger
	manifests map[string]*manifest.Manifest
	hosts    map[string]*guesthost.Host

	Tokens   *capability.Manager
	Guard    *guard.Guard
	Limiter  *ratelimit.Limiter
	Resource *resource.Monitor
	Quota    *quota.Manager
	Behavior *behavior.Monitor
	Static   *staticanalyzer.Analyzer
	Broker   *broker.Broker
	Audit    *audit.Log
	Alerts   *alert.Manager
	Backend  storage.Backend
}

// New constructs every component from cfg and wires their cross-cutting
// dependencies (the storage backend, the resource->quota->alert pipeline).
func New(cfg *config.Config, logger *zap.Logger) (*Kernel, error) {
	backend, err := buildBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("kernel: build storage backend: %w", err)
	}

	tokens, err := capability.NewManager(cfg.Capability.UsageRingSize, cfg.Capability.TokenMaxTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("kernel: capability manager: %w", err)
	}
	tokens.StartKeyRotation(cfg.Capability.KeyRotationInterval)

	g := guard.New(tokens, logger)

	limiter := ratelimit.New(cfg.RateLimiter.WindowMs, cfg.RateLimiter.DefaultLimit, nil,
		cfg.RateLimiter.GlobalRatePerSec, cfg.RateLimiter.GlobalBurst)

	resourceMonitor := resource.New(resource.Config{
		WindowSize:        cfg.Resource.WindowDuration,
		WarningThreshold:  cfg.Resource.WarningThreshold,
		CriticalThreshold: cfg.Resource.CriticalThreshold,
		SnapshotInterval:  cfg.Resource.SnapshotInterval,
		HistorySize:       cfg.Resource.SnapshotHistorySize,
	}, logger)

	quotaManager, err := quota.New(cronEvery(cfg.Quota.SweepInterval), logger)
	if err != nil {
		return nil, fmt.Errorf("kernel: quota manager: %w", err)
	}

	behaviorMonitor := behavior.New(behavior.Config{
		MaxEventsPerPlugin:    cfg.Behavior.MaxEventsPerPlugin,
		SequenceRingSize:      cfg.Behavior.SequenceRingSize,
		LearningPeriod:        cfg.Behavior.LearningPeriod,
		MinEventsForDetection: cfg.Behavior.MinEventsForDetection,
		SpikeSensitivity:      cfg.Behavior.SpikeSensitivity,
	}, logger)

	analyzer := staticanalyzer.New(staticanalyzer.Config{
		BlockOnCritical: cfg.StaticAnalyzer.BlockOnCritical,
		BlockOnError:    cfg.StaticAnalyzer.BlockOnError,
	})

	auditLog, err := audit.New(audit.Config{
		FileSink:   cfg.Audit.LogPath != "",
		LogPath:    cfg.Audit.LogPath,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		Compress:   cfg.Audit.Compress,
	}, backend, logger)
	if err != nil {
		return nil, fmt.Errorf("kernel: audit log: %w", err)
	}

	alertManager, err := alert.New(alert.Config{
		Cooldown:          cfg.Alert.CooldownPeriod,
		MaxPerPlugin:      cfg.Alert.MaxPerPlugin,
		RetentionPeriod:   cfg.Alert.RetentionPeriod,
		RetentionSchedule: cronEvery(cfg.Alert.SweepInterval),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kernel: alert manager: %w", err)
	}

	k := &Kernel{
		cfg:       cfg,
		logger:    logger,
		manifests: make(map[string]*manifest.Manifest),
		hosts:     make(map[string]*guesthost.Host),
		Tokens:    tokens,
		Guard:     g,
		Limiter:   limiter,
		Resource:  resourceMonitor,
		Quota:     quotaManager,
		Behavior:  behaviorMonitor,
		Static:    analyzer,
		Audit:     auditLog,
		Alerts:    alertManager,
		Backend:   backend,
	}

	k.Broker = broker.New(broker.Config{
		MaxInFlightPerPlugin: cfg.Broker.MaxInFlightPerPlugin,
	}, k, logger)

	return k, nil
}

func cronEvery(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("@every %s", d.String())
}

func buildBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "redis":
		return storage.NewRedisBackend(cfg.Redis), nil
	case "sqlite":
		return storage.NewSQLiteBackend(cfg.SQLite.Path)
	default:
		return storage.NewMemoryBackend(), nil
	}
}

// Deliver implements broker.EventDeliverer by routing an emitted event to
// the subscribing guest's reserved callback function.
func (k *Kernel) Deliver(ctx context.Context, plugin, callbackID, eventType string, payload any) error {
	k.mu.RLock()
	host, ok := k.hosts[plugin]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("kernel: plugin %s has no active guest host", plugin)
	}
	_, err := host.CallFunction(ctx, callbackID, luaValueOf(payload))
	return err
}

// RegisterPlugin runs a submitted manifest and code body through static
// analysis, installs the manifest, seeds every per-plugin manager, and
// boots the guest host. Installation is refused if static analysis fails
// under the configured blocking policy.
func (k *Kernel) RegisterPlugin(rawManifest []byte, code string) (*manifest.Manifest, error) {
	man, errs := manifest.Parse(rawManifest, manifest.ParseOptions{
		DefaultMemory:            k.cfg.Manifest.DefaultMemory,
		DefaultExecutionTime:     k.cfg.Manifest.DefaultExecutionTime,
		DefaultStorage:           k.cfg.Manifest.DefaultStorage,
		DefaultAPICallsPerMinute: k.cfg.Manifest.DefaultAPICallsPerMinute,
		DefaultNetworkReqsPerMin: k.cfg.Manifest.DefaultNetworkReqsPerMin,
	})
	if len(errs) > 0 {
		return nil, errs
	}

	result := k.Static.Analyze(code)
	if !result.Passed {
		k.Audit.Append(man.ID, "plugin.install", audit.ResultDenied, "static analysis failed", map[string]any{
			"findings": len(result.Findings),
		})
		return nil, fmt.Errorf("kernel: static analysis blocked installation of %s", man.ID)
	}

	k.mu.Lock()
	k.manifests[man.ID] = man
	k.mu.Unlock()

	k.Tokens.RegisterManifest(man.ID, man)
	k.Resource.RegisterPlugin(man.ID, resource.Limits{
		MemoryBytes:              man.Limits.Memory,
		APICallsPerMinute:        int64(man.Limits.APICallsPerMinute),
		StorageBytes:             man.Limits.Storage,
		NetworkRequestsPerMinute: int64(man.Limits.NetworkRequestsPerMinute),
	})
	k.Quota.RegisterPlugin(man.ID, quota.Policy{
		WarningsBeforeEscalation: k.cfg.Quota.WarningsBeforeEscalation,
		ThrottleCooldown:         k.cfg.Quota.ThrottleCooldown,
		SuspendDuration:          k.cfg.Quota.SuspendDuration,
		AutoResume:               k.cfg.Quota.AutoResume,
		OnWarning:                quota.ActionWarn,
		OnCritical:               quota.ActionThrottle,
	})
	k.Behavior.RegisterPlugin(man.ID)

	if err := guesthost.VerifyIntegrity(man.Integrity[man.Entry.Main], []byte(code)); err != nil {
		k.Audit.Append(man.ID, "plugin.install", audit.ResultDenied, err.Error(), nil)
		return nil, fmt.Errorf("kernel: %w", err)
	}

	host := guesthost.New(man.ID, k.logger)
	if err := host.Init(guesthost.Config{CallTimeout: man.Limits.ExecutionTime}); err != nil {
		return nil, fmt.Errorf("kernel: guest host init: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), man.Limits.ExecutionTime)
	defer cancel()
	if err := host.Evaluate(ctx, code); err != nil {
		return nil, fmt.Errorf("kernel: guest evaluation failed: %w", err)
	}

	k.mu.Lock()
	k.hosts[man.ID] = host
	k.mu.Unlock()

	k.Audit.Append(man.ID, "plugin.install", audit.ResultAllowed, "", nil)
	return man, nil
}

// UnregisterPlugin terminates the guest runtime, revokes tokens, drops
// every per-plugin manager entry and removes broker subscriptions.
func (k *Kernel) UnregisterPlugin(plugin string) error {
	k.mu.Lock()
	host, ok := k.hosts[plugin]
	delete(k.hosts, plugin)
	delete(k.manifests, plugin)
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: plugin %s not registered", plugin)
	}

	if err := host.Terminate(); err != nil {
		k.logger.Warn("guest host terminate failed", zap.String("plugin", plugin), zap.Error(err))
	}
	k.Tokens.Unregister(plugin)
	k.Resource.Unregister(plugin)
	k.Quota.Unregister(plugin)
	k.Behavior.Unregister(plugin)
	k.Broker.UnsubscribeAll(plugin)

	k.Audit.Append(plugin, "plugin.unregister", audit.ResultAllowed, "", nil)
	return nil
}

// MintToken issues a capability token for plugin, auditing the outcome.
func (k *Kernel) MintToken(plugin, action string, scopes []manifest.Scope, constraints capability.Constraints) (string, error) {
	token, err := k.Tokens.Mint(plugin, action, scopes, constraints)
	if err != nil {
		k.Audit.Append(plugin, "token.mint", audit.ResultDenied, err.Error(), map[string]any{"action": action})
		return "", err
	}
	serialized, err := capability.Serialize(token)
	if err != nil {
		return "", err
	}
	k.Audit.Append(plugin, "token.mint", audit.ResultAllowed, "", map[string]any{"action": action})
	return serialized, nil
}

// Dispatch runs an inbound api-call through the rate limiter, the
// capability guard, and quota admission before handing it to the broker's
// registered handler, recording an audit entry for every outcome and a
// resource usage tick for each call that passes admission. Every call and every guard decision also feeds the
// behavior monitor; a returned anomaly is routed to the quota manager and
// the alert manager so detected anomalies actually change enforcement
// state instead of sitting in a profile nobody reads.
func (k *Kernel) Dispatch(ctx context.Context, call broker.APICall) broker.Response {
	k.consumeAnomaly(call.PluginID, k.Behavior.Record(call.PluginID, behavior.Event{
		Type:   behavior.EventAPICall,
		Method: call.Method,
	}))

	limit := k.Limiter.Consume(call.PluginID, call.Method)
	if !limit.Allowed {
		k.Audit.Append(call.PluginID, call.Method, audit.ResultThrottled, "rate limit exceeded", nil)
		return broker.Response{MessageID: call.MessageID, Success: false, ErrorCode: broker.ErrRateLimit, Error: "rate limit exceeded", RetryAfter: limit.ResetIn}
	}

	check := k.Guard.Check(call.CapabilityToken, guard.CheckRequest{Action: call.Method})
	k.consumeAnomaly(call.PluginID, k.Behavior.Record(call.PluginID, behavior.Event{
		Type:   behavior.EventCapabilityRequest,
		Method: call.Method,
		Denied: !check.Allowed,
	}))
	if !check.Allowed {
		k.Audit.Append(call.PluginID, call.Method, audit.ResultDenied, string(check.Reason), nil)
		return broker.Response{MessageID: call.MessageID, Success: false, ErrorCode: guardErrorCode(check.Reason), Error: string(check.Reason)}
	}

	qr := k.Quota.CheckQuota(call.PluginID)
	if !qr.Allowed {
		k.Audit.Append(call.PluginID, call.Method, audit.ResultThrottled, string(qr.Reason), nil)
		return broker.Response{MessageID: call.MessageID, Success: false, ErrorCode: quotaErrorCode(qr.Reason), Error: string(qr.Reason), RetryAfter: qr.RetryAfter}
	}

	if violation := k.Resource.Record(call.PluginID, resource.StreamAPICalls, 1); violation != nil {
		if err := k.Quota.HandleViolation(*violation); err != nil {
			k.logger.Warn("quota violation handling failed", zap.Error(err))
		}
		k.Alerts.Raise(call.PluginID, string(violation.Stream), alert.Severity(violation.Severity), "resource limit crossed")
	}

	resp := k.Broker.Dispatch(ctx, call)
	result := audit.ResultAllowed
	reason := ""
	if !resp.Success {
		result = audit.ResultError
		reason = resp.Error
	}
	k.Audit.Append(call.PluginID, call.Method, result, reason, nil)
	return resp
}

// consumeAnomaly routes a behavior monitor signal to enforcement (quota)
// and observability (alerts). anomaly is nil on every call that doesn't
// trip a detector, which is the overwhelming majority.
func (k *Kernel) consumeAnomaly(plugin string, anomaly *behavior.Anomaly) {
	if anomaly == nil {
		return
	}
	k.Alerts.Raise(plugin, string(anomaly.Detector), alertSeverity(anomaly.Severity), anomaly.Detail)

	var action quota.Action
	switch anomaly.Action {
	case behavior.ActionWarn:
		action = quota.ActionWarn
	case behavior.ActionThrottle:
		action = quota.ActionThrottle
	case behavior.ActionSuspend:
		action = quota.ActionSuspend
	default:
		return
	}
	if err := k.Quota.ApplyAction(plugin, action); err != nil {
		k.logger.Warn("behavior-driven quota action failed", zap.String("plugin", plugin), zap.Error(err))
	}
}

// alertSeverity maps a behavior anomaly's severity onto the alert manager's
// scale: high anomalies raise error-level alerts, everything else raises a
// warning.
func alertSeverity(s behavior.Severity) alert.Severity {
	if s == behavior.SeverityHigh {
		return alert.SeverityError
	}
	return alert.SeverityWarning
}

// Close stops every background sweep/rotation goroutine.
func (k *Kernel) Close() {
	k.Tokens.Stop()
	k.Quota.Stop()
	k.Alerts.Stop()
	k.Broker.Close()
	_ = k.Audit.Close()
	if k.Backend != nil {
		_ = k.Backend.Close()
	}
}
