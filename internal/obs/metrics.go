// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/pactforge/plugin-guard/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ResourceUsageRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugin_resource_usage_ratio",
		Help: "Current usage of a plugin resource stream as a fraction of its limit",
	}, []string{"plugin", "resource"})

	ResourceViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_resource_violations_total",
		Help: "Total number of resource limit violations observed",
	}, []string{"plugin", "resource", "severity"})

	EnforcementState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugin_enforcement_state",
		Help: "0 active, 1 throttled, 2 suspended, 3 terminated",
	}, []string{"plugin"})

	TokensMinted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capability_tokens_minted_total",
		Help: "Total number of capability tokens minted",
	}, []string{"plugin"})

	TokensRevoked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capability_tokens_revoked_total",
		Help: "Total number of capability tokens revoked",
	}, []string{"plugin", "reason"})

	GuardDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_decisions_total",
		Help: "Capability guard allow/deny decisions",
	}, []string{"plugin", "capability", "decision"})

	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_decisions_total",
		Help: "Rate limiter admit/deny decisions per plugin and endpoint",
	}, []string{"plugin", "endpoint", "decision", "ceiling"})

	BrokerCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_calls_total",
		Help: "Total number of IPC broker host-API calls handled",
	}, []string{"plugin", "method", "outcome"})

	BrokerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_call_duration_seconds",
		Help:    "Latency of IPC broker host-API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	BrokerInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_in_flight_calls",
		Help: "Number of host-API calls currently in flight per plugin",
	}, []string{"plugin"})

	BrokerEventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_events_dispatched_total",
		Help: "Total number of events fanned out to plugin subscribers",
	}, []string{"event_type"})

	BehaviorAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "behavior_anomalies_total",
		Help: "Total number of behavioral anomalies detected",
	}, []string{"plugin", "detector"})

	AlertsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alerts_active",
		Help: "Current number of active (unresolved) alerts per plugin",
	}, []string{"plugin"})

	StaticFindings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "static_analyzer_findings_total",
		Help: "Total number of static analyzer findings emitted during manifest load",
	}, []string{"rule", "severity"})

	GuestHostState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guest_host_state",
		Help: "0 created, 1 ready, 2 running, 3 suspended, 4 terminated",
	}, []string{"plugin"})

	AuditEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_entries_total",
		Help: "Total number of audit log entries appended",
	}, []string{"plugin", "result"})

	AlertsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_created_total",
		Help: "Total number of alerts created, after cooldown dedup",
	}, []string{"plugin", "severity"})
)

func init() {
	prometheus.MustRegister(
		ResourceUsageRatio,
		ResourceViolations,
		EnforcementState,
		TokensMinted,
		TokensRevoked,
		GuardDecisions,
		RateLimitDecisions,
		BrokerCallsTotal,
		BrokerCallDuration,
		BrokerInFlight,
		BrokerEventsDispatched,
		BehaviorAnomalies,
		AlertsActive,
		StaticFindings,
		GuestHostState,
		AuditEntriesTotal,
		AlertsCreatedTotal,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
