// Copyright 2025 James Ross
package guard

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/pactforge/plugin-guard/internal/capability"
	"github.com/pactforge/plugin-guard/internal/manifest"
	"github.com/pactforge/plugin-guard/internal/obs"
	"go.uber.org/zap"
)

// DenyReason enumerates why check() refused a call.
type DenyReason string

const (
	DenyBadSignature  DenyReason = "BAD_SIGNATURE"
	DenyExpired       DenyReason = "EXPIRED"
	DenyUsageExceeded DenyReason = "USAGE_EXCEEDED"
	DenyRateLimited   DenyReason = "RATE_LIMITED"
	DenyMalformed     DenyReason = "MALFORMED"
	DenyActionMismatch DenyReason = "ACTION_MISMATCH"
	DenyScopeEscalation DenyReason = "SCOPE_ESCALATION"
	DenyNodeTypeDenied  DenyReason = "NODE_TYPE_DENIED"
)

// CheckRequest is the call a guard check is evaluated against.
type CheckRequest struct {
	Action   string
	Scope    *manifest.Scope
	NodeType *string
	Domain   *string
	Method   *string
}

// Result is the guard's verdict.
type Result struct {
	Allowed bool
	Reason  DenyReason
	Token   *capability.Token
}

// Guard checks a presented token against the call it accompanies. It never
// mints tokens itself — that is the Capability Token Service's job — it
// only verifies and then applies the call-specific checks the token
// service cannot know about (scope dominance, node-type whitelist, domain
// and method bounds).
type Guard struct {
	tokens *capability.Manager
	logger *zap.Logger
}

func New(tokens *capability.Manager, logger *zap.Logger) *Guard {
	return &Guard{tokens: tokens, logger: logger}
}

// Check verifies the token, then checks action match, then scope
// dominance, then node-type whitelist, recording a usage tick as a side
// effect of a successful Verify.
func (g *Guard) Check(serializedToken string, req CheckRequest) Result {
	token, reason := g.tokens.Verify(serializedToken)
	if reason != "" {
		g.recordDecision("", req.Action, DenyReason(reason))
		return Result{Allowed: false, Reason: DenyReason(reason)}
	}

	if token.Action != req.Action {
		g.recordDecision(token.PluginID, req.Action, DenyActionMismatch)
		return Result{Allowed: false, Reason: DenyActionMismatch, Token: token}
	}

	if req.Scope != nil {
		if !dominantScopeCovers(token.Scopes, *req.Scope) {
			g.recordDecision(token.PluginID, req.Action, DenyScopeEscalation)
			return Result{Allowed: false, Reason: DenyScopeEscalation, Token: token}
		}
	}

	if req.NodeType != nil {
		if !nodeTypeAllowed(token.Constraints.AllowedNodeTypes, *req.NodeType) {
			g.recordDecision(token.PluginID, req.Action, DenyNodeTypeDenied)
			return Result{Allowed: false, Reason: DenyNodeTypeDenied, Token: token}
		}
	}

	if req.Domain != nil && len(token.Constraints.AllowedDomains) > 0 {
		if !domainAllowed(token.Constraints.AllowedDomains, *req.Domain) {
			g.recordDecision(token.PluginID, req.Action, DenyNodeTypeDenied)
			return Result{Allowed: false, Reason: DenyNodeTypeDenied, Token: token}
		}
	}

	if req.Method != nil && len(token.Constraints.AllowedMethods) > 0 {
		if !methodAllowed(token.Constraints.AllowedMethods, *req.Method) {
			g.recordDecision(token.PluginID, req.Action, DenyNodeTypeDenied)
			return Result{Allowed: false, Reason: DenyNodeTypeDenied, Token: token}
		}
	}

	g.recordDecision(token.PluginID, req.Action, "")
	return Result{Allowed: true, Token: token}
}

// recordDecision increments the guard_decisions_total metric. plugin may be
// empty when verification itself failed, before a plugin identity could be
// recovered from the token.
func (g *Guard) recordDecision(plugin, action string, reason DenyReason) {
	decision := "allow"
	if reason != "" {
		decision = "deny"
	}
	obs.GuardDecisions.WithLabelValues(plugin, action, decision).Inc()
}

// dominantScopeCovers applies the tie-break rule: the most specific
// declared scope on the token wins, so requested is allowed if ANY
// declared scope on the token dominates it.
func dominantScopeCovers(declared []manifest.Scope, requested manifest.Scope) bool {
	if len(declared) == 0 {
		return false
	}
	for _, d := range declared {
		if d.Dominates(requested) {
			return true
		}
	}
	return false
}

func nodeTypeAllowed(allowed []string, nodeType string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == nodeType {
			return true
		}
	}
	return false
}

func domainAllowed(patterns []string, domain string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, domain); err == nil && ok {
			return true
		}
	}
	return false
}

func methodAllowed(allowed []string, method string) bool {
	for _, a := range allowed {
		if a == "*" || a == method {
			return true
		}
	}
	return false
}
