// Copyright 2025 James Ross
package capability

import (
	"time"

	"github.com/pactforge/plugin-guard/internal/manifest"
)

// RateLimit bounds a token's own call rate, independent of the broker's
// per-(plugin,endpoint) sliding window.
type RateLimit struct {
	Requests   int `json:"requests"`
	PerSeconds int `json:"perSeconds"`
}

// Constraints narrows a minted token beyond its scopes.
type Constraints struct {
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	UsageLimit        int        `json:"usageLimit,omitempty"`
	RateLimit         *RateLimit `json:"rateLimit,omitempty"`
	AllowedNodeTypes  []string   `json:"allowedNodeTypes,omitempty"`
	AllowedDomains    []string   `json:"allowedDomains,omitempty"`
	AllowedMethods    []string   `json:"allowedMethods,omitempty"`
}

// Token is an MAC-signed grant tying (plugin, action, scopes, constraints)
// to a verifiable bearer string. Tokens are process-local: never persisted,
// never exposed to guests except as an opaque serialized string.
type Token struct {
	TokenID     string           `json:"tokenId"`
	PluginID    string           `json:"pluginId"`
	Action      string           `json:"action"`
	Scopes      []manifest.Scope `json:"scopes"`
	Constraints Constraints      `json:"constraints"`
	IssuedAt    time.Time        `json:"issuedAt"`
	KeyEpoch    uint64           `json:"keyEpoch"`
	Signature   string           `json:"-"`
}

// UsageRecord is mutated on every successful guard check against a token.
type UsageRecord struct {
	TokenID    string
	UsageCount int
	RecentUses []time.Time // ring of recent successful uses, for rateLimit
	LastUsedAt time.Time
}

// VerifyReason enumerates why Verify rejected a token.
type VerifyReason string

const (
	ReasonBadSignature   VerifyReason = "BAD_SIGNATURE"
	ReasonExpired        VerifyReason = "EXPIRED"
	ReasonUsageExceeded  VerifyReason = "USAGE_EXCEEDED"
	ReasonRateLimited    VerifyReason = "RATE_LIMITED"
	ReasonMalformed      VerifyReason = "MALFORMED"
)

// DenialReason enumerates why Mint refused to issue a token.
type DenialReason string

const (
	DenialUndeclaredCapability DenialReason = "UNDECLARED_CAPABILITY"
	DenialScopeEscalation      DenialReason = "SCOPE_ESCALATION"
)
