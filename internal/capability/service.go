// Copyright 2025 James Ross
package capability

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pactforge/plugin-guard/internal/manifest"
	"github.com/pactforge/plugin-guard/internal/obs"
	"go.uber.org/zap"
)

// Manager mints and verifies capability tokens. The signing key is a
// process-local random value, generated once at startup and never
// persisted or exposed to guests. Rotating the key invalidates every
// outstanding token atomically by bumping a revocation epoch rather than
// keeping a map of historical keys: a token carries no key identifier, so
// there is nothing for an old token to address an old key by once the
// epoch has moved on.
type Manager struct {
	mu       sync.RWMutex
	key      []byte
	epoch    uint64
	usageRingSize int
	tokenMaxTTL   time.Duration

	manifests map[string]*manifest.Manifest
	usage     map[string]*UsageRecord

	logger *zap.Logger
	stopCh chan struct{}
}

func NewManager(usageRingSize int, tokenMaxTTL time.Duration, logger *zap.Logger) (*Manager, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Manager{
		key:           key,
		epoch:         1,
		usageRingSize: usageRingSize,
		tokenMaxTTL:   tokenMaxTTL,
		manifests:     make(map[string]*manifest.Manifest),
		usage:         make(map[string]*UsageRecord),
		logger:        logger,
		stopCh:        make(chan struct{}),
	}, nil
}

// RegisterManifest associates a plugin's validated manifest with its
// identity so Mint can check declared capabilities and scopes.
func (m *Manager) RegisterManifest(pluginID string, man *manifest.Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[pluginID] = man
}

// Unregister drops a plugin's manifest and every token/usage record owned
// by it, per the register→load→active→unload lifecycle. Every outstanding
// usage record dropped this way is counted as a revoked token: once the
// manifest is gone, Verify can no longer validate any token minted for it.
func (m *Manager) Unregister(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.manifests, pluginID)
	revoked := 0
	for id := range m.usage {
		if strings.HasPrefix(id, pluginID+":") {
			delete(m.usage, id)
			revoked++
		}
	}
	if revoked > 0 {
		obs.TokensRevoked.WithLabelValues(pluginID, "plugin_unregistered").Add(float64(revoked))
	}
}

// StartKeyRotation rotates the signing key on the given interval until
// Stop is called.
func (m *Manager) StartKeyRotation(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.RotateKey(); err != nil && m.logger != nil {
					m.logger.Error("key rotation failed", zap.Error(err))
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) Stop() { close(m.stopCh) }

// RotateKey replaces the signing key and bumps the revocation epoch,
// atomically invalidating every outstanding token: verify rejects any
// token minted under an earlier epoch.
func (m *Manager) RotateKey() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	m.mu.Lock()
	m.key = key
	m.epoch++
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("capability signing key rotated")
	}
	return nil
}

// Mint issues a token for (pluginId, action, scopes) after checking the
// plugin's registered manifest, or returns a *MintError.
func (m *Manager) Mint(pluginID, action string, scopes []manifest.Scope, constraints Constraints) (*Token, error) {
	category, known := CategoryForAction(action)
	if !known {
		return nil, &MintError{Reason: DenialUndeclaredCapability, PluginID: pluginID, Action: action, Message: "unrecognized action"}
	}

	m.mu.RLock()
	man, ok := m.manifests[pluginID]
	epoch := m.epoch
	key := m.key
	m.mu.RUnlock()

	if !ok || !man.HasCapability(category) {
		return nil, &MintError{Reason: DenialUndeclaredCapability, PluginID: pluginID, Action: action, Message: fmt.Sprintf("manifest does not declare capability %q", category)}
	}

	if category == manifest.CategoryRead || category == manifest.CategoryWrite {
		dominant, hasScope := man.DominantScope(category)
		if !hasScope {
			return nil, &MintError{Reason: DenialScopeEscalation, PluginID: pluginID, Action: action, Message: "no scope declared for category"}
		}
		for _, requested := range scopes {
			if !dominant.Dominates(requested) {
				return nil, &MintError{Reason: DenialScopeEscalation, PluginID: pluginID, Action: action, Message: fmt.Sprintf("scope %q exceeds declared scope %q", requested, dominant)}
			}
		}
	}

	ttl := m.tokenMaxTTL
	if constraints.ExpiresAt == nil && ttl > 0 {
		exp := time.Now().Add(ttl)
		constraints.ExpiresAt = &exp
	}

	token := &Token{
		TokenID:     pluginID + ":" + uuid.NewString(),
		PluginID:    pluginID,
		Action:      action,
		Scopes:      scopes,
		Constraints: constraints,
		IssuedAt:    time.Now(),
		KeyEpoch:    epoch,
	}

	sig, err := sign(key, canonicalPayload(token))
	if err != nil {
		return nil, &MintError{Reason: DenialUndeclaredCapability, PluginID: pluginID, Action: action, Message: err.Error()}
	}
	token.Signature = sig

	m.mu.Lock()
	m.usage[token.TokenID] = &UsageRecord{TokenID: token.TokenID}
	m.mu.Unlock()

	obs.TokensMinted.WithLabelValues(pluginID).Inc()
	return token, nil
}

// Serialize renders a token into its opaque bearer form:
// base64(payload).base64(signature). The payload is the token's canonical
// JSON encoding (struct field order is fixed, so signing and verifying
// always operate on identical bytes).
func Serialize(t *Token) (string, error) {
	payload := canonicalPayload(t)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + t.Signature, nil
}

// Verify deserializes and checks a bearer token against this manager's
// current signing key and epoch, the recorded usage, and the token's own
// rate-limit constraint. Verification of the signature is constant-time.
func (m *Manager) Verify(serialized string) (*Token, VerifyReason) {
	parts := strings.SplitN(serialized, ".", 2)
	if len(parts) != 2 {
		return nil, ReasonMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ReasonMalformed
	}
	var token Token
	if err := json.Unmarshal(payload, &token); err != nil {
		return nil, ReasonMalformed
	}
	token.Signature = parts[1]

	m.mu.RLock()
	key := m.key
	epoch := m.epoch
	m.mu.RUnlock()

	if token.KeyEpoch != epoch {
		return nil, ReasonBadSignature
	}
	expectedSig, err := sign(key, canonicalPayload(&token))
	if err != nil {
		return nil, ReasonBadSignature
	}
	if !hmac.Equal([]byte(expectedSig), []byte(token.Signature)) {
		return nil, ReasonBadSignature
	}

	now := time.Now()
	if token.Constraints.ExpiresAt != nil && now.After(*token.Constraints.ExpiresAt) {
		return nil, ReasonExpired
	}

	m.mu.Lock()
	if _, registered := m.manifests[token.PluginID]; !registered {
		m.mu.Unlock()
		return nil, ReasonBadSignature
	}
	record, ok := m.usage[token.TokenID]
	if !ok {
		record = &UsageRecord{TokenID: token.TokenID}
		m.usage[token.TokenID] = record
	}
	if token.Constraints.UsageLimit > 0 && record.UsageCount >= token.Constraints.UsageLimit {
		m.mu.Unlock()
		return nil, ReasonUsageExceeded
	}
	if token.Constraints.RateLimit != nil {
		rl := token.Constraints.RateLimit
		window := time.Duration(rl.PerSeconds) * time.Second
		cutoff := now.Add(-window)
		kept := record.RecentUses[:0]
		for _, ts := range record.RecentUses {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		record.RecentUses = kept
		if len(record.RecentUses) >= rl.Requests {
			m.mu.Unlock()
			return nil, ReasonRateLimited
		}
		record.RecentUses = append(record.RecentUses, now)
		if m.usageRingSize > 0 && len(record.RecentUses) > m.usageRingSize {
			record.RecentUses = record.RecentUses[len(record.RecentUses)-m.usageRingSize:]
		}
	}
	record.UsageCount++
	record.LastUsedAt = now
	m.mu.Unlock()

	return &token, ""
}

func sign(key, payload []byte) (string, error) {
	h := hmac.New(sha256.New, key)
	if _, err := h.Write(payload); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// canonicalPayload marshals the token in its fixed struct field order
// (Signature is tagged json:"-" and never included), so identical tokens
// always produce identical bytes regardless of when or how they were
// constructed.
func canonicalPayload(t *Token) []byte {
	b, _ := json.Marshal(t)
	return b
}
