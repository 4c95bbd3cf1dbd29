// Copyright 2025 James Ross
package kernel

import (
	"github.com/pactforge/plugin-guard/internal/broker"
	"github.com/pactforge/plugin-guard/internal/guard"
	"github.com/pactforge/plugin-guard/internal/quota"
)

// guardErrorCode maps a guard denial reason onto the boundary error codes
// guests actually see. BAD_SIGNATURE, EXPIRED, USAGE_EXCEEDED and the
// token-level RATE_LIMITED reason carry their own codes; every other
// guard-side refusal (malformed token, action mismatch, scope escalation,
// disallowed node type/domain/method) collapses to the generic
// PERMISSION_DENIED "not allowed" code.
func guardErrorCode(reason guard.DenyReason) broker.ErrorCode {
	switch reason {
	case guard.DenyBadSignature:
		return broker.ErrBadSignature
	case guard.DenyExpired:
		return broker.ErrExpired
	case guard.DenyUsageExceeded:
		return broker.ErrUsageExceeded
	case guard.DenyRateLimited:
		return broker.ErrRateLimit
	default:
		return broker.ErrPermissionDenied
	}
}

// quotaErrorCode maps a quota admission denial onto its boundary code.
func quotaErrorCode(reason quota.DenyReason) broker.ErrorCode {
	switch reason {
	case quota.DenyThrottled:
		return broker.ErrThrottled
	case quota.DenySuspended:
		return broker.ErrSuspended
	case quota.DenyTerminated:
		return broker.ErrTerminated
	default:
		return broker.ErrPermissionDenied
	}
}
