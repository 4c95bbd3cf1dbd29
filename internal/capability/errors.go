// Copyright 2025 James Ross
package capability

import "fmt"

// MintError is returned when mint() refuses to issue a token.
type MintError struct {
	Reason   DenialReason
	PluginID string
	Action   string
	Message  string
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint denied [%s] for plugin %s action %s: %s", e.Reason, e.PluginID, e.Action, e.Message)
}

// VerifyError is returned when verify() rejects a presented token.
type VerifyError struct {
	Reason  VerifyReason
	TokenID string
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify rejected [%s] token %s: %s", e.Reason, e.TokenID, e.Message)
}
