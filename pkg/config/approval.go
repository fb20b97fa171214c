package config

import "time"

// ApprovalConfig controls how long pending tool approvals wait for a decision.
// Expiry is per tier; an expired approval resolves to deny with reason "timeout".
type ApprovalConfig struct {
	// RequireApprovalExpiry applies to the require-approval tier.
	RequireApprovalExpiry time.Duration

	// NotifyExpiry applies to the notify tier. The default classifier never
	// emits notify and the coordinator does not block on it, so this only
	// matters if a future policy makes notify gating.
	NotifyExpiry time.Duration
}

// DefaultApprovalConfig returns the built-in approval defaults.
func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{
		RequireApprovalExpiry: 10 * time.Minute,
		NotifyExpiry:          10 * time.Minute,
	}
}
