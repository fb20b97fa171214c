package config

import "time"

// RetentionConfig controls stream event retention and the sweep loop.
type RetentionConfig struct {
	// EventTTL is the maximum age of stream event rows before the sweeper
	// may delete them. Connected clients additionally hold events back via
	// their acknowledged seq, so the TTL is a floor, not a guarantee.
	EventTTL time.Duration

	// SweepInterval is how often the sweep loop runs.
	SweepInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:      1 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}
