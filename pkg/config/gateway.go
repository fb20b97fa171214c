package config

import "time"

// GatewayConfig controls the WebSocket RPC endpoint.
type GatewayConfig struct {
	// Port is the loopback TCP port the gateway listens on.
	Port int

	// WriteTimeout bounds a single WebSocket write to a client.
	WriteTimeout time.Duration

	// AuthGrace is how long an unauthenticated connection may sit idle
	// before it is closed.
	AuthGrace time.Duration

	// OutboundQueueSize is the per-connection outbound event queue bound.
	// A connection whose queue overflows is closed as a slow consumer.
	OutboundQueueSize int

	// ReplayPageSize is the page size for cursor replay queries.
	ReplayPageSize int
}

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Port:              18789,
		WriteTimeout:      10 * time.Second,
		AuthGrace:         10 * time.Second,
		OutboundQueueSize: 10000,
		ReplayPageSize:    2000,
	}
}
