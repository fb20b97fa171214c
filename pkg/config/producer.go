package config

// ProducerConfig names the agent producer subprocess. The gateway spawns
// one process per run; Command is resolved via PATH if not absolute.
type ProducerConfig struct {
	Command string
	Args    []string
	// SystemPrompt is sent with every turn unless the turn carries its own.
	SystemPrompt string
}

// DefaultProducerConfig returns an empty producer config. There is no
// built-in default command; startup fails if none is configured.
func DefaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{}
}
