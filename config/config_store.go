package config

// Store holds all configuration in a storable format.
type Store struct {
	Hub    Hub    `json:"hub,omitempty"    yaml:"hub,omitempty"`
	System System `json:"system,omitempty" yaml:"system,omitempty"`
}

// Hub defines all configuration regarding connection handling.
type Hub struct {
	// Listen holds the endpoint URLs to accept connections on.
	// Supported schemes are tcp:// and ws://.
	Listen []string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// KeepAlive controls keepalive probing on idle connections.
	// Defaults to enabled.
	KeepAlive *bool `json:"keepAlive,omitempty" yaml:"keepAlive,omitempty"`

	// HighLoadMemoryFraction is the used fraction of system memory above
	// which acknowledgements are batched more aggressively.
	// Defaults to 0.9.
	HighLoadMemoryFraction float64 `json:"highLoadMemoryFraction,omitempty" yaml:"highLoadMemoryFraction,omitempty"`
}

// System defines all configuration regarding the system.
type System struct {
	// MetricsListen holds the address to serve metrics on.
	// Metrics are disabled when empty.
	MetricsListen string `json:"metricsListen,omitempty" yaml:"metricsListen,omitempty"`

	// LogLevel holds the log level to run with.
	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
}
