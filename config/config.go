// Package config holds and parses the hub and client configuration.
package config

import (
	"fmt"
	"net/url"
	"sync/atomic"
)

// Config holds initialized configuration.
type Config struct {
	Store

	// Listen holds the parsed listen endpoints.
	Listen []Endpoint

	// KeepAlive reports whether keepalive probing is enabled.
	KeepAlive bool

	devMode atomic.Bool
}

// Endpoint is a parsed connection endpoint.
type Endpoint struct {
	// Scheme is either "tcp" or "ws".
	Scheme string
	// Host is the host:port part of the endpoint.
	Host string
	// Path is the URL path for websocket endpoints.
	Path string
}

// String returns the endpoint in URL form.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Host + e.Path
}

// ParseEndpoint parses an endpoint URL.
func ParseEndpoint(endpoint string) (Endpoint, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "tcp", "ws":
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Port() == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: port is required", endpoint)
	}
	return Endpoint{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
	}, nil
}

// Parse parses a config definition and returns an initialized config.
func (s Store) Parse() (*Config, error) {
	// Apply the default endpoint to the store itself, so a saved config
	// keeps the endpoint it effectively runs with.
	if len(s.Hub.Listen) == 0 {
		s.Hub.Listen = []string{DefaultListenURL}
	}
	// Zero means unset and falls back to the built-in threshold.
	if f := s.Hub.HighLoadMemoryFraction; f < 0 || f > 1 {
		return nil, fmt.Errorf("invalid highLoadMemoryFraction %f: must be within [0,1]", f)
	}

	c := &Config{
		Store:     s,
		KeepAlive: s.Hub.KeepAlive == nil || *s.Hub.KeepAlive,
	}
	for _, endpoint := range s.Hub.Listen {
		parsed, err := ParseEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		c.Listen = append(c.Listen, parsed)
	}

	return c, nil
}

// DevMode returns whether the instance is running in dev mode.
func (c *Config) DevMode() bool {
	return c.devMode.Load()
}

// SetDevMode sets dev mode for this instance.
func (c *Config) SetDevMode(enabled bool) {
	c.devMode.Store(enabled)
}

// MakeTestConfig returns a minimal config for testing.
func MakeTestConfig(s Store) *Config {
	c, err := s.Parse()
	if err != nil {
		panic(err)
	}
	c.SetDevMode(true)
	return c
}
