// Package seqwire assembles a hub instance from its modules.
package seqwire

import (
	"fmt"

	"github.com/seqwire/seqwire/config"
	"github.com/seqwire/seqwire/hub"
	"github.com/seqwire/seqwire/mgr"
)

// Instance is an instance of a seqwire hub.
type Instance struct {
	*mgr.Group

	version string
	config  *config.Config

	hub *hub.Hub
}

// New returns a new seqwire hub instance.
// A nil handler echoes every received message back to its sender.
func New(version string, c *config.Config, handler hub.Handler) (*Instance, error) {
	// Create instance to pass it to modules.
	instance := &Instance{
		version: version,
		config:  c,
	}

	var err error
	instance.hub, err = hub.New(instance, handler)
	if err != nil {
		return nil, fmt.Errorf("create hub: %w", err)
	}

	// Add all modules to instance group.
	instance.Group = mgr.NewGroup(
		instance.hub,
	)

	return instance, nil
}

// Version returns the version.
func (i *Instance) Version() string {
	return i.version
}

// Config returns the config.
func (i *Instance) Config() *config.Config {
	return i.config
}

// Hub returns the hub.
func (i *Instance) Hub() *hub.Hub {
	return i.hub
}
