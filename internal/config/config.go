// Package config holds the process-wide configuration object every
// Application and the Host Router share a reference to.
package config

import (
	"time"

	"go.uber.org/zap"
)

// Resolver maps a hostname to the filesystem root of the application
// that should serve it.
type Resolver interface {
	ResolveHost(host string) (root string, ok bool)
}

// Config is the configuration object spec.md §6 describes: pool size,
// worker idle timeout, the injected SERVER_PORT, the rvm loader path,
// the TLD, and the apps directory, plus the ambient logger and
// host-resolver collaborator.
type Config struct {
	// Workers is the number of warm workers each Application's pool keeps.
	Workers int
	// Timeout is how long an idle worker sits before being recycled.
	Timeout time.Duration
	// DstPort is passed to workers as the SERVER_PORT meta variable of
	// every request handed to them.
	DstPort int
	// RvmPath is the rvm loader script sourced before a .rvmrc.
	RvmPath string
	// Domain is the TLD applications are served under.
	Domain string
	// Root is the directory containing application roots.
	Root string

	Logger   *zap.Logger
	Resolver Resolver
}

// GetLogger returns a named child logger, matching spec.md §6's
// getLogger(name) configuration hook.
func (c *Config) GetLogger(name string) *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger.Named(name)
}
