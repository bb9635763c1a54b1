package service

import (
	"net"

	"github.com/strutdbg/strut/pkg/config"
	"github.com/strutdbg/strut/service/engine"
)

// Config provides the configuration to start a debug adapter session server.
type Config struct {
	// Listener is used to accept the client connection.
	Listener net.Listener

	// EngineBackend names the registered engine backend to instantiate when
	// the session starts. Ignored if EngineFactory is set.
	EngineBackend string

	// EngineFactory, if non-nil, is used instead of the backend registry to
	// create the engine. Tests use this to inject scripted engines.
	EngineFactory func() (engine.Engine, error)

	// File carries settings loaded from the configuration file.
	File *config.Config

	// DisconnectChan will be closed by the server when the client
	// disconnects.
	DisconnectChan chan<- struct{}
}

// NewEngine instantiates the engine selected by this configuration.
func (c *Config) NewEngine() (engine.Engine, error) {
	if c.EngineFactory != nil {
		return c.EngineFactory()
	}
	return engine.New(c.EngineBackend)
}
