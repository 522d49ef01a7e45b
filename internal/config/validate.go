package config

import (
	"github.com/pkg/errors"
)

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret must be set")
	}
	if c.Broker.Workers <= 0 {
		return errors.Errorf("broker.workers must be positive, got %d", c.Broker.Workers)
	}
	if c.Broker.Prefetch < c.Broker.Workers {
		c.Broker.Prefetch = c.Broker.Workers
	}
	switch c.Replay.Backend {
	case "memory", "redis":
	default:
		return errors.Errorf("replay.backend must be memory or redis, got %q", c.Replay.Backend)
	}
	if c.Replay.Capacity <= 0 {
		return errors.Errorf("replay.capacity must be positive, got %d", c.Replay.Capacity)
	}
	if c.Replay.Window <= 0 {
		return errors.New("replay.window must be positive")
	}
	if c.Replay.PruneInterval <= 0 {
		c.Replay.PruneInterval = c.Replay.Window
	}
	if c.Stream.Timeout <= 0 {
		return errors.New("stream.timeout must be positive")
	}
	if c.Stream.WriteTimeout <= 0 {
		return errors.New("stream.write_timeout must be positive")
	}
	return nil
}
