package session

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Backends accepted by Open.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend string
	Dir     string
	Redis   RedisConfig
}

// Open builds the Store named by cfg.Backend.
func Open(cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileStore(cfg.Dir, logger)
	case BackendRedis:
		return NewRedisStore(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
