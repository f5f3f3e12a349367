package persistence

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a Store for the configured backend.
func NewStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeGorm:
		return NewGormStore(cfg, logger)
	case StoreTypeRedis:
		return NewRedisStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
