package storage

import (
	"fmt"

	"pinboard/server/internal/config"

	"go.uber.org/zap"
)

// Open 按配置选择凭证存储实现。
func Open(cfg config.StorageConfig, logger *zap.Logger) (CredentialStore, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path, cfg.Debounce, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.Path, cfg.PollInterval, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
