package filecontext

import (
	"fmt"
	"io"

	"maas-ws/internal/domain"
	"maas-ws/internal/infra/config"
)

// Store is a FileContextStore that owns resources.
type Store interface {
	domain.FileContextStore
	io.Closer
}

// Open builds the backend selected by cfg.
func Open(cfg config.FileContextConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported file context backend: %s", cfg.Backend)
	}
}
