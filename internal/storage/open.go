package storage

import (
	"context"
	"fmt"

	"github.com/zot/hermes/internal/config"
)

// Open creates the store selected by the storage section.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Type {
	case "memory", "":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.Storage.Path)
	case "postgresql":
		return NewPostgresStorage(cfg.Storage.URL)
	case "mongodb":
		return NewMongoStorage(ctx, cfg.Storage.URL, cfg.Storage.Database, cfg.Logger())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// Operations converts configured operation names, falling back to DefaultOperations.
func Operations(names []string) ([]OperationType, error) {
	if len(names) == 0 {
		return DefaultOperations, nil
	}
	ops := make([]OperationType, 0, len(names))
	for _, n := range names {
		switch op := OperationType(n); op {
		case OpInsert, OpUpdate, OpReplace, OpDelete:
			ops = append(ops, op)
		default:
			return nil, fmt.Errorf("unknown operation type %q", n)
		}
	}
	return ops, nil
}
