package store

import (
	"context"
	"fmt"

	"github.com/exparo/exparo/internal/db"
)

// NewStore creates a store for the given backend type.
// Supported types: "memory", "postgres".
func NewStore(ctx context.Context, storeType, dsn string) (Store, error) {
	switch storeType {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := db.NewPool(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
