package turnlog

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
// perSession bounds the in-memory store only.
func NewStore(ctx context.Context, databaseURL string, perSession int) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(perSession), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
