package pipeline

import (
	"context"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/postgres"
)

// postgresDatabase adapts *postgres.Store to the Database interface.
type postgresDatabase struct {
	store *postgres.Store
}

// NewPostgresDatabase wraps the store for use by the Runner.
func NewPostgresDatabase(store *postgres.Store) Database {
	return postgresDatabase{store: store}
}

func (d postgresDatabase) Users(ctx context.Context) ([]domain.User, error) {
	return d.store.Users(ctx)
}

func (d postgresDatabase) User(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return d.store.User(ctx, id)
}

func (d postgresDatabase) WithinTx(ctx context.Context, fn func(q Queries) error) error {
	return d.store.WithinTx(ctx, func(q *postgres.Queries) error {
		return fn(q)
	})
}
