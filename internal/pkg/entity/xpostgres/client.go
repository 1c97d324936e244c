package xpostgres

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The Postgres source and sink use pgx for their functionality. That API is
// decoupled here on consumer side for full unit test capabilities.

// PgClient is the interface for database operations, satisfied by
// *pgxpool.Pool via the defaultClient adapter.
type PgClient interface {
	Query(ctx context.Context, sql string, args ...any) (PgRows, error)
	Begin(ctx context.Context) (PgTx, error)
}

type PgRows interface {
	FieldDescriptions() []pgconn.FieldDescription
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

type PgTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// defaultClient adapts *pgxpool.Pool, whose Query and Begin return the pgx
// types rather than the interfaces above.
type defaultClient struct {
	pool *pgxpool.Pool
}

func (c *defaultClient) Query(ctx context.Context, sql string, args ...any) (PgRows, error) {
	return c.pool.Query(ctx, sql, args...)
}

func (c *defaultClient) Begin(ctx context.Context) (PgTx, error) {
	return c.pool.Begin(ctx)
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}
