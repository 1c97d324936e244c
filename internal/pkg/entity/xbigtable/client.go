package xbigtable

import (
	"context"
	"reflect"

	"cloud.google.com/go/bigtable"
)

// The BigTable sink uses the GCP BigTable Go client API for its functionality.
// That API is decoupled here on consumer side for full unit test capabilities.

type BigTableClient interface {
	Open(table string) BigTableTable
}

type BigTableAdminClient interface {
	Tables(ctx context.Context) ([]string, error)
	CreateTable(ctx context.Context, table string) error
	TableInfo(ctx context.Context, table string) (*bigtable.TableInfo, error)
	CreateColumnFamily(ctx context.Context, table, family string) error
	SetGCPolicy(ctx context.Context, table, family string, policy bigtable.GCPolicy) error
}

type BigTableTable interface {
	Apply(ctx context.Context, row string, m *bigtable.Mutation, opts ...bigtable.ApplyOption) (err error)
}

// defaultClient adapts *bigtable.Client, whose Open returns the concrete
// table type rather than the interface above.
type defaultClient struct {
	client *bigtable.Client
}

func (c *defaultClient) Open(table string) BigTableTable {
	return c.client.Open(table)
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}
