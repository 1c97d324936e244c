// Package xpostgres provides the "postgres" source and sink entity types. The
// source materializes the result of a SQL query into a table, with the query
// result's column names as table columns. The sink inserts each derived table
// row into the spec'd Postgres tables, all rows in a single transaction.
package xpostgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

// Config is the deployment config for Postgres sources and sinks, provided
// when creating the factories.
type Config struct {
	// ConnString is a pgx connection string, in URL or keyword/value format.
	ConnString string

	// Client can be assigned to inject an alternative client implementation,
	// mainly for testing purposes. If not set, a real connection pool is
	// created lazily on first source/sink creation.
	Client PgClient
}

type sourceFactory struct {
	config    Config
	mu        sync.Mutex
	client    PgClient
	ownedPool *pgxpool.Pool
}

// NewSourceFactory creates the factory for the "postgres" source entity type.
func NewSourceFactory(config Config) entity.SourceFactory {
	sf := &sourceFactory{config: config}
	if !isNil(config.Client) {
		sf.client = config.Client
	}
	return sf
}

func (sf *sourceFactory) SourceId() string {
	return string(entity.EntityPostgres)
}

func (sf *sourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	client, err := sf.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return newSource(c, client)
}

// All sources from the same factory share a single connection pool.
func (sf *sourceFactory) getClient(ctx context.Context) (PgClient, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.client != nil {
		return sf.client, nil
	}
	pool, err := pgxpool.New(ctx, sf.config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("could not create postgres connection pool, err: %v", err)
	}
	sf.ownedPool = pool
	sf.client = &defaultClient{pool: pool}
	return sf.client, nil
}

func (sf *sourceFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.ownedPool != nil {
		sf.ownedPool.Close()
		sf.ownedPool = nil
		sf.client = nil
	}
	return nil
}

type source struct {
	id       string
	name     string
	query    string
	maxRows  int
	client   PgClient
	notifier *notify.Notifier
}

func newSource(c entity.Config, client PgClient) (*source, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	if isNil(client) {
		return nil, errors.New("client cannot be nil")
	}
	sourceSpec := c.Spec.SourceSpecByName(c.Name)
	if sourceSpec == nil {
		return nil, fmt.Errorf("no source named '%s' found in spec %s", c.Name, c.Spec.Id())
	}
	if sourceSpec.Config.Query == "" {
		return nil, fmt.Errorf("postgres source '%s' requires a query in spec %s", c.Name, c.Spec.Id())
	}

	var lg *logger.Log
	if c.Log {
		lg = logger.New()
	}

	s := &source{
		id:       c.ID,
		name:     c.Name,
		query:    sourceSpec.Config.Query,
		client:   client,
		notifier: notify.New(c.NotifyChan, lg, 2, "xpostgres.source", c.ID, c.Spec.Id()),
	}
	if sourceSpec.Config.MaxRows != nil {
		s.maxRows = *sourceSpec.Config.MaxRows
	}
	return s, nil
}

// Materialize runs the source's query and returns the result as a table, with
// the query result's column names as table columns and values as provided by
// the driver. If the spec sets maxRows the result is truncated to that many
// rows; a LIMIT clause in the query itself is usually the better option.
func (s *source) Materialize(ctx context.Context) (*entity.Table, error) {

	rows, err := s.client.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query failed for source '%s', err: %v", s.name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name
	}
	table, err := entity.NewTable(columns, nil)
	if err != nil {
		return nil, err
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("could not read row values for source '%s', err: %v", s.name, err)
		}
		if err := table.AppendRow(values...); err != nil {
			return nil, err
		}
		if s.maxRows > 0 && table.NumRows() >= s.maxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed for source '%s', err: %v", s.name, err)
	}

	s.notifier.Notify(entity.NotifyLevelDebug, "Materialized %d rows for source '%s'", table.NumRows(), s.name)
	return table, nil
}
