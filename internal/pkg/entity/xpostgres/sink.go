package xpostgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

type sinkFactory struct {
	config    Config
	mu        sync.Mutex
	client    PgClient
	ownedPool *pgxpool.Pool
}

// NewSinkFactory creates the factory for the "postgres" sink entity type.
func NewSinkFactory(config Config) entity.SinkFactory {
	sf := &sinkFactory{config: config}
	if !isNil(config.Client) {
		sf.client = config.Client
	}
	return sf
}

func (sf *sinkFactory) SinkId() string {
	return string(entity.EntityPostgres)
}

func (sf *sinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	client, err := sf.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return newSink(c, client)
}

// All sinks from the same factory share a single connection pool.
func (sf *sinkFactory) getClient(ctx context.Context) (PgClient, error) {
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

func (sf *sinkFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.ownedPool != nil {
		sf.ownedPool.Close()
		sf.ownedPool = nil
		sf.client = nil
	}
	return nil
}

type sink struct {
	spec         *entity.Spec
	tables       []entity.SinkTable
	client       PgClient
	notifier     *notify.Notifier
	rowsInserted int64
}

func newSink(c entity.Config, client PgClient) (*sink, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	if isNil(client) {
		return nil, errors.New("client cannot be nil")
	}
	sinkSpec := c.Spec.SinkSpecByType(entity.EntityPostgres)
	if sinkSpec == nil || sinkSpec.Config == nil || len(sinkSpec.Config.Tables) == 0 {
		return nil, fmt.Errorf("no Postgres table specified in spec %s", c.Spec.Id())
	}
	for _, tableSpec := range sinkSpec.Config.Tables {
		if tableSpec.Name == "" {
			return nil, fmt.Errorf("missing table name in spec %s", c.Spec.Id())
		}
	}

	var lg *logger.Log
	if c.Log {
		lg = logger.New()
	}

	return &sink{
		spec:     c.Spec,
		tables:   sinkSpec.Config.Tables,
		client:   client,
		notifier: notify.New(c.NotifyChan, lg, 2, "xpostgres.sink", c.ID, c.Spec.Id()),
	}, nil
}

// Store inserts all rows of the derived table into each table in the sink
// spec, in one transaction. Column mapping follows the spec's declared
// columns (with fromColumn fallback to the column name and the derive time
// pseudo column), or uses the derived table's own columns when none are
// declared. The returned resource ID contains the name(s) of the tables
// written to.
func (s *sink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {

	if table == nil || table.NumRows() == 0 {
		return "", errors.New("store called without table data"), false
	}

	tx, err := s.client.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("could not begin transaction, err: %v", err), true
	}
	defer tx.Rollback(ctx) // No-op if already committed

	deriveTime := time.Now().UTC()
	var tableNames []string
	for _, tableSpec := range s.tables {
		stmt, err := buildInsertStatement(tableSpec, table)
		if err != nil {
			return "", err, false
		}
		for i := 0; i < table.NumRows(); i++ {
			if _, err := tx.Exec(ctx, stmt.sql, stmt.rowArgs(table, i, deriveTime)...); err != nil {
				return "", fmt.Errorf("insert into table '%s' failed, err: %v", tableSpec.Name, err), retryableInsertError(err)
			}
		}
		tableNames = append(tableNames, tableSpec.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("could not commit transaction, err: %v", err), true
	}

	s.rowsInserted += int64(table.NumRows() * len(s.tables))
	resourceId := strings.Join(tableNames, ",")
	if s.spec.Ops.LogTableData {
		s.notifier.Notify(entity.NotifyLevelDebug, "Successfully inserted %d rows into table(s) %s", table.NumRows(), resourceId)
	}
	return resourceId, nil, false
}

func (s *sink) Shutdown() {
	s.notifier.Notify(entity.NotifyLevelInfo, "Shutdown completed, number of inserted rows: %d", s.rowsInserted)
}

// insertStatement holds one prepared-for-use INSERT with the derived table
// column feeding each statement parameter.
type insertStatement struct {
	sql         string
	fromColumns []string
}

func buildInsertStatement(tableSpec entity.SinkTable, table *entity.Table) (*insertStatement, error) {

	var dbColumns, fromColumns []string
	if len(tableSpec.Columns) > 0 {
		for _, col := range tableSpec.Columns {
			fromColumn := col.FromColumn
			if fromColumn == "" {
				fromColumn = col.Name
			}
			if fromColumn != entity.TabellDeriveTime && !table.HasColumn(fromColumn) {
				return nil, fmt.Errorf("column '%s' (for sink column '%s') not found in derived table, columns: %v", fromColumn, col.Name, table.Columns())
			}
			dbColumns = append(dbColumns, col.Name)
			fromColumns = append(fromColumns, fromColumn)
		}
	} else {
		dbColumns = table.Columns()
		fromColumns = table.Columns()
	}

	idents := make([]string, len(dbColumns))
	placeholders := make([]string, len(dbColumns))
	for i, col := range dbColumns {
		idents[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier(strings.Split(tableSpec.Name, ".")).Sanitize(),
		strings.Join(idents, ", "),
		strings.Join(placeholders, ", "))

	return &insertStatement{sql: sql, fromColumns: fromColumns}, nil
}

func (st *insertStatement) rowArgs(table *entity.Table, row int, deriveTime time.Time) []any {
	args := make([]any, len(st.fromColumns))
	for i, fromColumn := range st.fromColumns {
		if fromColumn == entity.TabellDeriveTime {
			args[i] = deriveTime
			continue
		}
		// Column presence was checked when building the statement
		value, _ := table.Value(row, fromColumn)
		args[i] = value
	}
	return args
}

// Connection level and transient errors are worth retrying, data and
// constraint errors are not. Errors without a SQLSTATE are assumed to be
// network issues.
func retryableInsertError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P03": // cannot connect now
			return true
		}
		return false
	}
	return true
}
