// Package xbigtable provides the "bigtable" sink entity type, upserting each
// row of the derived table as one BigTable row mutation. Target tables and
// column families are created on demand, including garbage collection policies
// if specified in the sink spec.
package xbigtable

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigtable"
	"github.com/google/uuid"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

// Predefined row key types, as specified in the sink spec's rowKey.predefined
// field.
const (
	PreDefinedRowKeyTimestampIso      = "timestampIso"
	PreDefinedRowKeyInvertedTimestamp = "invertedTimestamp"
	PreDefinedRowKeyUuid              = "uuid"
)

const isoTimestampLayoutMilliseconds = "2006-01-02T15:04:05.000Z"

// Config is the deployment config for the BigTable sink, provided when
// creating the factory.
type Config struct {
	ProjectId  string
	InstanceId string

	// Client and AdminClient can be assigned to inject alternative client
	// implementations, mainly for testing purposes. If not set, real BigTable
	// clients are created lazily on first sink creation.
	Client      BigTableClient
	AdminClient BigTableAdminClient
}

type sinkFactory struct {
	config           Config
	mu               sync.Mutex
	client           BigTableClient
	adminClient      BigTableAdminClient
	ownedClient      *bigtable.Client
	ownedAdminClient *bigtable.AdminClient
}

// NewSinkFactory creates the factory for the "bigtable" sink entity type.
func NewSinkFactory(config Config) entity.SinkFactory {
	sf := &sinkFactory{config: config}
	if !isNil(config.Client) {
		sf.client = config.Client
	}
	if !isNil(config.AdminClient) {
		sf.adminClient = config.AdminClient
	}
	return sf
}

func (sf *sinkFactory) SinkId() string {
	return string(entity.EntityBigTable)
}

func (sf *sinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	client, adminClient, err := sf.getClients(ctx)
	if err != nil {
		return nil, err
	}
	return newSink(ctx, c, client, adminClient)
}

// All sinks from the same factory share the data and admin clients.
func (sf *sinkFactory) getClients(ctx context.Context) (BigTableClient, BigTableAdminClient, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.client == nil {
		client, err := bigtable.NewClient(ctx, sf.config.ProjectId, sf.config.InstanceId)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create bigtable client for instance '%s', err: %v", sf.config.InstanceId, err)
		}
		sf.ownedClient = client
		sf.client = &defaultClient{client: client}
	}
	if sf.adminClient == nil {
		adminClient, err := bigtable.NewAdminClient(ctx, sf.config.ProjectId, sf.config.InstanceId)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create bigtable admin client for instance '%s', err: %v", sf.config.InstanceId, err)
		}
		sf.ownedAdminClient = adminClient
		sf.adminClient = adminClient
	}
	return sf.client, sf.adminClient, nil
}

func (sf *sinkFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	var err error
	if sf.ownedClient != nil {
		err = sf.ownedClient.Close()
		sf.ownedClient = nil
		sf.client = nil
	}
	if sf.ownedAdminClient != nil {
		if errAdmin := sf.ownedAdminClient.Close(); err == nil {
			err = errAdmin
		}
		sf.ownedAdminClient = nil
		sf.adminClient = nil
	}
	return err
}

type sink struct {
	spec         *entity.Spec
	tables       []entity.SinkTable
	client       BigTableClient
	adminClient  BigTableAdminClient
	openedTables map[string]BigTableTable
	notifier     *notify.Notifier
	rowsUpserted int64
}

func newSink(ctx context.Context, c entity.Config, client BigTableClient, adminClient BigTableAdminClient) (*sink, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	if isNil(client) || isNil(adminClient) {
		return nil, errors.New("invalid arguments, clients must not be nil")
	}
	sinkSpec := c.Spec.SinkSpecByType(entity.EntityBigTable)
	if sinkSpec == nil || sinkSpec.Config == nil || len(sinkSpec.Config.Tables) == 0 {
		return nil, fmt.Errorf("no BigTable table specified in spec %s", c.Spec.Id())
	}
	for _, tableSpec := range sinkSpec.Config.Tables {
		if err := validateTableSpec(tableSpec); err != nil {
			return nil, fmt.Errorf("invalid table spec '%s' in spec %s: %v", tableSpec.Name, c.Spec.Id(), err)
		}
	}

	var lg *logger.Log
	if c.Log {
		lg = logger.New()
	}

	s := &sink{
		spec:        c.Spec,
		tables:      sinkSpec.Config.Tables,
		client:      client,
		adminClient: adminClient,
		notifier:    notify.New(c.NotifyChan, lg, 2, "xbigtable.sink", c.ID, c.Spec.Id()),
	}

	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	s.openTables()
	return s, nil
}

func validateTableSpec(tableSpec entity.SinkTable) error {
	if tableSpec.Name == "" {
		return errors.New("missing table name")
	}
	if len(tableSpec.ColumnFamilies) == 0 {
		return errors.New("at least one column family is required")
	}
	qualifiers := 0
	for _, family := range tableSpec.ColumnFamilies {
		qualifiers += len(family.ColumnQualifiers)
	}
	if qualifiers == 0 {
		return errors.New("at least one column qualifier is required")
	}
	return nil
}

// Store upserts all rows of the derived table with one BigTable mutation per
// row, into each table in the sink spec. The returned resource ID contains the
// name(s) of the tables written to.
func (s *sink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {

	if table == nil || table.NumRows() == 0 {
		return "", errors.New("store called without table data"), false
	}

	timestamp := bigtable.Now()
	var tableNames []string
	for _, tableSpec := range s.tables {
		t := s.openedTables[tableSpec.Name]
		if t == nil {
			return "", fmt.Errorf("bug, opened table missing for '%s'", tableSpec.Name), false
		}
		for i := 0; i < table.NumRows(); i++ {
			mut, err := s.createMutation(tableSpec, table, i, timestamp)
			if err != nil {
				return "", err, false
			}
			rowKey, err := s.createRowKey(tableSpec, table, i)
			if err != nil {
				return "", err, false
			}
			if err := t.Apply(ctx, rowKey, mut); err != nil {
				return "", fmt.Errorf("table.Apply() on table '%s' failed, row key '%s', err: %v", tableSpec.Name, rowKey, err), true
			}
			s.rowsUpserted++
			if s.spec.Ops.LogTableData {
				s.notifier.Notify(entity.NotifyLevelDebug, "Upserted row with key '%s' to table %s", rowKey, tableSpec.Name)
			}
		}
		tableNames = append(tableNames, tableSpec.Name)
	}
	return strings.Join(tableNames, ","), nil, false
}

func (s *sink) Shutdown() {
	s.notifier.Notify(entity.NotifyLevelInfo, "Shutdown completed, number of upserted rows: %d", s.rowsUpserted)
}

func (s *sink) createMutation(tableSpec entity.SinkTable, table *entity.Table, row int, timestamp bigtable.Timestamp) (*bigtable.Mutation, error) {
	mut := bigtable.NewMutation()
	for _, family := range tableSpec.ColumnFamilies {
		for _, qualifier := range family.ColumnQualifiers {
			value, ok := table.Value(row, qualifier.FromColumn)
			if !ok {
				return nil, fmt.Errorf("column '%s' (for column family '%s') not found in derived table, columns: %v", qualifier.FromColumn, family.Name, table.Columns())
			}
			data, err := cellValue(value)
			if err != nil {
				return nil, fmt.Errorf("could not store value from column '%s' in table '%s', err: %v", qualifier.FromColumn, tableSpec.Name, err)
			}
			columnName := qualifier.Name
			if columnName == "" {
				columnName = qualifier.FromColumn
			}
			mut.Set(family.Name, columnName, timestamp, data)
		}
	}
	return mut, nil
}

func cellValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case bool:
		return []byte(strconv.FormatBool(v)), nil
	case time.Time:
		return []byte(v.UTC().Format(isoTimestampLayoutMilliseconds)), nil
	case nil:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("value type %T not supported for bigtable cells", value)
	}
}

func (s *sink) createRowKey(tableSpec entity.SinkTable, table *entity.Table, row int) (string, error) {

	switch tableSpec.RowKey.Predefined {
	case PreDefinedRowKeyTimestampIso:
		return time.Now().UTC().Format(isoTimestampLayoutMilliseconds), nil
	case PreDefinedRowKeyUuid:
		return uuid.New().String(), nil
	case PreDefinedRowKeyInvertedTimestamp:
		return strconv.FormatInt(invertedTimestamp(), 10), nil
	case "":
		// Row key built from derived table columns below.
	default:
		return "", fmt.Errorf("predefined row key type '%s' not supported", tableSpec.RowKey.Predefined)
	}

	if len(tableSpec.RowKey.Columns) == 0 {
		return "", fmt.Errorf("invalid row key config in table '%s', requires a predefined type or columns", tableSpec.Name)
	}
	var rowKey string
	for i, column := range tableSpec.RowKey.Columns {
		value, ok := table.Value(row, column)
		if !ok {
			return "", fmt.Errorf("row key column '%s' not found in derived table, columns: %v", column, table.Columns())
		}
		var key string
		switch v := value.(type) {
		case time.Time:
			key = v.UTC().Format(isoTimestampLayoutMilliseconds)
		default:
			key = fmt.Sprintf("%v", v)
		}
		if i > 0 {
			rowKey += tableSpec.RowKey.Delimiter
		}
		rowKey += key
	}
	if rowKey == "" {
		return "", fmt.Errorf("created row key is empty for table '%s'", tableSpec.Name)
	}
	return rowKey, nil
}

// Inverted timestamps as row keys give a latest-first row order, making most
// recent upserts the cheapest ones to retrieve.
func invertedTimestamp() int64 {
	return math.MaxInt64 - time.Now().UnixNano()
}

func (s *sink) createTables(ctx context.Context) error {
	existingTables, err := s.adminClient.Tables(ctx)
	if err != nil {
		return fmt.Errorf("could not list bigtable tables, err: %v", err)
	}

	for _, tableSpec := range s.tables {
		if !sliceContains(existingTables, tableSpec.Name) {
			if err := s.adminClient.CreateTable(ctx, tableSpec.Name); err != nil {
				if !otherSinkCreatingTable(err) {
					return fmt.Errorf("could not create table '%s', err: %v", tableSpec.Name, err)
				}
				s.notifier.Notify(entity.NotifyLevelWarn, "Another client is creating table %s, continuing (err: %v)", tableSpec.Name, err)
			}
		}

		tableInfo, err := s.adminClient.TableInfo(ctx, tableSpec.Name)
		if err != nil {
			return fmt.Errorf("could not read table info for '%s', err: %v", tableSpec.Name, err)
		}

		for _, family := range tableSpec.ColumnFamilies {
			if sliceContains(tableInfo.Families, family.Name) {
				continue
			}
			if err := s.adminClient.CreateColumnFamily(ctx, tableSpec.Name, family.Name); err != nil {
				if !otherSinkCreatingTable(err) {
					return fmt.Errorf("could not create column family '%s' in table '%s', err: %v", family.Name, tableSpec.Name, err)
				}
				s.notifier.Notify(entity.NotifyLevelWarn, "Another client is creating column family %s, continuing (err: %v)", family.Name, err)
				continue
			}
			if err := s.setGCPolicy(ctx, tableSpec.Name, family); err != nil {
				return err
			}
		}
	}
	return nil
}

// Concurrent creation of the same table or column family is not an error.
// Another sink sharing the spec might have won the race.
func otherSinkCreatingTable(err error) bool {
	return strings.Contains(err.Error(), "AlreadyExists") ||
		strings.Contains(err.Error(), "Table currently being created") ||
		strings.Contains(err.Error(), "is creating")
}

func (s *sink) setGCPolicy(ctx context.Context, table string, family entity.ColumnFamily) error {
	gc := family.GarbageCollectionPolicy
	if gc == nil {
		return nil
	}
	var policy bigtable.GCPolicy
	switch gc.Type {
	case "maxVersions":
		policy = bigtable.MaxVersionsPolicy(gc.Value)
	case "maxAge":
		policy = bigtable.MaxAgePolicy(time.Duration(gc.Value) * time.Hour)
	default:
		return fmt.Errorf("garbage collection policy type '%s' not supported, table '%s'", gc.Type, table)
	}
	if err := s.adminClient.SetGCPolicy(ctx, table, family.Name, policy); err != nil {
		return fmt.Errorf("could not set gc policy on table '%s', family '%s', err: %v", table, family.Name, err)
	}
	return nil
}

func (s *sink) openTables() {
	s.openedTables = make(map[string]BigTableTable)
	for _, tableSpec := range s.tables {
		s.openedTables[tableSpec.Name] = s.client.Open(tableSpec.Name)
	}
}

func sliceContains(slice []string, value string) bool {
	for _, item := range slice {
		if item == value {
			return true
		}
	}
	return false
}
