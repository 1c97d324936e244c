// Package xbigquery provides the "bigquery" sink entity type, storing each
// derived table with a multi-row BigQuery streaming insert. The target dataset
// and table are created on demand, with the table schema built from the sink
// spec's declared columns or, if none are declared, inferred from the first
// derived table stored.
package xbigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
	"google.golang.org/api/googleapi"
)

const (
	tableNotReadyBackoffTime = 8 * time.Second
	defaultDatasetLocation   = "EU"
)

// Config is the deployment config for the BigQuery sink, provided when
// creating the factory.
type Config struct {
	ProjectId string

	// Client can be assigned to inject an alternative client implementation,
	// mainly for testing purposes. If not set, a real BigQuery client is
	// created lazily on first sink creation.
	Client BigQueryClient
}

type sinkFactory struct {
	config      Config
	mu          sync.Mutex
	client      BigQueryClient
	ownedClient *bigquery.Client

	// mdMutex serializes dataset/table metadata operations across all sinks
	// created by this factory.
	mdMutex sync.Mutex
}

// NewSinkFactory creates the factory for the "bigquery" sink entity type.
func NewSinkFactory(config Config) entity.SinkFactory {
	sf := &sinkFactory{config: config}
	if !isNil(config.Client) {
		sf.client = config.Client
	}
	return sf
}

func (sf *sinkFactory) SinkId() string {
	return string(entity.EntityBigQuery)
}

func (sf *sinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	client, err := sf.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return newSink(ctx, c, client, &sf.mdMutex)
}

// All sinks from the same factory share a single BigQuery client.
func (sf *sinkFactory) getClient(ctx context.Context) (BigQueryClient, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.client != nil {
		return sf.client, nil
	}
	client, err := bigquery.NewClient(ctx, sf.config.ProjectId)
	if err != nil {
		return nil, fmt.Errorf("could not create bigquery client for project '%s', err: %v", sf.config.ProjectId, err)
	}
	sf.ownedClient = client
	sf.client = NewClient(client)
	return sf.client, nil
}

func (sf *sinkFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.ownedClient != nil {
		err := sf.ownedClient.Close()
		sf.ownedClient = nil
		sf.client = nil
		return err
	}
	return nil
}

type sink struct {
	spec               *entity.Spec
	tableSpec          entity.SinkTable
	discardInvalidData bool
	client             BigQueryClient
	table              *bigquery.Table
	inserter           BigQueryInserter
	mdMutex            *sync.Mutex
	notifier           *notify.Notifier
	rowsInserted       int64
}

func newSink(ctx context.Context, c entity.Config, client BigQueryClient, mdMutex *sync.Mutex) (*sink, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	sinkSpec := c.Spec.SinkSpecByType(entity.EntityBigQuery)
	if sinkSpec == nil || sinkSpec.Config == nil || len(sinkSpec.Config.Tables) == 0 {
		return nil, fmt.Errorf("no BigQuery table specified in spec %s", c.Spec.Id())
	}

	var lg *logger.Log
	if c.Log {
		lg = logger.New()
	}

	s := &sink{
		spec:               c.Spec,
		tableSpec:          sinkSpec.Config.Tables[0],
		discardInvalidData: sinkSpec.Config.DiscardInvalidData,
		client:             client,
		mdMutex:            mdMutex,
		notifier:           notify.New(c.NotifyChan, lg, 2, "xbigquery.sink", c.ID, c.Spec.Id()),
	}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sink) init(ctx context.Context) error {

	s.mdMutex.Lock()
	defer s.mdMutex.Unlock()

	if err := s.ensureDataset(ctx); err != nil {
		return err
	}

	// Without declared columns the schema can first be known when the first
	// derived table arrives, so table creation is deferred until then.
	if len(s.tableSpec.Columns) == 0 {
		return nil
	}
	md, err := s.createTableMetadata()
	if err != nil {
		return err
	}
	return s.ensureTable(ctx, md)
}

// Store inserts all rows of the derived table into the sink's BigQuery table
// with a single multi-row streaming insert.
func (s *sink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {

	resourceId := s.tableSpec.Dataset + "." + s.tableSpec.Name

	if table == nil || table.NumRows() == 0 {
		return resourceId, errors.New("store called without table data"), false
	}

	if s.inserter == nil {
		if err := s.createTableFromFirstBatch(ctx, table); err != nil {
			return resourceId, err, false
		}
	}

	rows, err := s.createRows(table)
	if err != nil {
		// Spec vs derived table schema mismatch, no point retrying
		return resourceId, err, false
	}
	if len(rows) == 0 {
		s.notifier.Notify(entity.NotifyLevelWarn, "No rows to be inserted from derived table, might be an error in derivation spec, table: %s", table)
		return resourceId, nil, false
	}

	err = s.inserter.Put(ctx, rows)

	if err != nil && probableTableNotReadyError(err) {
		// Right after table creation it can take some time before BQ accepts
		// streaming inserts to it. Until then inserts fail. Backing off
		// slightly here reduces the number of runner retries needed.
		s.notifier.Notify(entity.NotifyLevelWarn, "BQ table probably not ready, backing off a few sec (err: %v)", err)
		if !sleepCtx(ctx, tableNotReadyBackoffTime) {
			return resourceId, entity.ErrEntityShutdownRequested, false
		}
		return resourceId, err, true
	}
	if err != nil {
		return resourceId, fmt.Errorf("bigquery insert into %s failed, err: %v", resourceId, err), retryableInsertError(err)
	}

	s.rowsInserted += int64(len(rows))
	if s.spec.Ops.LogTableData {
		s.notifier.Notify(entity.NotifyLevelDebug, "Successfully inserted %d rows to BigQuery table %s", len(rows), resourceId)
	}
	return resourceId, nil, false
}

func (s *sink) Shutdown() {
	s.notifier.Notify(entity.NotifyLevelInfo, "Shutdown completed, number of inserted rows: %d", s.rowsInserted)
}

func probableTableNotReadyError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such field") || strings.Contains(msg, "not found")
}

// retryableInsertError classifies streaming insert errors. Server side and
// quota issues are worth retrying, while for example rows rejected with a
// PutMultiError will fail equally on every retry.
func retryableInsertError(err error) bool {

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var putErr bigquery.PutMultiError
	if errors.As(err, &putErr) {
		return false
	}

	// Transport level error without API status, assume transient
	return true
}

func (s *sink) createTableFromFirstBatch(ctx context.Context, table *entity.Table) error {
	md, err := s.inferTableMetadata(table)
	if err != nil {
		return err
	}
	s.mdMutex.Lock()
	defer s.mdMutex.Unlock()
	return s.ensureTable(ctx, md)
}

// ensureDataset and ensureTable require mdMutex to be held.
func (s *sink) ensureDataset(ctx context.Context) error {

	_, status, err := s.client.GetDatasetMetadata(ctx, s.client.CreateDatasetRef(s.tableSpec.Dataset))
	if err != nil && status == Unknown {
		return err
	}

	if status == NonExistent {
		md := &bigquery.DatasetMetadata{
			Location: defaultDatasetLocation,
		}
		if dc := s.tableSpec.DatasetCreation; dc != nil {
			md.Description = dc.Description
			if dc.Location != "" {
				md.Location = dc.Location
			}
		}
		return s.client.CreateDataset(ctx, s.tableSpec.Dataset, md)
	}

	s.notifier.Notify(entity.NotifyLevelDebug, "Dataset %s already exists, no need to create it", s.tableSpec.Dataset)
	return nil
}

func (s *sink) ensureTable(ctx context.Context, md *bigquery.TableMetadata) error {

	s.table = s.client.CreateTableRef(s.tableSpec.Dataset, s.tableSpec.Name)
	_, status, err := s.client.GetTableMetadata(ctx, s.table)
	if err != nil && status == Unknown {
		return err
	}

	if status == NonExistent {
		if s.table, err = s.client.CreateTable(ctx, s.tableSpec.Dataset, s.tableSpec.Name, md); err != nil {
			return err
		}
	} else {
		s.notifier.Notify(entity.NotifyLevelDebug, "Table %s already exists, no need to create it", s.tableSpec.Name)
	}

	s.inserter = s.client.GetTableInserter(s.table)
	return nil
}

// Creates table metadata from the sink spec's declared columns, for use in
// table creation.
func (s *sink) createTableMetadata() (*bigquery.TableMetadata, error) {

	schemaJSON, err := json.Marshal(s.tableSpec.Columns)
	if err != nil {
		return nil, err
	}
	schema, err := bigquery.SchemaFromJSON(schemaJSON)
	if err != nil || len(schema) == 0 {
		return nil, fmt.Errorf("could not create BigQuery schema from derivation spec, err: %v", err)
	}
	return tableMetadata(schema, s.tableSpec.TableCreation), nil
}

// inferTableMetadata creates table metadata from the derived table itself,
// used when the sink spec declares no columns. Column types are inferred from
// the values of the table's first row.
func (s *sink) inferTableMetadata(table *entity.Table) (*bigquery.TableMetadata, error) {

	var schema bigquery.Schema
	columns := table.Columns()

	for i, value := range table.Row(0) {
		fieldType, err := inferFieldType(value)
		if err != nil {
			return nil, fmt.Errorf("cannot infer BigQuery schema for column '%s' (%v), declare the table columns in the sink spec instead", columns[i], err)
		}
		schema = append(schema, &bigquery.FieldSchema{Name: columns[i], Type: fieldType})
	}
	return tableMetadata(schema, s.tableSpec.TableCreation), nil
}

func tableMetadata(schema bigquery.Schema, tc *entity.TableCreation) *bigquery.TableMetadata {

	md := &bigquery.TableMetadata{Schema: schema}
	if tc == nil {
		return md
	}

	md.Description = tc.Description
	md.RequirePartitionFilter = tc.RequirePartitionFilter

	if len(tc.Clustering) > 0 {
		md.Clustering = &bigquery.Clustering{Fields: tc.Clustering}
	}

	if tc.TimePartitioning != nil {
		md.TimePartitioning = &bigquery.TimePartitioning{
			Type:       bigquery.TimePartitioningType(tc.TimePartitioning.Type),
			Expiration: time.Duration(tc.TimePartitioning.ExpirationHours) * time.Hour,
			Field:      tc.TimePartitioning.Field,
		}
	}
	return md
}

func inferFieldType(value any) (bigquery.FieldType, error) {
	switch value.(type) {
	case string:
		return bigquery.StringFieldType, nil
	case bool:
		return bigquery.BooleanFieldType, nil
	case int, int32, int64:
		return bigquery.IntegerFieldType, nil
	case float32, float64:
		return bigquery.FloatFieldType, nil
	case time.Time:
		return bigquery.TimestampFieldType, nil
	case []byte:
		return bigquery.BytesFieldType, nil
	case nil:
		return "", errors.New("nil value in first row")
	default:
		// Values without a direct BQ counterpart are inserted JSON encoded
		return bigquery.StringFieldType, nil
	}
}

// createRows builds the BigQuery rows to insert from the derived table. With
// declared sink columns each row item takes its value from the derived table
// column given by fromColumn (falling back to the declared column name), with
// optional validation against the declared type. Without declared columns all
// derived table columns are inserted as-is.
func (s *sink) createRows(table *entity.Table) ([]*Row, error) {

	if len(s.tableSpec.Columns) == 0 {
		return s.createRowsFromTableColumns(table)
	}

	var rows []*Row
	for i := 0; i < table.NumRows(); i++ {

		row := NewRow()
		skipRow := false

		for _, col := range s.tableSpec.Columns {

			if col.FromColumn == entity.TabellDeriveTime {
				row.AddItem(&RowItem{Name: col.Name, Value: time.Now().UTC()})
				continue
			}

			fromColumn := col.FromColumn
			if fromColumn == "" {
				fromColumn = col.Name
			}
			value, ok := table.Value(i, fromColumn)
			if !ok {
				return nil, fmt.Errorf("column '%s' (for sink column '%s') not found in derived table, columns: %v", fromColumn, col.Name, table.Columns())
			}

			if s.discardInvalidData {
				if errValidation := validateData(col, value); errValidation != nil {
					s.notifier.Notify(entity.NotifyLevelWarn, "Invalid data found for column %+v in row %d, err: %v, row logged and discarded: %v", col, i, errValidation, table.Row(i))
					skipRow = true
					break
				}
			}

			row.AddItem(&RowItem{Name: col.Name, Value: value})
		}

		if skipRow {
			continue
		}
		s.setInsertId(table, i, row)
		if row.Size() > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *sink) createRowsFromTableColumns(table *entity.Table) ([]*Row, error) {

	columns := table.Columns()
	var rows []*Row

	for i := 0; i < table.NumRows(); i++ {
		row := NewRow()
		for j, value := range table.Row(i) {
			v, err := bqValue(value)
			if err != nil {
				return nil, fmt.Errorf("could not adapt value in column '%s', row %d for insertion, err: %v", columns[j], i, err)
			}
			row.AddItem(&RowItem{Name: columns[j], Value: v})
		}
		s.setInsertId(table, i, row)
		rows = append(rows, row)
	}
	return rows, nil
}

// setInsertId assigns the row's insert ID, used for BigQuery best-effort
// deduplication, if the spec requests one. A missing or non-string value is
// reported but leaves the ID empty rather than failing the whole batch.
func (s *sink) setInsertId(table *entity.Table, rowIndex int, row *Row) {

	if s.tableSpec.InsertIdFromColumn == "" {
		return
	}
	value, ok := table.Value(rowIndex, s.tableSpec.InsertIdFromColumn)
	if !ok {
		s.notifier.Notify(entity.NotifyLevelError, "Insert ID column '%s' not found in derived table, columns: %v", s.tableSpec.InsertIdFromColumn, table.Columns())
		return
	}
	insertId, ok := value.(string)
	if !ok {
		s.notifier.Notify(entity.NotifyLevelError, "Corrupt insert ID in row %d, value must be a string, got %T", rowIndex, value)
		return
	}
	row.InsertId = insertId
}

func validateData(col entity.Column, data any) error {

	var (
		err          error
		correctType  bool
		invalidValue bool
	)

	if col.Mode == "REQUIRED" {
		if isNil(data) {
			return fmt.Errorf("field mode set to REQUIRED but null value provided")
		}
	}
	switch col.Type {
	case string(bigquery.TimestampFieldType):
		switch t := data.(type) {
		case time.Time:
			correctType = true
			invalidValue = t.IsZero()
		case nil:
			correctType = true
		}
	case string(bigquery.BooleanFieldType), "BOOL":
		switch data.(type) {
		case bool, nil:
			correctType = true
		}
	case string(bigquery.IntegerFieldType), "INT64":
		switch data.(type) {
		case int, int32, int64, nil:
			correctType = true
		}
	case string(bigquery.StringFieldType):
		switch data.(type) {
		case string, nil:
			correctType = true
		}
	case string(bigquery.FloatFieldType), "FLOAT64", string(bigquery.NumericFieldType):
		switch data.(type) {
		case float64, float32, int, int32, int64, nil:
			correctType = true
		}
	case string(bigquery.BytesFieldType):
		switch data.(type) {
		case []byte, nil:
			correctType = true
		}
	default:
		// No data validation for RECORD, array/repeated fields
		correctType = true
	}
	if !correctType {
		err = fmt.Errorf("field type in schema: %s, does not match actual type: %T", col.Type, data)
	} else if invalidValue {
		err = fmt.Errorf("invalid field value: %v", data)
	}
	return err
}

// bqValue adapts a derived table value for insertion. Values of types without
// a direct BigQuery counterpart (e.g. the attributes map from a pubsub
// source) are inserted as their JSON encoding.
func bqValue(value any) (bigquery.Value, error) {
	switch value.(type) {
	case string, bool, int, int32, int64, float32, float64, time.Time, []byte, nil:
		return value, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
}

type Row struct {
	InsertId string
	rowItems map[string]bigquery.Value
}

type RowItem struct {
	Name  string
	Value any
}

func NewRow() *Row {
	return &Row{
		rowItems: make(map[string]bigquery.Value),
	}
}

func (r *Row) AddItem(item *RowItem) {
	r.rowItems[item.Name] = item.Value
}

// Save implements the BigQuery ValueSaver interface, as used by the
// bigquery.Inserter.
func (r *Row) Save() (map[string]bigquery.Value, string, error) {
	return r.rowItems, r.InsertId, nil
}

func (r *Row) Size() int {
	return len(r.rowItems)
}
