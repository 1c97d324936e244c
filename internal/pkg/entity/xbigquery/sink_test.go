package xbigquery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/tabell/entity"
	"google.golang.org/api/googleapi"
)

func TestSinkStoreDeclaredSchema(t *testing.T) {

	client := NewMockClient()
	sink := createTestSink(t, bigquerySinkSpec, client)

	// Dataset and table should have been created from spec during sink init
	md, ok := client.datasets["salesdata"]
	require.True(t, ok)
	assert.Equal(t, "EU", md.Location)
	assert.Equal(t, "sales reporting data", md.Description)

	tm, ok := client.tables["salesdata-derived_orders"]
	require.True(t, ok)
	require.Equal(t, 3, len(tm.Schema))
	assert.Equal(t, "orderId", tm.Schema[0].Name)
	assert.Equal(t, bigquery.StringFieldType, tm.Schema[0].Type)
	assert.True(t, tm.Schema[0].Required)
	assert.Equal(t, "total", tm.Schema[1].Name)
	assert.Equal(t, bigquery.FloatFieldType, tm.Schema[1].Type)
	assert.Equal(t, "dateDerived", tm.Schema[2].Name)
	assert.Equal(t, bigquery.TimestampFieldType, tm.Schema[2].Type)
	assert.Equal(t, []string{"orderId"}, tm.Clustering.Fields)
	assert.Equal(t, bigquery.TimePartitioningType("DAY"), tm.TimePartitioning.Type)
	assert.Equal(t, "dateDerived", tm.TimePartitioning.Field)

	table, err := entity.NewTable([]string{"orderId", "orderTotal"}, [][]any{
		{"o-1", 99.5},
		{"o-2", 45.0},
	})
	require.NoError(t, err)

	resourceId, err, retryable := sink.Store(context.Background(), table)
	assert.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, "salesdata.derived_orders", resourceId)

	require.Equal(t, 2, len(client.inserter.rows))
	items, insertId, err := client.inserter.rows[0].Save()
	assert.NoError(t, err)
	assert.Equal(t, "o-1", insertId)
	assert.Equal(t, "o-1", items["orderId"])
	assert.Equal(t, 99.5, items["total"])
	derivedAt, ok := items["dateDerived"].(time.Time)
	assert.True(t, ok)
	assert.False(t, derivedAt.IsZero())

	_, insertId, _ = client.inserter.rows[1].Save()
	assert.Equal(t, "o-2", insertId)
}

func TestSinkInferredSchema(t *testing.T) {

	client := NewMockClient()
	sink := createTestSink(t, bigqueryInferredSpec, client)

	// Without declared columns no table can be created at init time
	assert.Equal(t, 0, client.tablesCreated)

	table, err := entity.NewTable([]string{"rawEvent", "messageId", "publishTime", "attributes", "count", "ratio", "confirmed"}, nil)
	require.NoError(t, err)
	err = table.AppendRow(
		[]byte(`{"orderId": "o-1"}`),
		"msg-1",
		time.Date(2023, 10, 24, 10, 0, 0, 0, time.UTC),
		map[string]string{"origin": "mockTest"},
		42,
		0.5,
		true,
	)
	require.NoError(t, err)

	resourceId, err, retryable := sink.Store(context.Background(), table)
	assert.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, "rawdata.order_events", resourceId)
	assert.Equal(t, 1, client.tablesCreated)

	tm := client.tables["rawdata-order_events"]
	require.NotNil(t, tm)
	require.Equal(t, 7, len(tm.Schema))
	expectedTypes := []bigquery.FieldType{
		bigquery.BytesFieldType,
		bigquery.StringFieldType,
		bigquery.TimestampFieldType,
		bigquery.StringFieldType,
		bigquery.IntegerFieldType,
		bigquery.FloatFieldType,
		bigquery.BooleanFieldType,
	}
	for i, fieldType := range expectedTypes {
		assert.Equal(t, fieldType, tm.Schema[i].Type)
	}

	require.Equal(t, 1, len(client.inserter.rows))
	items, _, _ := client.inserter.rows[0].Save()
	assert.Equal(t, "msg-1", items["messageId"])
	assert.Equal(t, `{"origin":"mockTest"}`, items["attributes"])
	assert.Equal(t, 42, items["count"])
}

func TestSinkDiscardInvalidData(t *testing.T) {

	client := NewMockClient()
	sink := createTestSink(t, bigqueryDiscardSpec, client)

	table, err := entity.NewTable([]string{"orderId", "orderTotal"}, [][]any{
		{"o-1", 99.5},
		{"o-2", "not a number"},
	})
	require.NoError(t, err)

	_, err, retryable := sink.Store(context.Background(), table)
	assert.NoError(t, err)
	assert.False(t, retryable)

	// The invalid row is logged and discarded, the valid one inserted
	require.Equal(t, 1, len(client.inserter.rows))
	items, _, _ := client.inserter.rows[0].Save()
	assert.Equal(t, "o-1", items["orderId"])
}

func TestSinkInsertErrorClassification(t *testing.T) {

	for _, tc := range []struct {
		name      string
		insertErr error
		retryable bool
	}{
		{"service unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}, true},
		{"quota exceeded", &googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, false},
		{"rejected rows", bigquery.PutMultiError{bigquery.RowInsertionError{RowIndex: 1}}, false},
		{"transport error", errors.New("connection reset by peer"), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := NewMockClient()
			client.inserter.err = tc.insertErr
			sink := createTestSink(t, bigquerySinkSpec, client)

			table, err := entity.NewTable([]string{"orderId", "orderTotal"}, [][]any{{"o-1", 99.5}})
			require.NoError(t, err)

			_, err, retryable := sink.Store(context.Background(), table)
			assert.Error(t, err)
			assert.Equal(t, tc.retryable, retryable)
		})
	}
}

func TestSinkExistingDatasetAndTable(t *testing.T) {

	client := NewMockClient()
	client.datasets["salesdata"] = &bigquery.DatasetMetadata{Location: "EU"}
	client.tables["salesdata-derived_orders"] = &bigquery.TableMetadata{
		Schema: bigquery.Schema{{Name: "orderId", Type: bigquery.StringFieldType}},
	}

	sink := createTestSink(t, bigquerySinkSpec, client)
	assert.Equal(t, 0, client.datasetsCreated)
	assert.Equal(t, 0, client.tablesCreated)

	table, err := entity.NewTable([]string{"orderId", "orderTotal"}, [][]any{{"o-1", 99.5}})
	require.NoError(t, err)
	_, err, _ = sink.Store(context.Background(), table)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(client.inserter.rows))
}

func TestSinkSchemaMismatch(t *testing.T) {

	client := NewMockClient()
	sink := createTestSink(t, bigquerySinkSpec, client)

	// Derived table lacks the column the spec maps 'total' from
	table, err := entity.NewTable([]string{"orderId"}, [][]any{{"o-1"}})
	require.NoError(t, err)

	_, err, retryable := sink.Store(context.Background(), table)
	assert.ErrorContains(t, err, "not found in derived table")
	assert.False(t, retryable)
	assert.Equal(t, 0, len(client.inserter.rows))
}

func TestSinkCorruptInsertId(t *testing.T) {

	client := NewMockClient()
	sink := createTestSink(t, bigquerySinkSpec, client)

	// Non-string insert ID values are reported but don't fail the batch
	table, err := entity.NewTable([]string{"orderId", "orderTotal"}, [][]any{{11111, 99.5}})
	require.NoError(t, err)
	sink.tableSpec.Columns[0].FromColumn = "orderTotal" // keep row itself valid

	_, err, _ = sink.Store(context.Background(), table)
	assert.NoError(t, err)
	require.Equal(t, 1, len(client.inserter.rows))
	assert.Empty(t, client.inserter.rows[0].InsertId)
}

func TestSinkInvalidInput(t *testing.T) {

	client := NewMockClient()
	sink := createTestSink(t, bigquerySinkSpec, client)

	_, err, retryable := sink.Store(context.Background(), nil)
	assert.Error(t, err)
	assert.False(t, retryable)

	spec, err := entity.NewSpec(bigqueryNoTableSpec)
	require.NoError(t, err)
	sf := NewSinkFactory(Config{ProjectId: "mockProject", Client: NewMockClient()})
	_, err = sf.NewSink(context.Background(), entity.Config{Spec: spec, ID: "mockInstanceId"})
	assert.ErrorContains(t, err, "no BigQuery table specified")
}

func TestSinkFactory(t *testing.T) {
	sf := NewSinkFactory(Config{ProjectId: "mockProject", Client: NewMockClient()})
	assert.Equal(t, "bigquery", sf.SinkId())
	assert.NoError(t, sf.Close())
}

func TestDataValidation(t *testing.T) {

	col := entity.Column{Name: "col1", Type: "STRING", Mode: "NULLABLE"}
	assert.NoError(t, validateData(col, "mycoolstring"))
	assert.Error(t, validateData(col, 666))
	assert.NoError(t, validateData(col, nil))

	col = entity.Column{Name: "col1", Type: "STRING", Mode: "REQUIRED"}
	assert.Error(t, validateData(col, 666))
	assert.Error(t, validateData(col, nil))

	col = entity.Column{Name: "col1", Type: "TIMESTAMP", Mode: "NULLABLE"}
	assert.NoError(t, validateData(col, time.Now()))
	assert.NoError(t, validateData(col, nil))
	assert.Error(t, validateData(col, "mycooltimestamp"))
	assert.Error(t, validateData(col, time.Time{}))

	col = entity.Column{Name: "col1", Type: "NUMERIC", Mode: "NULLABLE"}
	assert.NoError(t, validateData(col, int(0)))
	assert.NoError(t, validateData(col, int64(2)))
	assert.NoError(t, validateData(col, float64(7)))
	assert.NoError(t, validateData(col, nil))
	assert.Error(t, validateData(col, "666"))

	col = entity.Column{Name: "col1", Type: "BYTES", Mode: "NULLABLE"}
	assert.NoError(t, validateData(col, []byte("kardemummabulle")))
	assert.Error(t, validateData(col, "kardemummabulle"))

	col = entity.Column{Name: "col1", Type: "RECORD", Mode: "REQUIRED"}
	assert.NoError(t, validateData(col, "foo"))
	assert.Error(t, validateData(col, nil))
}

func createTestSink(t *testing.T, specData []byte, client *MockBigQueryClient) *sink {
	spec, err := entity.NewSpec(specData)
	require.NoError(t, err)

	sf := NewSinkFactory(Config{ProjectId: "mockProject", Client: client})
	s, err := sf.NewSink(context.Background(), entity.Config{Spec: spec, ID: "mockInstanceId"})
	require.NoError(t, err)
	return s.(*sink)
}

type MockBigQueryClient struct {
	datasets        map[string]*bigquery.DatasetMetadata
	tables          map[string]*bigquery.TableMetadata
	inserter        *MockBigQueryInserter
	datasetsCreated int
	tablesCreated   int
}

func NewMockClient() *MockBigQueryClient {
	return &MockBigQueryClient{
		datasets: make(map[string]*bigquery.DatasetMetadata),
		tables:   make(map[string]*bigquery.TableMetadata),
		inserter: &MockBigQueryInserter{},
	}
}

func (m *MockBigQueryClient) GetDatasetMetadata(ctx context.Context, dataset *bigquery.Dataset) (*bigquery.DatasetMetadata, DatasetTableStatus, error) {
	if md, ok := m.datasets[dataset.DatasetID]; ok {
		return md, Existent, nil
	}
	return nil, NonExistent, &googleapi.Error{Code: http.StatusNotFound}
}

func (m *MockBigQueryClient) CreateDatasetRef(datasetId string) *bigquery.Dataset {
	return &bigquery.Dataset{DatasetID: datasetId}
}

func (m *MockBigQueryClient) CreateDataset(ctx context.Context, id string, md *bigquery.DatasetMetadata) error {
	m.datasets[id] = md
	m.datasetsCreated++
	return nil
}

func (m *MockBigQueryClient) GetTableMetadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, DatasetTableStatus, error) {
	if tm, ok := m.tables[table.DatasetID+"-"+table.TableID]; ok {
		return tm, Existent, nil
	}
	return nil, NonExistent, &googleapi.Error{Code: http.StatusNotFound}
}

func (m *MockBigQueryClient) CreateTableRef(datasetId string, tableId string) *bigquery.Table {
	return &bigquery.Table{DatasetID: datasetId, TableID: tableId}
}

func (m *MockBigQueryClient) CreateTable(ctx context.Context, datasetId string, tableId string, tm *bigquery.TableMetadata) (*bigquery.Table, error) {
	m.tables[datasetId+"-"+tableId] = tm
	m.tablesCreated++
	return &bigquery.Table{DatasetID: datasetId, TableID: tableId}, nil
}

func (m *MockBigQueryClient) GetTableInserter(table *bigquery.Table) BigQueryInserter {
	return m.inserter
}

type MockBigQueryInserter struct {
	rows []*Row
	err  error
}

func (i *MockBigQueryInserter) Put(ctx context.Context, src any) error {
	if i.err != nil {
		return i.err
	}
	i.rows = append(i.rows, src.([]*Row)...)
	return nil
}

var bigquerySinkSpec = []byte(`
{
   "namespace": "xbigquery",
   "derivationIdSuffix": "sinktest",
   "description": "A derivation storing derived order rows in a declared BigQuery table",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigquery",
         "config": {
            "tables": [
               {
                  "name": "derived_orders",
                  "dataset": "salesdata",
                  "datasetCreation": {
                     "description": "sales reporting data",
                     "location": "EU"
                  },
                  "insertIdFromColumn": "orderId",
                  "columns": [
                     {
                        "name": "orderId",
                        "mode": "REQUIRED",
                        "type": "STRING",
                        "description": "order id"
                     },
                     {
                        "name": "total",
                        "mode": "NULLABLE",
                        "type": "FLOAT",
                        "description": "order total",
                        "fromColumn": "orderTotal"
                     },
                     {
                        "name": "dateDerived",
                        "mode": "NULLABLE",
                        "type": "TIMESTAMP",
                        "description": "derivation timestamp",
                        "fromColumn": "@tabellDeriveTime"
                     }
                  ],
                  "tableCreation": {
                     "description": "derived orders",
                     "clustering": ["orderId"],
                     "timePartitioning": {
                        "type": "DAY",
                        "field": "dateDerived"
                     }
                  }
               }
            ]
         }
      }
   ]
}`)

var bigqueryInferredSpec = []byte(`
{
   "namespace": "xbigquery",
   "derivationIdSuffix": "inferredtest",
   "description": "A derivation storing derived tables with the schema inferred from the table itself",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigquery",
         "config": {
            "tables": [
               {
                  "name": "order_events",
                  "dataset": "rawdata"
               }
            ]
         }
      }
   ]
}`)

var bigqueryDiscardSpec = []byte(`
{
   "namespace": "xbigquery",
   "derivationIdSuffix": "discardtest",
   "description": "A derivation discarding rows not matching the declared schema",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigquery",
         "config": {
            "discardInvalidData": true,
            "tables": [
               {
                  "name": "derived_orders",
                  "dataset": "salesdata",
                  "columns": [
                     {
                        "name": "orderId",
                        "mode": "REQUIRED",
                        "type": "STRING"
                     },
                     {
                        "name": "total",
                        "mode": "NULLABLE",
                        "type": "FLOAT",
                        "fromColumn": "orderTotal"
                     }
                  ]
               }
            ]
         }
      }
   ]
}`)

var bigqueryNoTableSpec = []byte(`
{
   "namespace": "xbigquery",
   "derivationIdSuffix": "notabletest",
   "description": "A derivation with a bigquery sink lacking table config",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigquery",
         "config": {}
      }
   ]
}`)
