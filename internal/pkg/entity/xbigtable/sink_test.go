package xbigtable

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigtable"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/tabell/entity"
)

func TestSinkStore(t *testing.T) {

	client := &MockClient{table: &MockTable{}}
	adminClient := NewMockAdminClient()
	sink := createTestSink(t, bigtableSinkSpec, client, adminClient)

	// Table, families and gc policies should have been created during sink init
	assert.Equal(t, []string{"derived_sessions"}, adminClient.createdTables)
	assert.Equal(t, []string{"derived_sessions/d", "derived_sessions/m"}, adminClient.createdFamilies)
	assert.Equal(t, bigtable.MaxVersionsPolicy(10).String(), adminClient.policies["derived_sessions/d"])
	assert.Equal(t, bigtable.MaxAgePolicy(24*time.Hour).String(), adminClient.policies["derived_sessions/m"])

	table, err := entity.NewTable([]string{"customerId", "orderId", "orderTotal", "eventTime"}, [][]any{
		{"cust-1", "o-1", 99.5, time.Date(2023, 10, 24, 10, 0, 0, 0, time.UTC)},
		{"cust-2", "o-2", 45.0, time.Date(2023, 10, 24, 11, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	resourceId, err, retryable := sink.Store(context.Background(), table)
	assert.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, "derived_sessions", resourceId)

	// Cell contents are not accessible inside the BT mutation object, so
	// assertions are made on row keys and mutation count.
	assert.Equal(t, []string{"cust-1#o-1", "cust-2#o-2"}, client.table.rowKeys)
	assert.Equal(t, 2, len(client.table.muts))
	assert.Equal(t, int64(2), sink.rowsUpserted)

	sink.Shutdown()
}

func TestSinkRowKeyVariants(t *testing.T) {

	eventTime := time.Date(2023, 10, 24, 10, 30, 0, 500000000, time.UTC)

	testCases := []struct {
		name     string
		rowKey   string
		valid    bool
		validate func(t *testing.T, key string)
	}{
		{
			name:   "from columns",
			rowKey: `{"columns": ["orderId", "eventTime"], "delimiter": "-"}`,
			valid:  true,
			validate: func(t *testing.T, key string) {
				assert.Equal(t, "o-1-2023-10-24T10:30:00.500Z", key)
			},
		},
		{
			name:   "predefined uuid",
			rowKey: `{"predefined": "uuid"}`,
			valid:  true,
			validate: func(t *testing.T, key string) {
				_, err := uuid.Parse(key)
				assert.NoError(t, err)
			},
		},
		{
			name:   "predefined timestampIso",
			rowKey: `{"predefined": "timestampIso"}`,
			valid:  true,
			validate: func(t *testing.T, key string) {
				_, err := time.Parse(isoTimestampLayoutMilliseconds, key)
				assert.NoError(t, err)
			},
		},
		{
			name:   "predefined invertedTimestamp",
			rowKey: `{"predefined": "invertedTimestamp"}`,
			valid:  true,
			validate: func(t *testing.T, key string) {
				_, err := strconv.ParseInt(key, 10, 64)
				assert.NoError(t, err)
			},
		},
		{
			name:   "unsupported predefined type",
			rowKey: `{"predefined": "somethingElse"}`,
			valid:  false,
		},
		{
			name:   "empty row key config",
			rowKey: `{}`,
			valid:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := &MockClient{table: &MockTable{}}
			specData := strings.Replace(string(bigtableRowKeySpec), "ROWKEY", tc.rowKey, 1)
			sink := createTestSink(t, []byte(specData), client, NewMockAdminClient())

			table, err := entity.NewTable([]string{"orderId", "eventTime"}, [][]any{{"o-1", eventTime}})
			require.NoError(t, err)

			_, err, retryable := sink.Store(context.Background(), table)
			if !tc.valid {
				assert.Error(t, err)
				assert.False(t, retryable)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 1, len(client.table.rowKeys))
			tc.validate(t, client.table.rowKeys[0])
		})
	}
}

func TestSinkExistingTable(t *testing.T) {

	adminClient := NewMockAdminClient()
	adminClient.tables = []string{"derived_sessions", "some_other_table"}
	adminClient.families["derived_sessions"] = []string{"d", "m"}

	createTestSink(t, bigtableSinkSpec, &MockClient{table: &MockTable{}}, adminClient)

	assert.Empty(t, adminClient.createdTables)
	assert.Empty(t, adminClient.createdFamilies)
	assert.Empty(t, adminClient.policies)
}

func TestSinkConcurrentTableCreation(t *testing.T) {

	// Creation already in progress by another client is not an error
	toleratedErrors := []string{
		"rpc error: code = AlreadyExists desc = table already exists",
		"rpc error: code = FailedPrecondition desc = Table currently being created",
	}
	for _, errText := range toleratedErrors {
		adminClient := NewMockAdminClient()
		adminClient.createTableErr = errors.New(errText)
		createTestSink(t, bigtableSinkSpec, &MockClient{table: &MockTable{}}, adminClient)
	}

	adminClient := NewMockAdminClient()
	adminClient.createTableErr = errors.New("rpc error: code = PermissionDenied")
	_, err := newTestSink(bigtableSinkSpec, &MockClient{table: &MockTable{}}, adminClient)
	assert.Error(t, err)
}

func TestSinkSchemaMismatch(t *testing.T) {

	sink := createTestSink(t, bigtableSinkSpec, &MockClient{table: &MockTable{}}, NewMockAdminClient())

	table, err := entity.NewTable([]string{"customerId", "orderId"}, [][]any{{"cust-1", "o-1"}})
	require.NoError(t, err)

	_, err, retryable := sink.Store(context.Background(), table)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found in derived table")
	assert.False(t, retryable)

	// Row key columns missing from the derived table
	table, err = entity.NewTable([]string{"orderId", "orderTotal", "eventTime"}, [][]any{
		{"o-1", 99.5, time.Date(2023, 10, 24, 10, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	_, err, retryable = sink.Store(context.Background(), table)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "row key column 'customerId' not found")
	assert.False(t, retryable)
}

func TestSinkApplyError(t *testing.T) {

	client := &MockClient{table: &MockTable{applyErr: errors.New("context deadline exceeded")}}
	sink := createTestSink(t, bigtableSinkSpec, client, NewMockAdminClient())

	table, err := entity.NewTable([]string{"customerId", "orderId", "orderTotal", "eventTime"}, [][]any{
		{"cust-1", "o-1", 99.5, time.Date(2023, 10, 24, 10, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	_, err, retryable := sink.Store(context.Background(), table)
	assert.Error(t, err)
	assert.True(t, retryable)
}

func TestSinkInvalidInput(t *testing.T) {

	sink := createTestSink(t, bigtableSinkSpec, &MockClient{table: &MockTable{}}, NewMockAdminClient())

	_, err, retryable := sink.Store(context.Background(), nil)
	assert.Error(t, err)
	assert.False(t, retryable)

	emptyTable, err := entity.NewTable([]string{"orderId"}, nil)
	require.NoError(t, err)
	_, err, _ = sink.Store(context.Background(), emptyTable)
	assert.Error(t, err)

	_, err = newTestSink(bigtableNoTableSpec, &MockClient{table: &MockTable{}}, NewMockAdminClient())
	assert.EqualError(t, err, "no BigTable table specified in spec xbigtable-notabletest")

	_, err = newTestSink(bigtableNoFamilySpec, &MockClient{table: &MockTable{}}, NewMockAdminClient())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one column family")

	_, err = newSink(context.Background(), entity.Config{}, &MockClient{}, NewMockAdminClient())
	assert.Error(t, err)

	spec, err := entity.NewSpec(bigtableSinkSpec)
	require.NoError(t, err)
	_, err = newSink(context.Background(), entity.Config{Spec: spec}, nil, nil)
	assert.Error(t, err)
}

func TestSinkFactory(t *testing.T) {

	sf := NewSinkFactory(Config{Client: &MockClient{table: &MockTable{}}, AdminClient: NewMockAdminClient()})
	assert.Equal(t, "bigtable", sf.SinkId())
	assert.NoError(t, sf.Close())
}

func TestCellValues(t *testing.T) {

	eventTime := time.Date(2023, 10, 24, 10, 30, 0, 500000000, time.UTC)

	testCases := []struct {
		value    any
		expected string
	}{
		{value: "someString", expected: "someString"},
		{value: []byte("someBytes"), expected: "someBytes"},
		{value: 42, expected: "42"},
		{value: int64(1698143400), expected: "1698143400"},
		{value: 99.5, expected: "99.5"},
		{value: true, expected: "true"},
		{value: eventTime, expected: "2023-10-24T10:30:00.500Z"},
		{value: nil, expected: ""},
	}

	for _, tc := range testCases {
		data, err := cellValue(tc.value)
		assert.NoError(t, err)
		assert.Equal(t, tc.expected, string(data))
	}

	_, err := cellValue(map[string]string{"not": "supported"})
	assert.Error(t, err)
}

func TestInvertedTimestamp(t *testing.T) {
	first := invertedTimestamp()
	time.Sleep(time.Millisecond)
	second := invertedTimestamp()
	assert.Less(t, second, first)
}

func createTestSink(t *testing.T, specData []byte, client *MockClient, adminClient *MockAdminClient) *sink {
	s, err := newTestSink(specData, client, adminClient)
	require.NoError(t, err)
	return s
}

func newTestSink(specData []byte, client *MockClient, adminClient *MockAdminClient) (*sink, error) {
	spec, err := entity.NewSpec(specData)
	if err != nil {
		return nil, err
	}
	sf := NewSinkFactory(Config{
		ProjectId:   "mockProject",
		InstanceId:  "mockInstance",
		Client:      client,
		AdminClient: adminClient,
	})
	s, err := sf.NewSink(context.Background(), entity.Config{Spec: spec, ID: "mockInstanceId"})
	if err != nil {
		return nil, err
	}
	return s.(*sink), nil
}

type MockClient struct {
	table *MockTable
}

func (m *MockClient) Open(table string) BigTableTable {
	return m.table
}

type MockTable struct {
	rowKeys  []string
	muts     []*bigtable.Mutation
	applyErr error
}

func (m *MockTable) Apply(ctx context.Context, row string, mut *bigtable.Mutation, opts ...bigtable.ApplyOption) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.rowKeys = append(m.rowKeys, row)
	m.muts = append(m.muts, mut)
	return nil
}

type MockAdminClient struct {
	tables          []string
	families        map[string][]string
	createdTables   []string
	createdFamilies []string
	policies        map[string]string
	createTableErr  error
}

func NewMockAdminClient() *MockAdminClient {
	return &MockAdminClient{
		families: make(map[string][]string),
		policies: make(map[string]string),
	}
}

func (m *MockAdminClient) Tables(ctx context.Context) ([]string, error) {
	return m.tables, nil
}

func (m *MockAdminClient) CreateTable(ctx context.Context, table string) error {
	if m.createTableErr != nil {
		return m.createTableErr
	}
	m.createdTables = append(m.createdTables, table)
	m.tables = append(m.tables, table)
	return nil
}

func (m *MockAdminClient) TableInfo(ctx context.Context, table string) (*bigtable.TableInfo, error) {
	return &bigtable.TableInfo{Families: m.families[table]}, nil
}

func (m *MockAdminClient) CreateColumnFamily(ctx context.Context, table, family string) error {
	m.createdFamilies = append(m.createdFamilies, table+"/"+family)
	m.families[table] = append(m.families[table], family)
	return nil
}

func (m *MockAdminClient) SetGCPolicy(ctx context.Context, table, family string, policy bigtable.GCPolicy) error {
	m.policies[table+"/"+family] = policy.String()
	return nil
}

var bigtableSinkSpec = []byte(`
{
   "namespace": "xbigtable",
   "derivationIdSuffix": "sinktest",
   "description": "A derivation upserting derived session rows into BigTable",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigtable",
         "config": {
            "tables": [
               {
                  "name": "derived_sessions",
                  "rowKey": {
                     "columns": ["customerId", "orderId"],
                     "delimiter": "#"
                  },
                  "columnFamilies": [
                     {
                        "name": "d",
                        "garbageCollectionPolicy": {
                           "type": "maxVersions",
                           "value": 10
                        },
                        "columnQualifiers": [
                           {
                              "fromColumn": "orderId"
                           },
                           {
                              "fromColumn": "orderTotal",
                              "name": "total"
                           }
                        ]
                     },
                     {
                        "name": "m",
                        "garbageCollectionPolicy": {
                           "type": "maxAge",
                           "value": 24
                        },
                        "columnQualifiers": [
                           {
                              "fromColumn": "eventTime"
                           }
                        ]
                     }
                  ]
               }
            ]
         }
      }
   ]
}`)

var bigtableRowKeySpec = []byte(`
{
   "namespace": "xbigtable",
   "derivationIdSuffix": "rowkeytest",
   "description": "A derivation exercising the row key options",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigtable",
         "config": {
            "tables": [
               {
                  "name": "keyed_orders",
                  "rowKey": ROWKEY,
                  "columnFamilies": [
                     {
                        "name": "d",
                        "columnQualifiers": [
                           {
                              "fromColumn": "orderId"
                           }
                        ]
                     }
                  ]
               }
            ]
         }
      }
   ]
}`)

var bigtableNoTableSpec = []byte(`
{
   "namespace": "xbigtable",
   "derivationIdSuffix": "notabletest",
   "description": "A derivation with a bigtable sink lacking table config",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigtable",
         "config": {}
      }
   ]
}`)

var bigtableNoFamilySpec = []byte(`
{
   "namespace": "xbigtable",
   "derivationIdSuffix": "nofamilytest",
   "description": "A derivation with a bigtable table lacking column families",
   "version": 1,
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigtable",
         "config": {
            "tables": [
               {
                  "name": "derived_sessions"
               }
            ]
         }
      }
   ]
}`)
