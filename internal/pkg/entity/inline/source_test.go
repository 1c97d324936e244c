package inline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/tabell/entity"
)

func TestTableMode(t *testing.T) {

	factory := NewSourceFactory()
	assert.Equal(t, "inline", factory.SourceId())

	source, err := factory.NewSource(context.Background(), sourceConfig(t, specTableMode, "products"))
	require.NoError(t, err)

	table, err := source.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"productId", "name", "price"}, table.Columns())
	assert.Equal(t, 2, table.NumRows())
	assert.Equal(t, []any{"p1", "gopher plush", float64(12.5)}, table.Row(0))

	price, ok := table.Value(1, "price")
	assert.True(t, ok)
	assert.Equal(t, float64(9), price)

	tableAgain, err := source.Materialize(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, table, tableAgain)
	assert.True(t, table.Equal(tableAgain))
}

func TestEventsMode(t *testing.T) {

	source, err := NewSourceFactory().NewSource(context.Background(), sourceConfig(t, specEventsMode, "signups"))
	require.NoError(t, err)

	table, err := source.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultEventColumn}, table.Columns())
	assert.Equal(t, 2, table.NumRows())

	value, ok := table.Value(0, DefaultEventColumn)
	require.True(t, ok)
	event, ok := value.([]byte)
	require.True(t, ok)
	assert.Equal(t, "kim", gjson.GetBytes(event, "user.name").String())

	source, err = NewSourceFactory().NewSource(context.Background(), sourceConfig(t, specEventColumn, "signups"))
	require.NoError(t, err)
	table, err = source.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"signupEvent"}, table.Columns())
	assert.Equal(t, 1, table.NumRows())
}

func TestInvalidSourceConfig(t *testing.T) {

	factory := NewSourceFactory()

	_, err := factory.NewSource(context.Background(), sourceConfig(t, specBothModes, "broken"))
	assert.EqualError(t, err, "columns and events are mutually exclusive in inline source config")

	_, err = factory.NewSource(context.Background(), sourceConfig(t, specNoData, "broken"))
	assert.EqualError(t, err, "no table data specified in inline source config, provide columns or events")

	_, err = factory.NewSource(context.Background(), sourceConfig(t, specNoCustomConfig, "broken"))
	assert.EqualError(t, err, "invalid derivation spec, the source 'config.customConfig' object was not present")

	_, err = factory.NewSource(context.Background(), sourceConfig(t, specTableMode, "someOtherName"))
	assert.Error(t, err)

	_, err = factory.NewSource(context.Background(), entity.Config{Name: "products"})
	assert.EqualError(t, err, "the provided derivation spec must not be nil")

	// Bad table data is reported when materializing, not when creating the source
	source, err := factory.NewSource(context.Background(), sourceConfig(t, specRaggedRows, "broken"))
	require.NoError(t, err)
	_, err = source.Materialize(context.Background())
	assert.Error(t, err)
}

func sourceConfig(t *testing.T, specData []byte, sourceName string) entity.Config {
	spec, err := entity.NewSpec(specData)
	require.NoError(t, err)
	return entity.Config{Spec: spec, ID: "mockInstanceId", Name: sourceName}
}

var specTableMode = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlinetable",
   "description": "A spec with a table embedded directly in the source config",
   "version": 1,
   "sources": [
      {
         "name": "products",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["productId", "name", "price"],
               "rows": [
                  ["p1", "gopher plush", 12.5],
                  ["p2", "gopher mug", 9]
               ]
            }
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)

var specEventsMode = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlineevents",
   "description": "A spec with raw JSON events embedded in the source config",
   "version": 1,
   "sources": [
      {
         "name": "signups",
         "type": "inline",
         "config": {
            "customConfig": {
               "events": [
                  {"user": {"name": "kim", "id": 1}},
                  {"user": {"name": "alex", "id": 2}}
               ]
            }
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)

var specEventColumn = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlineeventcolumn",
   "description": "Events mode with a custom event column name",
   "version": 1,
   "sources": [
      {
         "name": "signups",
         "type": "inline",
         "config": {
            "customConfig": {
               "events": [
                  {"user": {"name": "kim", "id": 1}}
               ],
               "eventColumn": "signupEvent"
            }
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)

var specBothModes = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlinebothmodes",
   "description": "Invalid config with both table data and events",
   "version": 1,
   "sources": [
      {
         "name": "broken",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["id"],
               "rows": [["x"]],
               "events": [{"id": "x"}]
            }
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)

var specNoData = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlinenodata",
   "description": "Invalid config with neither table data nor events",
   "version": 1,
   "sources": [
      {
         "name": "broken",
         "type": "inline",
         "config": {
            "customConfig": {}
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)

var specNoCustomConfig = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlinenocustomconfig",
   "description": "Invalid config without the customConfig object",
   "version": 1,
   "sources": [
      {
         "name": "broken",
         "type": "inline",
         "config": {}
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)

var specRaggedRows = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "inlineraggedrows",
   "description": "Table data where a row does not match the number of columns",
   "version": 1,
   "sources": [
      {
         "name": "broken",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["a", "b"],
               "rows": [["1", "2"], ["3"]]
            }
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   }
}`)
