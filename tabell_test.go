package tabell

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/tabell/entity"
)

var testSpecSales = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "sales1",
   "description": "Sales projection test derivation",
   "version": 1,
   "sources": [
      {
         "name": "sales",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["orderId", "customer", "amount", "internalNote"],
               "rows": [
                  ["o1", "alice", 120.5, "vip"],
                  ["o2", "bob", 80, ""]
               ]
            }
         }
      }
   ],
   "derive": {
      "type": "select",
      "config": {
         "exclude-fields": ["internalNote"]
      }
   },
   "sinks": [
      {
         "type": "void",
         "config": {}
      }
   ]
}`)

var testSpecDeriveOnly = []byte(`
{
   "namespace": "tabelltest",
   "derivationIdSuffix": "deriveonly1",
   "description": "Derivation without sources and sinks, for direct Derive() usage",
   "version": 1,
   "derive": {
      "type": "select",
      "config": {
         "include-fields": ["customer"]
      }
   }
}`)

var testSpecProtected = []byte(`
{
   "namespace": "tabell",
   "derivationIdSuffix": "internal1",
   "description": "Spec trying to use the protected namespace",
   "version": 1,
   "derive": {
      "type": "passthrough"
   }
}`)

func TestTabell(t *testing.T) {

	ctx := context.Background()

	_, err := New(ctx, &Config{})
	assert.Equal(t, ErrConfigNotInitialized, err)

	tb, err := New(ctx, NewConfig())
	require.NoError(t, err)

	// Register invalid spec
	_, err = tb.RegisterDerivation(ctx, []byte("hi"))
	assert.True(t, errors.Is(err, ErrInvalidDerivationSpec))

	// Register valid specs
	id1, err := tb.RegisterDerivation(ctx, testSpecSales)
	assert.NoError(t, err)
	assert.Equal(t, "tabelltest-sales1", id1)

	id2, err := tb.RegisterDerivation(ctx, testSpecDeriveOnly)
	assert.NoError(t, err)
	assert.Equal(t, "tabelltest-deriveonly1", id2)

	// Registering same version again should be rejected
	_, err = tb.RegisterDerivation(ctx, testSpecSales)
	assert.Equal(t, ErrSpecAlreadyExists, err)

	// Retrieve specs
	specs, err := tb.GetDerivationSpecs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(specs))

	specBytesOut, err := tb.GetDerivationSpec(ctx, id1)
	assert.NoError(t, err)
	spec, err := entity.NewSpec(testSpecSales)
	assert.NoError(t, err)
	assert.Equal(t, string(spec.JSON()), string(specBytesOut))

	_, err = tb.GetDerivationSpec(ctx, "not-registered")
	assert.True(t, errors.Is(err, ErrInvalidDerivationId))

	// Validate proper spec
	specId, err := tb.ValidateDerivationSpec(testSpecDeriveOnly)
	assert.NoError(t, err)
	assert.Equal(t, "tabelltest-deriveonly1", specId)

	// Validate incorrect spec
	specId, err = tb.ValidateDerivationSpec([]byte(`{ "spec": "nope, not a valid spec"}`))
	assert.Empty(t, specId)
	assert.True(t, errors.Is(err, ErrInvalidDerivationSpec))

	// The internal namespace is off limits for external specs
	specId, err = tb.ValidateDerivationSpec(testSpecProtected)
	assert.Empty(t, specId)
	assert.Equal(t, ErrProtectedDerivationId, err)
	_, err = tb.RegisterDerivation(ctx, testSpecProtected)
	assert.Equal(t, ErrProtectedDerivationId, err)

	// Run full derivation
	table, err := tb.Run(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []string{"orderId", "customer", "amount"}, table.Columns())
	assert.Equal(t, 2, table.NumRows())

	_, err = tb.Run(ctx, "unknown-id")
	assert.True(t, errors.Is(err, ErrInvalidDerivationId))

	// Direct derive on externally provided tables
	input, err := entity.NewTable([]string{"customer", "amount"}, [][]any{{"alice", 1.0}})
	require.NoError(t, err)
	derived, err := tb.Derive(ctx, id2, entity.Dependencies{"orders": input})
	require.NoError(t, err)
	assert.Equal(t, []string{"customer"}, derived.Columns())

	metrics := tb.Metrics()
	assert.Equal(t, int64(1), metrics[id1].Runs)
	assert.Equal(t, int64(2), metrics[id1].RowsStoredInSink)

	entities := tb.Entities()
	assert.True(t, entities["source"]["inline"])
	assert.True(t, entities["deriver"]["select"])
	assert.True(t, entities["sink"]["void"])

	notifyChan, err := tb.NotifyChannel()
	assert.NoError(t, err)
	assert.NotNil(t, notifyChan)

	err = tb.Shutdown(ctx)
	assert.NoError(t, err)
}

func TestDerivationUpgrade(t *testing.T) {

	ctx := context.Background()
	tb, err := New(ctx, NewConfig())
	require.NoError(t, err)

	id, err := tb.RegisterDerivation(ctx, testSpecSales)
	require.NoError(t, err)

	table, err := tb.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, table.NumColumns())

	// Version bump with modified derive config replaces the derivation
	upgradedSpec, err := EnrichEvent(testSpecSales, "version", 2)
	require.NoError(t, err)
	upgradedSpec, err = EnrichEvent(upgradedSpec, "derive.config.exclude-fields", []string{"internalNote", "customer"})
	require.NoError(t, err)

	newId, err := tb.RegisterDerivation(ctx, upgradedSpec)
	require.NoError(t, err)
	assert.Equal(t, id, newId)

	table, err = tb.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"orderId", "amount"}, table.Columns())
}

func TestInvalidDeriveConfigRejectedAtRegistration(t *testing.T) {

	ctx := context.Background()
	tb, err := New(ctx, NewConfig())
	require.NoError(t, err)

	// Mutually exclusive include and exclude lists
	badSpec, err := EnrichEvent(testSpecSales, "derive.config.include-fields", []string{"orderId"})
	require.NoError(t, err)

	_, err = tb.RegisterDerivation(ctx, badSpec)
	assert.True(t, errors.Is(err, ErrInvalidDerivationSpec))

	// The spec should not linger half-registered
	specs, err := tb.GetDerivationSpecs(ctx)
	assert.NoError(t, err)
	assert.Empty(t, specs)
}

func TestTabellNotInitialized(t *testing.T) {

	var tb Tabell
	ctx := context.Background()

	_, err := tb.RegisterDerivation(ctx, testSpecSales)
	assert.Equal(t, ErrTabellNotInitialized, err)
	_, err = tb.Run(ctx, "some-id")
	assert.Equal(t, ErrTabellNotInitialized, err)
	_, err = tb.Derive(ctx, "some-id", nil)
	assert.Equal(t, ErrTabellNotInitialized, err)
	_, err = tb.NotifyChannel()
	assert.Equal(t, ErrTabellNotInitialized, err)
	err = tb.Shutdown(ctx)
	assert.Equal(t, ErrTabellNotInitialized, err)
}

func TestEnrichEvent(t *testing.T) {

	event := []byte(`{"customer": "alice"}`)
	enriched, err := EnrichEvent(event, "origin", "webshop")
	assert.NoError(t, err)
	assert.Equal(t, `{"customer": "alice","origin":"webshop"}`, string(enriched))
}
