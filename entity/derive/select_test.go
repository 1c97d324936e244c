package derive

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/tabell/entity"
)

func TestSelectDeriverConfig(t *testing.T) {

	ctx := context.Background()
	df := NewSelectDeriverFactory()
	assert.Equal(t, "select", df.DeriverId())

	// Valid include mode
	d, err := df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": ["c", "a"]}`))
	assert.NoError(t, err)
	assert.NotNil(t, d)

	// Valid exclude mode with step
	d, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"step": "sales", "exclude-fields": ["b"]}`))
	assert.NoError(t, err)
	assert.NotNil(t, d)

	// Both modes at once
	_, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": ["a"], "exclude-fields": ["b"]}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrInvalidDeriverConfig))
	assert.Contains(t, err.Error(), "mutually exclusive fields specified")

	// No mode at all
	_, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"step": "sales"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrInvalidDeriverConfig))
	assert.Contains(t, err.Error(), "no field selection specified")

	// Empty lists count as absent
	_, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": []}`))
	assert.True(t, errors.Is(err, entity.ErrInvalidDeriverConfig))

	// Duplicate names rejected up front
	_, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": ["a", "b", "a"]}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrInvalidDeriverConfig))
	assert.Contains(t, err.Error(), "'a'")

	assert.NoError(t, df.Close())
}

func TestSelectDeriverDependencyResolution(t *testing.T) {

	ctx := context.Background()
	df := NewSelectDeriverFactory()
	table := abcTable(t)

	// Single dependency resolves regardless of its name
	d, err := df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": ["a"]}`))
	require.NoError(t, err)
	derived, err := d.Derive(ctx, entity.Dependencies{"anyName": table})
	assert.NoError(t, err)
	require.NotNil(t, derived)
	assert.Equal(t, []string{"a"}, derived.Columns())

	// No dependencies
	_, err = d.Derive(ctx, entity.Dependencies{})
	assert.True(t, errors.Is(err, entity.ErrDependencyResolution))

	// Multiple dependencies without step
	deps := entity.Dependencies{"sales": table, "users": abcTable(t)}
	_, err = d.Derive(ctx, deps)
	assert.True(t, errors.Is(err, entity.ErrDependencyResolution))

	// Step selects among multiple dependencies
	d, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"step": "users", "include-fields": ["b"]}`))
	require.NoError(t, err)
	derived, err = d.Derive(ctx, deps)
	assert.NoError(t, err)
	assert.Equal(t, []string{"b"}, derived.Columns())

	// Step not found among dependencies
	d, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"step": "orders", "include-fields": ["b"]}`))
	require.NoError(t, err)
	_, err = d.Derive(ctx, deps)
	assert.True(t, errors.Is(err, entity.ErrDependencyResolution))
}

func TestSelectDeriverIncludeMode(t *testing.T) {

	ctx := context.Background()
	df := NewSelectDeriverFactory()
	table := abcTable(t)

	d, err := df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": ["c", "a"]}`))
	require.NoError(t, err)

	derived, err := d.Derive(ctx, entity.Dependencies{"input": table})
	assert.NoError(t, err)
	require.NotNil(t, derived)

	// Output column order is the configured order, row content preserved
	assert.Equal(t, []string{"c", "a"}, derived.Columns())
	assert.Equal(t, 1, derived.NumRows())
	assert.Equal(t, []any{3, 1}, derived.Row(0))

	// Input table untouched
	assert.Equal(t, []string{"a", "b", "c"}, table.Columns())
	assert.Equal(t, []any{1, 2, 3}, table.Row(0))

	// Idempotence
	derivedAgain, err := d.Derive(ctx, entity.Dependencies{"input": table})
	assert.NoError(t, err)
	assert.True(t, derived.Equal(derivedAgain))
}

func TestSelectDeriverExcludeMode(t *testing.T) {

	ctx := context.Background()
	df := NewSelectDeriverFactory()
	table := abcTable(t)

	d, err := df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"exclude-fields": ["b"]}`))
	require.NoError(t, err)

	derived, err := d.Derive(ctx, entity.Dependencies{"input": table})
	assert.NoError(t, err)
	require.NotNil(t, derived)

	// Remaining columns keep the input table's order
	assert.Equal(t, []string{"a", "c"}, derived.Columns())
	assert.Equal(t, []any{1, 3}, derived.Row(0))
}

func TestSelectDeriverSchemaValidation(t *testing.T) {

	ctx := context.Background()
	df := NewSelectDeriverFactory()
	table := abcTable(t)

	// Include mode
	d, err := df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"include-fields": ["a", "x", "y"]}`))
	require.NoError(t, err)
	_, err = d.Derive(ctx, entity.Dependencies{"input": table})
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrSchemaValidation))
	assert.Contains(t, err.Error(), "[x y]")
	assert.Contains(t, err.Error(), "[a b c]")

	// Exclude mode
	d, err = df.NewDeriver(ctx, deriverTestConfig(t, SelectTypeId, `{"exclude-fields": ["x"]}`))
	require.NoError(t, err)
	_, err = d.Derive(ctx, entity.Dependencies{"input": table})
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrSchemaValidation))
	assert.Contains(t, err.Error(), "[x]")
}

func abcTable(t *testing.T) *entity.Table {
	table, err := entity.NewTable([]string{"a", "b", "c"}, [][]any{{1, 2, 3}})
	require.NoError(t, err)
	return table
}

// deriverTestConfig creates the entity config for a deriver under test, with the
// provided deriver type and JSON derive config object.
func deriverTestConfig(t *testing.T, deriverType string, deriveConfig string) entity.Config {
	specJson := fmt.Sprintf(`
{
  "namespace": "dertest",
  "derivationIdSuffix": "%s-test",
  "version": 1,
  "description": "test spec for native derivers",
  "derive": {
    "type": "%s",
    "config": %s
  }
}`, deriverType, deriverType, deriveConfig)

	spec, err := entity.NewSpec([]byte(specJson))
	require.NoError(t, err)
	return entity.Config{Spec: spec, ID: "instance-1"}
}
