package derive

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/tabell/entity"
)

func TestPassthroughDeriver(t *testing.T) {

	ctx := context.Background()
	df := NewPassthroughDeriverFactory()
	assert.Equal(t, "passthrough", df.DeriverId())

	d, err := df.NewDeriver(ctx, deriverTestConfig(t, PassthroughTypeId, `{}`))
	require.NoError(t, err)

	table := abcTable(t)
	derived, err := d.Derive(ctx, entity.Dependencies{"input": table})
	assert.NoError(t, err)
	require.NotNil(t, derived)
	assert.True(t, table.Equal(derived))

	// The derived table is a copy, not the dependency itself
	assert.NotSame(t, table, derived)

	// Missing config object is fine, passthrough has nothing mandatory
	d, err = df.NewDeriver(ctx, deriverTestConfig(t, PassthroughTypeId, `null`))
	assert.NoError(t, err)
	assert.NotNil(t, d)

	// Dependency resolution still applies
	_, err = d.Derive(ctx, entity.Dependencies{})
	assert.True(t, errors.Is(err, entity.ErrDependencyResolution))

	assert.NoError(t, df.Close())
}

func TestPassthroughDeriverWithStep(t *testing.T) {

	ctx := context.Background()
	df := NewPassthroughDeriverFactory()

	d, err := df.NewDeriver(ctx, deriverTestConfig(t, PassthroughTypeId, `{"step": "users"}`))
	require.NoError(t, err)

	users, err := entity.NewTable([]string{"id", "name"}, [][]any{{1, "kim"}})
	require.NoError(t, err)
	deps := entity.Dependencies{"sales": abcTable(t), "users": users}

	derived, err := d.Derive(ctx, deps)
	assert.NoError(t, err)
	assert.True(t, users.Equal(derived))
}
