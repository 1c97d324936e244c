package assembly

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/internal/pkg/dertest"
)

func TestEntityCreation(t *testing.T) {

	ctx := context.Background()
	factory := NewEntityFactory(testAssemblyConfig())
	spec, err := entity.NewSpec(dertest.AllSpecs()[dertest.SpecMultiSrcVoidSink])
	require.NoError(t, err)

	sources, err := factory.CreateSources(ctx, spec, "instanceId")
	require.NoError(t, err)
	assert.Equal(t, 2, len(sources))
	assert.NotNil(t, sources["products"])
	assert.NotNil(t, sources["stock"])

	deriver, err := factory.CreateDeriver(ctx, spec, "instanceId")
	require.NoError(t, err)
	assert.NotNil(t, deriver)

	sinks, err := factory.CreateSinks(ctx, spec, "instanceId")
	require.NoError(t, err)
	assert.Equal(t, 1, len(sinks))
}

func TestEntityCreationWithUnregisteredTypes(t *testing.T) {

	ctx := context.Background()
	factory := NewEntityFactory(testAssemblyConfig())
	spec, err := entity.NewSpec(dertest.AllSpecs()[dertest.SpecPubsubSrcBigTableSink])
	require.NoError(t, err)

	_, err = factory.CreateSources(ctx, spec, "instanceId")
	assert.ErrorContains(t, err, "source type 'pubsub' not registered")

	_, err = factory.CreateSinks(ctx, spec, "instanceId")
	assert.ErrorContains(t, err, "sink type 'bigtable' not registered")

	spec.Derive.Type = "someCustomDeriver"
	_, err = factory.CreateDeriver(ctx, spec, "instanceId")
	assert.ErrorContains(t, err, "deriver type 'someCustomDeriver' not registered")
}

func TestFactoryClose(t *testing.T) {

	sourceFactory := &dertest.MockSourceFactory{Id: "inline"}
	sinkFactory := &dertest.MockSinkFactory{Id: "void"}
	deriverFactory := &dertest.MockDeriverFactory{Id: "select"}

	config := Config{
		Sources:  entity.SourceFactories{"inline": sourceFactory},
		Sinks:    entity.SinkFactories{"void": sinkFactory},
		Derivers: entity.DeriverFactories{"select": deriverFactory},
	}

	err := config.Close()
	assert.NoError(t, err)
	assert.Equal(t, 1, sourceFactory.CloseCalls)
	assert.Equal(t, 1, sinkFactory.CloseCalls)
	assert.Equal(t, 1, deriverFactory.CloseCalls)
}

func testAssemblyConfig() Config {
	return Config{
		Sources: entity.SourceFactories{
			"inline": &dertest.MockSourceFactory{Id: "inline"},
			"kafka":  &dertest.MockSourceFactory{Id: "kafka"},
		},
		Sinks: entity.SinkFactories{
			"void": &dertest.MockSinkFactory{Id: "void"},
		},
		Derivers: entity.DeriverFactories{
			"select":      &dertest.MockDeriverFactory{Id: "select"},
			"passthrough": &dertest.MockDeriverFactory{Id: "passthrough"},
		},
	}
}
