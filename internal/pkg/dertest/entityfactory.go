package dertest

import (
	"context"
	"errors"
	"fmt"

	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/entity/derive"
	"github.com/zpiroux/tabell/internal/pkg/entity/inline"
	"github.com/zpiroux/tabell/internal/pkg/entity/void"
)

// MockEntityFactory is an alternative to the real assembly.EntityFactory for
// tests, serving platform entity types with mocks while the self-contained
// native types (inline, void and the native derivers) are served by the real
// implementations.
type MockEntityFactory struct {

	// CreatedMockSinks holds the mock sinks created for platform sink types,
	// in creation order, for test assertions on stored tables.
	CreatedMockSinks []*MockSink
}

func NewMockEntityFactory() *MockEntityFactory {
	return &MockEntityFactory{}
}

func (s *MockEntityFactory) CreateSources(ctx context.Context, spec *entity.Spec, instanceId string) (map[string]entity.Source, error) {

	sources := make(map[string]entity.Source, len(spec.Sources))
	for _, sourceSpec := range spec.Sources {
		source, err := s.createSource(ctx, spec, sourceSpec, instanceId)
		if err != nil {
			return nil, err
		}
		sources[sourceSpec.Name] = source
	}
	return sources, nil
}

func (s *MockEntityFactory) createSource(ctx context.Context, spec *entity.Spec, sourceSpec entity.SourceSpec, instanceId string) (entity.Source, error) {

	switch sourceSpec.Type {

	case entity.EntityKafka:
		if len(sourceSpec.Config.Topics) == 0 || sourceSpec.Config.Topics[0].Env == "" {
			return nil, errors.New("invalid topic config, no environment defined")
		}
		return &MockSource{}, nil

	case entity.EntityPubsub, entity.EntityPostgres:
		return &MockSource{}, nil

	case entity.EntityInline:
		// In the real EntityFactory the inline source factory is only created once
		return inline.NewSourceFactory().NewSource(ctx, entityConfig(spec, instanceId, sourceSpec.Name))

	default:
		return nil, fmt.Errorf("source type '%s' not implemented", sourceSpec.Type)
	}
}

func (s *MockEntityFactory) CreateDeriver(ctx context.Context, spec *entity.Spec, instanceId string) (entity.Deriver, error) {

	// The native derivers have no external dependencies, so the real ones are
	// used for the deriver types they serve.
	switch string(spec.Derive.Type) {

	case derive.SelectTypeId:
		return derive.NewSelectDeriverFactory().NewDeriver(ctx, entityConfig(spec, instanceId, ""))

	case derive.PassthroughTypeId:
		return derive.NewPassthroughDeriverFactory().NewDeriver(ctx, entityConfig(spec, instanceId, ""))

	default:
		return &MockDeriver{}, nil
	}
}

func (s *MockEntityFactory) CreateSinks(ctx context.Context, spec *entity.Spec, instanceId string) ([]entity.Sink, error) {

	sinks := make([]entity.Sink, 0, len(spec.Sinks))
	for _, sinkSpec := range spec.Sinks {
		sink, err := s.createSink(ctx, spec, sinkSpec, instanceId)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func (s *MockEntityFactory) createSink(ctx context.Context, spec *entity.Spec, sinkSpec entity.SinkSpec, instanceId string) (entity.Sink, error) {

	switch sinkSpec.Type {

	case
		entity.EntityKafka,
		entity.EntityPubsub,
		entity.EntityPostgres,
		entity.EntityBigTable,
		entity.EntityBigQuery,
		entity.EntityFirestore:
		sink := &MockSink{}
		s.CreatedMockSinks = append(s.CreatedMockSinks, sink)
		return sink, nil

	case entity.EntityVoid:
		return void.NewSinkFactory().NewSink(ctx, entityConfig(spec, instanceId, ""))

	default:
		return nil, fmt.Errorf("sink type '%s' not implemented", sinkSpec.Type)
	}
}

func entityConfig(spec *entity.Spec, instanceId, name string) entity.Config {
	return entity.Config{Spec: spec, ID: instanceId, Name: name}
}
