package assembly

import (
	"context"
	"fmt"

	"github.com/zpiroux/tabell/entity"
)

// EntityFactory creates derivation entities based on derivation spec config.
// It is a singleton, created by the Service, and operated by the
// DerivationBuilder (also a singleton).
type EntityFactory struct {
	config Config
}

func NewEntityFactory(config Config) *EntityFactory {
	return &EntityFactory{config: config}
}

// CreateSources creates one source entity per source section in the spec,
// keyed by the source names under which their materialized tables are exposed
// to the deriver.
func (s *EntityFactory) CreateSources(ctx context.Context, spec *entity.Spec, instanceId string) (map[string]entity.Source, error) {

	sources := make(map[string]entity.Source, len(spec.Sources))
	for _, sourceSpec := range spec.Sources {

		factory, ok := s.config.Sources[string(sourceSpec.Type)]
		if !ok {
			return nil, fmt.Errorf("could not create source, source type '%s' not registered, spec: %s", sourceSpec.Type, spec.Id())
		}
		source, err := factory.NewSource(ctx, s.entityConfig(spec, instanceId, sourceSpec.Name))
		if err != nil {
			return nil, err
		}
		sources[sourceSpec.Name] = source
	}
	return sources, nil
}

func (s *EntityFactory) CreateDeriver(ctx context.Context, spec *entity.Spec, instanceId string) (entity.Deriver, error) {

	factory, ok := s.config.Derivers[string(spec.Derive.Type)]
	if !ok {
		return nil, fmt.Errorf("could not create deriver, deriver type '%s' not registered, spec: %s", spec.Derive.Type, spec.Id())
	}
	return factory.NewDeriver(ctx, s.entityConfig(spec, instanceId, ""))
}

// CreateSinks creates one sink entity per sink section in the spec, in spec
// order.
func (s *EntityFactory) CreateSinks(ctx context.Context, spec *entity.Spec, instanceId string) ([]entity.Sink, error) {

	sinks := make([]entity.Sink, 0, len(spec.Sinks))
	for _, sinkSpec := range spec.Sinks {

		factory, ok := s.config.Sinks[string(sinkSpec.Type)]
		if !ok {
			return nil, fmt.Errorf("could not create sink, sink type '%s' not registered, spec: %s", sinkSpec.Type, spec.Id())
		}
		sink, err := factory.NewSink(ctx, s.entityConfig(spec, instanceId, ""))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func (s *EntityFactory) entityConfig(spec *entity.Spec, instanceId, name string) entity.Config {
	return entity.Config{
		Spec:       spec,
		ID:         instanceId,
		Name:       name,
		NotifyChan: s.config.NotifyChan,
		Log:        s.config.Log,
	}
}
