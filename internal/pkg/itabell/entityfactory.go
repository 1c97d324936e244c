package itabell

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

// EntityFactory creates the entities of a derivation from the registered
// source/deriver/sink factories, based on the entity types in the spec.
type EntityFactory interface {
	CreateSources(ctx context.Context, spec *entity.Spec, instanceId string) (map[string]entity.Source, error)
	CreateDeriver(ctx context.Context, spec *entity.Spec, instanceId string) (entity.Deriver, error)
	CreateSinks(ctx context.Context, spec *entity.Spec, instanceId string) ([]entity.Sink, error)
}
