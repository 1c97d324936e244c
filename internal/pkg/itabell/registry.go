package itabell

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

// Registry is the interface for derivation spec registries. The default
// implementation is the in-memory one in internal/pkg/registry, but the
// interface leaves room for others.
type Registry interface {
	Put(ctx context.Context, id string, spec *entity.Spec) error
	Get(ctx context.Context, id string) (*entity.Spec, error)
	GetAll(ctx context.Context) (map[string]*entity.Spec, error)
	Delete(ctx context.Context, id string) error
	Exists(id string) bool
	ExistsWithSameOrHigherVersion(specData []byte) (bool, error)
	Validate(specData []byte) (*entity.Spec, error)
}
