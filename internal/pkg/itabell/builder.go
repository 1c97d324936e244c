package itabell

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

type DerivationBuilder interface {
	Build(ctx context.Context, spec *entity.Spec) (Derivation, error)
}
