package itabell

import (
	"github.com/zpiroux/tabell/entity"
)

// Derivation gives access to the assembled entities of a single registered
// derivation spec.
type Derivation interface {
	Spec() *entity.Spec
	Instance() string
	Sources() map[string]entity.Source
	Deriver() entity.Deriver
	Sinks() []entity.Sink
}
