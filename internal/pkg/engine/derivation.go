package engine

import (
	"github.com/zpiroux/tabell/entity"
)

// Derivation assembles the entities making up a single executable derivation;
// its named sources, its deriver and its sinks, as created from a derivation
// spec by the DerivationBuilder.
type Derivation struct {
	spec     *entity.Spec
	sources  map[string]entity.Source
	deriver  entity.Deriver
	sinks    []entity.Sink
	instance string
}

func NewDerivation(
	spec *entity.Spec,
	instance string,
	sources map[string]entity.Source,
	deriver entity.Deriver,
	sinks []entity.Sink) *Derivation {

	return &Derivation{
		spec:     spec,
		instance: instance,
		sources:  sources,
		deriver:  deriver,
		sinks:    sinks,
	}
}

func (d *Derivation) Spec() *entity.Spec {
	return d.spec
}

func (d *Derivation) Instance() string {
	return d.instance
}

// Sources returns the derivation's source entities, keyed by the source name
// from the spec, which is also the name keying each materialized table in the
// dependency map given to the deriver.
func (d *Derivation) Sources() map[string]entity.Source {
	return d.sources
}

func (d *Derivation) Deriver() entity.Deriver {
	return d.deriver
}

// Sinks returns the derivation's sink entities in spec order.
func (d *Derivation) Sinks() []entity.Sink {
	return d.sinks
}
