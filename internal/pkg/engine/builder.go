package engine

import (
	"context"
	"math/rand"

	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/internal/pkg/itabell"
)

type DerivationBuilder struct {
	entityFactory itabell.EntityFactory
}

func NewDerivationBuilder(entityFactory itabell.EntityFactory) *DerivationBuilder {
	return &DerivationBuilder{entityFactory: entityFactory}
}

func (d *DerivationBuilder) Build(ctx context.Context, spec *entity.Spec) (itabell.Derivation, error) {

	instance := createInstanceAlias()

	sources, err := d.entityFactory.CreateSources(ctx, spec, instance)
	if err != nil {
		return nil, err
	}
	deriver, err := d.entityFactory.CreateDeriver(ctx, spec, instance)
	if err != nil {
		return nil, err
	}
	sinks, err := d.entityFactory.CreateSinks(ctx, spec, instance)
	if err != nil {
		return nil, err
	}

	return NewDerivation(spec, instance, sources, deriver, sinks), nil
}

// Since the actual/truly unique IDs of the derivation instance, including Runner and its
// entities, are the struct pointers, which is what is used for execution logic, for the
// alias name we don't need to ensure 100% uniqueness. Thus, a shorter unique-enough alias
// is ok for simplified troubleshooting (and more readable than a uuid). With current combo
// of chars it's 1 chance in 5.5 million to have the same alias name, which is good enough
// for this purpose, and since derivation instances are so few.
func createInstanceAlias() string {
	var a alias
	return a.cons().vow().cons().cons().vow().cons().name()
}

type alias struct {
	str string
}

func (a alias) vow() alias {
	var vowels = []rune{'a', 'e', 'i', 'o', 'u', 'y'}
	v := vowels[rand.Intn(len(vowels))]
	return alias{str: a.str + string(v)}
}

func (a alias) cons() alias {
	var consonants = []rune{'b', 'c', 'd', 'f', 'g', 'h', 'j', 'k', 'l', 'm', 'n',
		'p', 'q', 'r', 's', 't', 'v', 'w', 'x', 'z'}
	c := consonants[rand.Intn(len(consonants))]
	return alias{str: a.str + string(c)}
}

func (a alias) name() string {
	return a.str
}
