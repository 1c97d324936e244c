package derive

import (
	"context"
	"fmt"

	"github.com/zpiroux/tabell/entity"
)

// selectConfig specifies the schema of the derive config for "select" derivers.
// Exactly one of IncludeFields or ExcludeFields must be provided as a non-empty
// list of column names.
type selectConfig struct {
	// Step names which dependency table to operate on. Required when more than
	// one dependency is supplied at derive time.
	Step string `json:"step"`

	// IncludeFields lists the columns to keep. The order of the list defines
	// the column order of the output table.
	IncludeFields []string `json:"include-fields"`

	// ExcludeFields lists the columns to drop. The remaining columns keep the
	// column order of the input table.
	ExcludeFields []string `json:"exclude-fields"`
}

type selectDeriverFactory struct{}

func NewSelectDeriverFactory() entity.DeriverFactory {
	return &selectDeriverFactory{}
}

func (df *selectDeriverFactory) DeriverId() string {
	return SelectTypeId
}

func (df *selectDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	return newSelectDeriver(c)
}

func (df *selectDeriverFactory) Close() error {
	return nil
}

// selectDeriver projects the resolved input table on an include-list or an
// exclude-list of columns.
type selectDeriver struct {
	c      entity.Config
	config selectConfig
}

func newSelectDeriver(c entity.Config) (*selectDeriver, error) {
	config, err := newSelectConfig(c.Spec)
	if err != nil {
		return nil, err
	}
	return &selectDeriver{c: c, config: config}, nil
}

func newSelectConfig(spec *entity.Spec) (sc selectConfig, err error) {
	if err = parseDeriveConfig(spec, &sc); err != nil {
		return sc, err
	}

	hasInclude := len(sc.IncludeFields) > 0
	hasExclude := len(sc.ExcludeFields) > 0
	switch {
	case hasInclude && hasExclude:
		return sc, fmt.Errorf("%w, mutually exclusive fields specified (include-fields and exclude-fields)", entity.ErrInvalidDeriverConfig)
	case !hasInclude && !hasExclude:
		return sc, fmt.Errorf("%w, no field selection specified (one of include-fields or exclude-fields required)", entity.ErrInvalidDeriverConfig)
	}

	fields := sc.IncludeFields
	if hasExclude {
		fields = sc.ExcludeFields
	}
	if name, found := duplicateName(fields); found {
		return sc, fmt.Errorf("%w, duplicate column name '%s' in field selection", entity.ErrInvalidDeriverConfig, name)
	}
	return sc, nil
}

func (d *selectDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	table, err := deps.Resolve(d.config.Step)
	if err != nil {
		return nil, err
	}

	var derived *entity.Table
	if len(d.config.IncludeFields) > 0 {
		derived, err = table.Select(d.config.IncludeFields...)
	} else {
		derived, err = table.Drop(d.config.ExcludeFields...)
	}
	if err != nil {
		return nil, fmt.Errorf("%w, %v", entity.ErrSchemaValidation, err)
	}
	return derived, nil
}
