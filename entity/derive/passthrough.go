package derive

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

// passthroughConfig specifies the schema of the derive config for "passthrough"
// derivers.
type passthroughConfig struct {
	Step string `json:"step"`
}

type passthroughDeriverFactory struct{}

func NewPassthroughDeriverFactory() entity.DeriverFactory {
	return &passthroughDeriverFactory{}
}

func (df *passthroughDeriverFactory) DeriverId() string {
	return PassthroughTypeId
}

func (df *passthroughDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	var config passthroughConfig
	if err := parseDeriveConfig(c.Spec, &config); err != nil {
		return nil, err
	}
	return &passthroughDeriver{c: c, config: config}, nil
}

func (df *passthroughDeriverFactory) Close() error {
	return nil
}

// passthroughDeriver returns a copy of the resolved input table unchanged.
// Useful for moving tables from sources to sinks without modification, and as
// the minimal example of a deriver implementation.
type passthroughDeriver struct {
	c      entity.Config
	config passthroughConfig
}

func (d *passthroughDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	table, err := deps.Resolve(d.config.Step)
	if err != nil {
		return nil, err
	}
	return table.Select(table.Columns()...)
}
