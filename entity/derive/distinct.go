package derive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zpiroux/tabell/entity"
)

// distinctConfig specifies the schema of the derive config for "distinct"
// derivers.
type distinctConfig struct {
	Step string `json:"step"`
}

type distinctDeriverFactory struct{}

func NewDistinctDeriverFactory() entity.DeriverFactory {
	return &distinctDeriverFactory{}
}

func (df *distinctDeriverFactory) DeriverId() string {
	return DistinctTypeId
}

func (df *distinctDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	var config distinctConfig
	if err := parseDeriveConfig(c.Spec, &config); err != nil {
		return nil, err
	}
	return &distinctDeriver{c: c, config: config}, nil
}

func (df *distinctDeriverFactory) Close() error {
	return nil
}

// distinctDeriver removes duplicate rows from the resolved input table. The
// first occurrence of each row is kept and row order is otherwise preserved.
// Row identity is based on the values of all columns.
type distinctDeriver struct {
	c      entity.Config
	config distinctConfig
}

func (d *distinctDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	table, err := deps.Resolve(d.config.Step)
	if err != nil {
		return nil, err
	}

	derived, err := entity.NewTable(table.Columns(), nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, table.NumRows())
	for i := 0; i < table.NumRows(); i++ {
		row := table.Row(i)
		fingerprint := rowFingerprint(row)
		if seen[fingerprint] {
			continue
		}
		seen[fingerprint] = true
		if err = derived.AppendRow(row...); err != nil {
			return nil, err
		}
	}
	return derived, nil
}

// rowFingerprint provides the row identity for deduplication. JSON encoding
// covers all value types tables are populated with from sources and specs;
// remaining ones fall back to their Go string representation.
func rowFingerprint(row []any) string {
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Sprintf("%#v", row)
	}
	return string(b)
}
