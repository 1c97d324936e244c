package derive

import (
	"context"
	"fmt"

	"github.com/zpiroux/tabell/entity"
)

// filterConfig specifies the schema of the derive config for "filter" derivers.
type filterConfig struct {
	Step string `json:"step"`

	// ExcludeRowsWith specifies which rows to drop from the input table. If
	// multiple filter objects are provided they are handled as OR type of
	// filters.
	ExcludeRowsWith []excludeRowsWith `json:"excludeRowsWith"`
}

// excludeRowsWith specifies if certain rows should be dropped from the output.
// If the row value of the column specified by the Column field matches any of
// the values in the Values array the row will be excluded. This is the
// blacklisting option of this filter. Matching is done on the string
// representation of the value.
//
// If Values is missing or empty a check will be done on ValuesNotIn. If the
// row value of the column does not match any of the values in the ValuesNotIn
// field, the row is excluded. This is the whitelisting option of this filter.
//
// If ValueIsEmpty is set to true and the row value is nil or an empty string,
// the row will be excluded.
type excludeRowsWith struct {
	Column       string   `json:"column"`
	Values       []string `json:"values"`
	ValuesNotIn  []string `json:"valuesNotIn"`
	ValueIsEmpty *bool    `json:"valueIsEmpty"`
}

type filterDeriverFactory struct{}

func NewFilterDeriverFactory() entity.DeriverFactory {
	return &filterDeriverFactory{}
}

func (df *filterDeriverFactory) DeriverId() string {
	return FilterTypeId
}

func (df *filterDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	return newFilterDeriver(c)
}

func (df *filterDeriverFactory) Close() error {
	return nil
}

// filterDeriver drops rows from the resolved input table based on the
// excludeRowsWith filters in its config. Column set and column order are left
// unchanged.
type filterDeriver struct {
	c      entity.Config
	config filterConfig
}

func newFilterDeriver(c entity.Config) (*filterDeriver, error) {
	var config filterConfig
	if err := parseDeriveConfig(c.Spec, &config); err != nil {
		return nil, err
	}
	if len(config.ExcludeRowsWith) == 0 {
		return nil, fmt.Errorf("%w, at least one excludeRowsWith filter is required", entity.ErrInvalidDeriverConfig)
	}
	for _, filter := range config.ExcludeRowsWith {
		if filter.Column == "" {
			return nil, fmt.Errorf("%w, excludeRowsWith filters require a column name", entity.ErrInvalidDeriverConfig)
		}
	}
	return &filterDeriver{c: c, config: config}, nil
}

func (d *filterDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	table, err := deps.Resolve(d.config.Step)
	if err != nil {
		return nil, err
	}

	var filterColumns []string
	for _, filter := range d.config.ExcludeRowsWith {
		filterColumns = append(filterColumns, filter.Column)
	}
	if missing := missingColumns(table, filterColumns); len(missing) > 0 {
		return nil, fmt.Errorf("%w, column(s) not found: %v, available columns: %v", entity.ErrSchemaValidation, missing, table.Columns())
	}

	derived, err := entity.NewTable(table.Columns(), nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < table.NumRows(); i++ {
		if d.shouldExclude(table, i) {
			continue
		}
		if err = derived.AppendRow(table.Row(i)...); err != nil {
			return nil, err
		}
	}
	return derived, nil
}

func (d *filterDeriver) shouldExclude(table *entity.Table, row int) (exclude bool) {

	for _, filter := range d.config.ExcludeRowsWith {

		valueToCheck, _ := table.Value(row, filter.Column)
		value := valueToString(valueToCheck)
		if value == "" {
			if excludeIfEmpty(filter.ValueIsEmpty) {
				return true
			}
			continue
		}

		if len(filter.Values) > 0 {
			exclude = excludeIfInBlacklist(value, filter.Values)
		} else if len(filter.ValuesNotIn) > 0 {
			exclude = excludeIfNotInWhitelist(value, filter.ValuesNotIn)
		}
		if exclude {
			break
		}
	}
	return
}

func excludeIfEmpty(filterValueIsEmpty *bool) bool {
	if filterValueIsEmpty != nil {
		if *filterValueIsEmpty {
			return true
		}
	}
	return false
}

func excludeIfInBlacklist(value string, filterValues []string) bool {
	for _, excludeIfValue := range filterValues {
		if value == excludeIfValue {
			return true
		}
	}
	return false
}

func excludeIfNotInWhitelist(value string, filterValues []string) bool {
	for _, includeIfValue := range filterValues {
		if value == includeIfValue {
			return false
		}
	}
	return true
}
