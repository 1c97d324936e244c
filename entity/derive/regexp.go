package derive

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zpiroux/tabell/entity"
)

// regexpConfig specifies the schema of the derive config for "regexp" derivers.
type regexpConfig struct {
	Step string `json:"step"`

	// FromColumn is the column of the input table holding the strings to parse.
	FromColumn string `json:"fromColumn"`

	// Expression is the regular expression to apply to each row value. All
	// groups must be named (e.g. "(?P<ip>.*)") and minimum one group needs to
	// be present. Each group produces one output column with the group name as
	// column name.
	// Rows not matching the expression are dropped from the output table.
	Expression string `json:"expression"`

	// KeepColumn specifies if the parsed column itself should be kept in the
	// output table. Default is to drop it.
	KeepColumn bool `json:"keepColumn"`

	// TimeConversion optionally re-formats the value of one of the group
	// columns from InputFormat into OutputFormat (default RFC3339). Rows whose
	// value cannot be parsed are dropped from the output table.
	TimeConversion *timeConversion `json:"timeConversion"`
}

type timeConversion struct {
	Column       string `json:"column"`
	InputFormat  string `json:"inputFormat"`
	OutputFormat string `json:"outputFormat"`
}

type regexpDeriverFactory struct{}

func NewRegexpDeriverFactory() entity.DeriverFactory {
	return &regexpDeriverFactory{}
}

func (df *regexpDeriverFactory) DeriverId() string {
	return RegexpTypeId
}

func (df *regexpDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	return newRegexpDeriver(c)
}

func (df *regexpDeriverFactory) Close() error {
	return nil
}

// regexpDeriver parses a string column into one output column per named group
// in its regular expression. The remaining columns of the input table are kept
// in their original order, with the group columns appended after them.
type regexpDeriver struct {
	c      entity.Config
	config regexpConfig
	regexp *regexp.Regexp
	groups []string
}

func newRegexpDeriver(c entity.Config) (*regexpDeriver, error) {
	var config regexpConfig
	if err := parseDeriveConfig(c.Spec, &config); err != nil {
		return nil, err
	}
	if config.FromColumn == "" {
		return nil, fmt.Errorf("%w, fromColumn is required", entity.ErrInvalidDeriverConfig)
	}
	if config.Expression == "" {
		return nil, fmt.Errorf("%w, no RegExp is specified", entity.ErrInvalidDeriverConfig)
	}

	re, err := regexp.Compile(config.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w, error during RegExp compile: %v", entity.ErrInvalidDeriverConfig, err.Error())
	}

	groups := collectGroups(config.Expression)
	if len(groups) < 1 {
		return nil, fmt.Errorf("%w, no groupings where found in regular expression %s", entity.ErrInvalidDeriverConfig, config.Expression)
	}
	if re.NumSubexp() != len(groups) {
		return nil, fmt.Errorf("%w, all groups in regular expression %s must be named", entity.ErrInvalidDeriverConfig, config.Expression)
	}

	if config.TimeConversion != nil {
		if len(config.TimeConversion.Column) < 1 {
			return nil, fmt.Errorf("%w, timeConversion.column must be set", entity.ErrInvalidDeriverConfig)
		}
		if len(config.TimeConversion.InputFormat) < 1 {
			return nil, fmt.Errorf("%w, timeConversion.inputFormat must be set", entity.ErrInvalidDeriverConfig)
		}
	}

	return &regexpDeriver{c: c, config: config, regexp: re, groups: groups}, nil
}

func (d *regexpDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	table, err := deps.Resolve(d.config.Step)
	if err != nil {
		return nil, err
	}
	if !table.HasColumn(d.config.FromColumn) {
		return nil, fmt.Errorf("%w, column(s) not found: [%s], available columns: %v", entity.ErrSchemaValidation, d.config.FromColumn, table.Columns())
	}

	keptColumns := d.keptColumns(table)
	columns := make([]string, 0, len(keptColumns)+len(d.groups))
	columns = append(columns, keptColumns...)
	columns = append(columns, d.groups...)

	derived, err := entity.NewTable(columns, nil)
	if err != nil {
		return nil, fmt.Errorf("%w, %v", entity.ErrSchemaValidation, err)
	}

	for i := 0; i < table.NumRows(); i++ {
		value, _ := table.Value(i, d.config.FromColumn)
		parsed := d.regexp.FindStringSubmatch(valueToString(value))
		if parsed == nil {
			continue
		}
		groupValues, err := d.groupValues(parsed[1:])
		if err != nil {
			continue
		}
		values := make([]any, 0, len(columns))
		for _, column := range keptColumns {
			keptValue, _ := table.Value(i, column)
			values = append(values, keptValue)
		}
		values = append(values, groupValues...)
		if err = derived.AppendRow(values...); err != nil {
			return nil, err
		}
	}
	return derived, nil
}

func (d *regexpDeriver) keptColumns(table *entity.Table) []string {
	var kept []string
	for _, column := range table.Columns() {
		if column == d.config.FromColumn && !d.config.KeepColumn {
			continue
		}
		kept = append(kept, column)
	}
	return kept
}

func (d *regexpDeriver) groupValues(parsed []string) ([]any, error) {
	values := make([]any, len(parsed))
	for i, value := range parsed {
		if tc := d.config.TimeConversion; tc != nil && d.groups[i] == tc.Column {
			converted, err := timeConv(tc, value)
			if err != nil {
				return nil, err
			}
			value = converted
		}
		values[i] = value
	}
	return values, nil
}

func timeConv(tc *timeConversion, date string) (string, error) {
	if date == "" {
		return "", fmt.Errorf("column: %s is empty", tc.Column)
	}

	date = strings.ReplaceAll(date, ",", ".")

	t, err := time.Parse(tc.InputFormat, date)
	if err != nil {
		return "", fmt.Errorf("could not parse input format, err: %s", err.Error())
	}
	outputFormat := tc.OutputFormat
	if len(outputFormat) < 1 {
		outputFormat = time.RFC3339
	}
	return t.Format(outputFormat), nil
}

// collectGroups returns the named groups of the expression, in order of
// occurrence.
func collectGroups(exp string) []string {
	var (
		str    string
		groups []string
	)

	for i := 0; i < len(exp); i++ {
		if strings.EqualFold(string(exp[i]), "<") {
			for i = i + 1; ; i++ {
				if strings.EqualFold(string(exp[i]), ">") {
					break
				}
				str += string(exp[i])
			}
			groups = append(groups, str)
			str = ""
		}
	}
	return groups
}
