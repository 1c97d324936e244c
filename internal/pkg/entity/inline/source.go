// Package inline provides the "inline" source, materializing tables embedded
// directly in the derivation spec. It is the simplest way to feed a derivation
// with data and requires no external infrastructure, which makes it suitable
// for lookup/enrichment tables, tests and examples.
package inline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

const DefaultEventColumn = "rawEvent"

// SourceSpec specifies the schema of the source config part of the derivation
// spec (in the source's 'customConfig' object). The two config modes are
// mutually exclusive.
type SourceSpec struct {

	// Columns and Rows define the table directly, in column order. Note that
	// JSON numbers become float64 values in the materialized table.
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`

	// Events provides the table as a list of JSON events instead, each
	// becoming one row in a single-column table holding the raw event data.
	// This mode composes with the "jsonExtract" deriver, which turns the
	// events into typed columns.
	Events []json.RawMessage `json:"events"`

	// EventColumn is the column name to use in events mode.
	// If omitted it is set to DefaultEventColumn.
	EventColumn string `json:"eventColumn"`
}

type sourceFactory struct{}

func NewSourceFactory() entity.SourceFactory {
	return &sourceFactory{}
}

func (sf *sourceFactory) SourceId() string {
	return string(entity.EntityInline)
}

func (sf *sourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c)
}

func (sf *sourceFactory) Close() error {
	return nil
}

type source struct {
	config     entity.Config
	sourceSpec SourceSpec
	notifier   *notify.Notifier
}

func newSource(c entity.Config) (*source, error) {
	var log *logger.Log
	if c.Log {
		log = logger.New()
	}

	notifier := notify.New(c.NotifyChan, log, 2, "inline", c.ID, specId(c.Spec))
	sourceSpec, err := newSourceSpec(c)
	if err != nil {
		return nil, err
	}

	return &source{
		config:     c,
		sourceSpec: *sourceSpec,
		notifier:   notifier,
	}, nil
}

func specId(spec *entity.Spec) string {
	if spec == nil {
		return ""
	}
	return spec.Id()
}

func newSourceSpec(c entity.Config) (*SourceSpec, error) {
	var ss SourceSpec
	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}

	sourceSpec := c.Spec.SourceSpecByName(c.Name)
	if sourceSpec == nil {
		return nil, fmt.Errorf("no source named '%s' in spec %s", c.Name, c.Spec.Id())
	}

	customConfig, ok := sourceSpec.Config.CustomConfig.(map[string]any)
	if !ok {
		return nil, errors.New("invalid derivation spec, the source 'config.customConfig' object was not present")
	}

	b, err := json.Marshal(customConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid source spec provided: %v", customConfig)
	}

	if err = json.Unmarshal(b, &ss); err != nil {
		return nil, err
	}

	return &ss, validateSourceSpec(&ss)
}

func validateSourceSpec(ss *SourceSpec) error {
	if len(ss.Columns) > 0 && len(ss.Events) > 0 {
		return errors.New("columns and events are mutually exclusive in inline source config")
	}
	if len(ss.Columns) == 0 && len(ss.Events) == 0 {
		return errors.New("no table data specified in inline source config, provide columns or events")
	}
	if ss.EventColumn == "" {
		ss.EventColumn = DefaultEventColumn
	}
	return nil
}

// Materialize builds a fresh table from the spec-embedded data. Invalid table
// data, such as duplicate column names or rows not matching the number of
// columns, is reported here rather than when the source is created, keeping
// all table construction errors in one place.
func (s *source) Materialize(ctx context.Context) (*entity.Table, error) {

	var (
		table *entity.Table
		err   error
	)

	if len(s.sourceSpec.Columns) > 0 {
		table, err = entity.NewTable(s.sourceSpec.Columns, s.sourceSpec.Rows)
	} else {
		rows := make([][]any, 0, len(s.sourceSpec.Events))
		for _, event := range s.sourceSpec.Events {
			rows = append(rows, []any{[]byte(event)})
		}
		table, err = entity.NewTable([]string{s.sourceSpec.EventColumn}, rows)
	}

	if err != nil {
		return nil, fmt.Errorf("could not materialize inline table for source '%s': %w", s.config.Name, err)
	}
	if s.config.Spec.Ops.LogTableData {
		s.notifier.Notify(entity.NotifyLevelInfo, "Materialized inline table: %s", table)
	}
	return table, nil
}
