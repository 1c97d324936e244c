package derive

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zpiroux/tabell/entity"
)

// jsonExtractConfig specifies the schema of the derive config for "jsonExtract"
// derivers.
type jsonExtractConfig struct {
	Step string `json:"step"`

	// FromColumn is the column of the input table holding the JSON events to
	// extract fields from. The column values must be of string (or byte slice)
	// type.
	FromColumn string `json:"fromColumn"`

	// KeepColumn specifies if the JSON event column itself should be kept in
	// the output table. Default is to drop it.
	KeepColumn bool `json:"keepColumn"`

	// Fields contains the definitions of which fields to extract into columns.
	Fields []jsonField `json:"fields"`
}

type jsonField struct {
	// Column is the name of the output column for this field.
	Column string `json:"column"`

	// JsonPath defines which field in the JSON that should be extracted. It uses
	// github.com/tidwall/gjson syntax, such as "myCoolField" if we want to extract
	// that field from json { "myCoolField": "isHere" }
	//
	// The full raw JSON event is also regarded as a 'field' and to extract that the
	// JsonPath string should be empty or omitted in the spec.
	JsonPath string `json:"jsonPath"`

	// - For normal fields, Type can be "string", "integer", "number", "boolean" or
	// "float". If omitted in the spec, string will be used.
	//
	// - For raw event fields the default type is []byte, unless Type is explicitly
	// set to "string".
	//
	// - If a field is an iso timestamp string (e.g. "2019-11-30T14:57:23.389Z") the
	// type "isoTimestamp" can be used, to have a Go time.Time value created for this
	// column.
	//
	// - If a field is a unix timestamp (number or str) (e.g. 1571831226950 or
	// "1571831226950") the type "unixTimestamp" can be used to have a Go time.Time
	// value created for this column.
	//
	// - If a field is a User Agent string (e.g. "Mozilla%2F5.0%20(Macintosh...") the
	// type "userAgent" can be used to have parsed JSON output as string, with
	// separate fields for each part of UA.
	Type string `json:"type"`
}

type jsonExtractDeriverFactory struct{}

func NewJsonExtractDeriverFactory() entity.DeriverFactory {
	return &jsonExtractDeriverFactory{}
}

func (df *jsonExtractDeriverFactory) DeriverId() string {
	return JsonExtractTypeId
}

func (df *jsonExtractDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	return newJsonExtractDeriver(c)
}

func (df *jsonExtractDeriverFactory) Close() error {
	return nil
}

// jsonExtractDeriver turns a column of JSON events into typed columns, one per
// configured field. The remaining columns of the input table are kept in their
// original order, with the extracted columns appended after them.
type jsonExtractDeriver struct {
	c      entity.Config
	config jsonExtractConfig
}

func newJsonExtractDeriver(c entity.Config) (*jsonExtractDeriver, error) {
	var config jsonExtractConfig
	if err := parseDeriveConfig(c.Spec, &config); err != nil {
		return nil, err
	}
	if config.FromColumn == "" {
		return nil, fmt.Errorf("%w, fromColumn is required", entity.ErrInvalidDeriverConfig)
	}
	if len(config.Fields) == 0 {
		return nil, fmt.Errorf("%w, at least one field to extract is required", entity.ErrInvalidDeriverConfig)
	}
	var outputColumns []string
	for _, field := range config.Fields {
		if field.Column == "" {
			return nil, fmt.Errorf("%w, extracted fields require a column name", entity.ErrInvalidDeriverConfig)
		}
		outputColumns = append(outputColumns, field.Column)
	}
	if name, found := duplicateName(outputColumns); found {
		return nil, fmt.Errorf("%w, duplicate column name '%s' in extracted fields", entity.ErrInvalidDeriverConfig, name)
	}
	return &jsonExtractDeriver{c: c, config: config}, nil
}

func (d *jsonExtractDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	table, err := deps.Resolve(d.config.Step)
	if err != nil {
		return nil, err
	}
	if !table.HasColumn(d.config.FromColumn) {
		return nil, fmt.Errorf("%w, column(s) not found: [%s], available columns: %v", entity.ErrSchemaValidation, d.config.FromColumn, table.Columns())
	}

	keptColumns := d.keptColumns(table)
	columns := make([]string, 0, len(keptColumns)+len(d.config.Fields))
	columns = append(columns, keptColumns...)
	for _, field := range d.config.Fields {
		columns = append(columns, field.Column)
	}

	derived, err := entity.NewTable(columns, nil)
	if err != nil {
		return nil, fmt.Errorf("%w, %v", entity.ErrSchemaValidation, err)
	}

	for i := 0; i < table.NumRows(); i++ {
		event, err := d.eventData(table, i)
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, len(columns))
		for _, column := range keptColumns {
			value, _ := table.Value(i, column)
			values = append(values, value)
		}
		for _, field := range d.config.Fields {
			values = append(values, extractField(field, event))
		}
		if err = derived.AppendRow(values...); err != nil {
			return nil, err
		}
	}
	return derived, nil
}

func (d *jsonExtractDeriver) keptColumns(table *entity.Table) []string {
	var kept []string
	for _, column := range table.Columns() {
		if column == d.config.FromColumn && !d.config.KeepColumn {
			continue
		}
		kept = append(kept, column)
	}
	return kept
}

func (d *jsonExtractDeriver) eventData(table *entity.Table, row int) ([]byte, error) {
	value, _ := table.Value(row, d.config.FromColumn)
	switch event := value.(type) {
	case string:
		return []byte(event), nil
	case []byte:
		return event, nil
	default:
		return nil, fmt.Errorf("%w, column '%s' must hold JSON events as strings, got: %T", entity.ErrSchemaValidation, d.config.FromColumn, value)
	}
}

func extractField(field jsonField, event []byte) any {
	if len(field.JsonPath) == 0 {
		return rawEventValue(field.Type, event)
	}
	value := gjson.GetBytes(event, field.JsonPath)

	switch field.Type {
	case "bool", "boolean":
		return value.Bool()
	case "int", "integer":
		return value.Int()
	case "float":
		return value.Float()
	case "isoTimestamp":
		return value.Time()
	case "unixTimestamp":
		return convertFromMillisToGoTime(value.Int())
	case "userAgent":
		return convertFromUAStringToUAJSON(value.String())
	default:
		return value.String()
	}
}

func rawEventValue(fieldType string, event []byte) any {
	switch fieldType {
	case "string":
		return string(event)
	default:
		return event
	}
}

func convertFromMillisToGoTime(millis int64) time.Time {
	return time.Unix(0, millis*1000000).UTC()
}

func convertFromUAStringToUAJSON(uaStr string) string {
	ua, err := NewUserAgent(uaStr)
	if err != nil {
		return ""
	}
	return ua.String()
}
