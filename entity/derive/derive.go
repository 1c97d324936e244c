/*
Package derive contains the native/default derivers of Tabell, registered with
the deriver type ids found in entity.ReservedDeriverNames.

Each deriver resolves the single input table to operate on from the dependency
map provided to Derive(), using the optional "step" config property (see
entity.Dependencies.Resolve), and produces a fresh output table without
modifying its input.

Custom derivers can be provided as plug-ins via tabell.Config.RegisterDeriverType().
*/
package derive

import (
	"encoding/json"
	"fmt"

	"github.com/zpiroux/tabell/entity"
)

// Deriver type ids for the native derivers.
const (
	SelectTypeId      = "select"
	PassthroughTypeId = "passthrough"
	DistinctTypeId    = "distinct"
	FilterTypeId      = "filter"
	JsonExtractTypeId = "jsonExtract"
	RegexpTypeId      = "regexp"
)

// parseDeriveConfig unpacks the free-form derive config object of the spec into
// the deriver's own typed config struct.
func parseDeriveConfig(spec *entity.Spec, out any) error {
	if spec == nil {
		return fmt.Errorf("%w, the provided derivation spec must not be nil", entity.ErrInvalidDeriverConfig)
	}
	if spec.Derive.Config == nil {
		return nil
	}

	b, err := json.Marshal(spec.Derive.Config)
	if err != nil {
		return fmt.Errorf("%w, invalid derive config provided: %v", entity.ErrInvalidDeriverConfig, spec.Derive.Config)
	}

	if err = json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w, %v", entity.ErrInvalidDeriverConfig, err)
	}
	return nil
}

// duplicateName returns the first name occurring more than once in the list.
func duplicateName(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return name, true
		}
		seen[name] = true
	}
	return "", false
}

// missingColumns returns the subset of names not present as columns in the table.
func missingColumns(table *entity.Table, names []string) []string {
	var missing []string
	for _, name := range names {
		if !table.HasColumn(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// valueToString returns the string representation of a table cell value, with
// nil cells represented as the empty string.
func valueToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
