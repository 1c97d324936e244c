// Package rowsim enables row simulation derivations, by setting the "type"
// field of a source in the derivation spec to "rowsim". Each materialization
// generates a configurable number of randomized JSON events, provided as the
// rows of a single-column table. The "jsonExtract" deriver can then be used to
// turn the events into typed columns.
package rowsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teltech/logger"
	"github.com/tidwall/sjson"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

const (
	DefaultEventColumn        = "rawEvent"
	DefaultMaxFractionDigits  = 2
	RowGenTypeRandom          = "random"
	RowGenTypeSinusoid        = "sinusoid"
	TimestampLayoutIsoSeconds = "2006-01-02T15:04:05Z"
	TimestampLayoutIsoMillis  = "2006-01-02T15:04:05.000Z"
	TimestampLayoutIsoMicros  = "2006-01-02T15:04:05.000000Z"
)

var DefaultCharset = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// SourceSpec specifies the schema of the source config part of the derivation
// spec (in the source's 'customConfig' object).
type SourceSpec struct {

	// How many rows should be generated for each materialization
	RowGeneration RowGeneration `json:"rowGeneration"`

	// Event schema and field generation specifications
	EventSpec EventSpec `json:"eventSpec"`

	// EventColumn is the name of the single table column holding the
	// generated events. If omitted it is set to DefaultEventColumn.
	EventColumn string `json:"eventColumn"`
}

// RowGeneration specifies how many rows should be generated for each
// materialization of the source.
//
// "Type" can be one of the following:
//
//	"random"   --> random value between "MinCount" and "MaxCount"
//	"sinusoid" --> the number of rows generated over repeated runs has a sine
//	               wave form with period specified in "PeriodSeconds",
//	               peak-to-peak amplitude in "MaxCount" - "MinCount", and the
//	               timestamp for a peak time in "PeakTime" (required layout:
//	               TimestampLayoutIsoSeconds). To achieve a less perfect wave,
//	               use the Jitter option with a specified randomized timestamp
//	               field.
//	""         --> If empty string (or json field omitted) a single row will
//	               be generated for each materialization.
type RowGeneration struct {
	Type          string `json:"type"`
	MinCount      int    `json:"minCount"`
	MaxCount      int    `json:"maxCount"`
	PeriodSeconds int    `json:"periodSeconds"`
	PeakTime      string `json:"peakTime"`
}

// EventSpec specifies the event schema
type EventSpec struct {
	Fields []FieldSpec `json:"fields"`
}

// FieldSpec specifies how each field should be generated
type FieldSpec struct {

	// Name of the field on sjson format (see github.com/tidwall/sjson)
	Field string `json:"field"`

	// One of the below options can be present in each field spec
	PredefinedValues []PredefinedValue `json:"predefinedValues"`
	RandomizedValue  *RandomizedValue  `json:"randomizedValue"`
	SetOfStrings     *SetOfStrings     `json:"setOfStrings"`
}

// PredefinedValue enables a field to have one of many provided values set with
// a probability based on the FrequencyFactor.
type PredefinedValue struct {

	// Value can be any json scalar value (string, number, boolean, null)
	Value any `json:"value"`

	// FrequencyFactor specifies the probability of each provided pre-defined
	// value to be set. Any value can be used here, but obviously having the
	// sum for all items being 10 or 100 is the easiest for achieving expected
	// distribution.
	FrequencyFactor int `json:"frequencyFactor"`
}

// RandomizedValue generates a random value for a field.
type RandomizedValue struct {

	// Type is mandatory and have the following supported values:
	//
	//     "int", "integer"
	//     "float"
	//     "string"
	//     "bool", "boolean"
	//     "isoTimestampMilliseconds"
	//     "isoTimestampMicroseconds"
	//     "uuid"
	//
	// Any other value will make the materialization fail with an error.
	//
	Type string `json:"type"`

	// Min and Max specifies the range of the randomized value
	Min float64 `json:"min"`
	Max float64 `json:"max"`

	// Charset is only applicable for "string" type and specifies which
	// character set to use for string generation. If omitted a default
	// character set will be used. If a value is provided here it needs to
	// have a matching character set added as part of factory creation input
	// config.
	Charset string `json:"charset"`

	// MaxFractionDigits is only applicable for "float" type and specifies how
	// many fraction digits should be provided. If omitted
	// DefaultMaxFractionDigits will be used.
	MaxFractionDigits int `json:"maxFractionDigits"`

	// JitterMilliseconds is only applicable for the timestamp types and adds
	// a +-delta duration to the current timestamp, based on a random value
	// from 0 to JitterMilliseconds.
	JitterMilliseconds int `json:"jitterMilliseconds"`
}

// SetOfStrings generates a set of string values from which a random value will
// be assigned to the field. It has similar functionality as PredefinedValues
// but with two differences: 1) Convenient when the number of wanted predefined
// values becomes very high, e.g. simulating high cardinality dimensions.
// 2) It only supports string values.
//
// The format of the generated strings is "<prefix>n" where 'n' is a number
// from 1 to "Amount".
//
// If FrequencyMin and FrequencyMax is omitted or set to 0 (or with invalid
// values), all the generated string values will have equal frequency factor
// (weight) when being randomly chosen as the value for the field. Otherwise a
// random value will be given to the string value to make them occur in the
// rows with different frequency, according to the specified frequency range.
//
// Field values that should not be present in the generated rows must be
// specified in the ExcludeValues slice.
type SetOfStrings struct {
	Amount        int      `json:"amount"`
	Prefix        string   `json:"prefix"`
	FrequencyMin  int      `json:"frequencyMin"`
	FrequencyMax  int      `json:"frequencyMax"`
	ExcludeValues []string `json:"excludeValues"`
}

type sourceFactory struct {
	charsets map[string][]rune // Provided custom character sets for random string generation
}

func NewSourceFactory(charsets map[string][]rune) entity.SourceFactory {
	return &sourceFactory{charsets: charsets}
}

func (sf *sourceFactory) SourceId() string {
	return string(entity.EntityRowSim)
}

func (sf *sourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newRowSim(c, sf.charsets)
}

func (sf *sourceFactory) Close() error {
	return nil
}

// rowSim is the source type executing the row sim logic
type rowSim struct {
	config          entity.Config
	sourceSpec      SourceSpec
	notifier        *notify.Notifier
	charsets        map[string][]rune
	frequencyRanges map[string][]FieldFrequencyRange
	peakTime        time.Time
}

func newRowSim(c entity.Config, charsets map[string][]rune) (*rowSim, error) {
	var log *logger.Log
	if c.Log {
		log = logger.New()
	}
	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}

	notifier := notify.New(c.NotifyChan, log, 2, "rowsim", c.ID, c.Spec.Id())
	sourceSpec, err := newSourceSpec(c)
	if err != nil {
		return nil, err
	}

	rowSim := &rowSim{
		config:     c,
		sourceSpec: *sourceSpec,
		notifier:   notifier,
		charsets:   charsets,
	}
	err = rowSim.prepareSimData()
	return rowSim, err
}

func newSourceSpec(c entity.Config) (*SourceSpec, error) {
	var ss SourceSpec

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

	if ss.EventColumn == "" {
		ss.EventColumn = DefaultEventColumn
	}

	adjustSourceSpec(&ss)
	return &ss, validateSpecFields(ss)
}

func adjustSourceSpec(ss *SourceSpec) {
	fields := expandSetOfStrings(ss.EventSpec.Fields)
	if len(fields) > 0 {
		ss.EventSpec.Fields = append(ss.EventSpec.Fields, fields...)
	}
}

func validateSpecFields(ss SourceSpec) error {
	if ss.RowGeneration.Type == RowGenTypeRandom || ss.RowGeneration.Type == RowGenTypeSinusoid {
		if ss.RowGeneration.MinCount < 0 || ss.RowGeneration.MaxCount < 0 {
			return errors.New("minCount and maxCount cannot be negative in rowGeneration spec")
		}
		if ss.RowGeneration.MinCount > ss.RowGeneration.MaxCount {
			return errors.New("minCount cannot be higher than maxCount in rowGeneration spec")
		}
	}
	if ss.RowGeneration.Type == RowGenTypeSinusoid {
		if ss.RowGeneration.PeriodSeconds <= 0 {
			return errors.New("periodSeconds must be positive in rowGeneration spec")
		}
	}
	return nil
}

// prepareSimData handles all calculations that can be done prior to actual
// rowSim execution, to reduce CPU load.
func (r *rowSim) prepareSimData() (err error) {
	r.frequencyRanges = createFrequencyRanges(r.sourceSpec.EventSpec.Fields)
	r.peakTime, err = createSinusoidPeakTime(r.sourceSpec.RowGeneration.PeakTime)
	if err != nil {
		return err
	}
	return err
}

// createSinusoidPeakTime returns a single timestamp (of many) that specifies
// when the row count sinusoid has its highest count value.
func createSinusoidPeakTime(peakTime string) (t time.Time, err error) {
	if peakTime == "" {
		return t, err
	}
	t, err = time.Parse(TimestampLayoutIsoSeconds, peakTime)
	if err != nil {
		return t, err
	}
	// Ensure peak time is before current time by setting the year to last year
	nowLastYear := time.Now().AddDate(-1, 0, 0)
	safePeakTime := time.Date(nowLastYear.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	return safePeakTime, nil
}

// Materialize generates the rows as specified for a single run. The number of
// rows follows the rowGeneration config, so with the "sinusoid" option the
// row counts of a periodically run derivation form a sine wave over time.
func (r *rowSim) Materialize(ctx context.Context) (*entity.Table, error) {

	nbRowsToCreate := r.calculateRowCount()
	rows := make([][]any, 0, nbRowsToCreate)
	for i := 0; i < nbRowsToCreate; i++ {

		if ctx.Err() == context.Canceled {
			r.notifier.Notify(entity.NotifyLevelInfo, "context canceled during row generation")
			return nil, ctx.Err()
		}

		event, err := r.createEvent(r.sourceSpec.EventSpec)
		if err != nil {
			r.notifier.Notify(entity.NotifyLevelError, "failed creating event, err: %s", err)
			return nil, err
		}
		if r.config.Spec.Ops.LogTableData {
			r.notifier.Notify(entity.NotifyLevelInfo, "event created: %s", string(event))
		}
		rows = append(rows, []any{event})
	}
	return entity.NewTable([]string{r.sourceSpec.EventColumn}, rows)
}

// calculateRowCount provides the value on how many rows to generate for each
// materialization
func (r *rowSim) calculateRowCount() int {
	g := r.sourceSpec.RowGeneration
	switch g.Type {
	case RowGenTypeRandom:
		return randInt(g.MinCount, g.MaxCount)
	case RowGenTypeSinusoid:
		return r.createSinusoidRowCount(g)
	default:
		return 1
	}
}

// createSinusoidRowCount returns a number adhering to a sinusoid timeseries,
// based on its config found in RowGeneration parameter.
// To simplify its logic, a pre-requisite is that rg.PeakTime is specified as
// a timestamp earlier than current time.
func (r *rowSim) createSinusoidRowCount(rg RowGeneration) int {
	secondsSincePeakTime := time.Now().Unix() - r.peakTime.Unix()
	angle := float64(secondsSincePeakTime) / float64(rg.PeriodSeconds) * 2 * math.Pi
	value := (math.Cos(angle)+1)/2*(float64(rg.MaxCount)-float64(rg.MinCount)) + float64(rg.MinCount)
	return int(math.Round(value))
}

// createEvent generates a single random event based on the event spec
func (r *rowSim) createEvent(eventSpec EventSpec) (event []byte, err error) {

	var value any
	for _, fieldSpec := range eventSpec.Fields {

		switch {

		case len(fieldSpec.PredefinedValues) > 0:
			value = r.createFieldValueWithFrequencyFactor(r.frequencyRanges[fieldSpec.Field])

		case fieldSpec.RandomizedValue != nil:
			value, err = r.createRandomizedFieldValue(fieldSpec)
		}

		if err != nil {
			return event, err
		}

		event, err = sjson.SetBytes(event, fieldSpec.Field, value)
		if err != nil {
			return event, err
		}
	}
	return event, err
}

// createRandomizedFieldValue handles the fieldSpec option "randomizedValue"
func (r *rowSim) createRandomizedFieldValue(f FieldSpec) (value any, err error) {

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v due to invalid randomizedValue spec: %+v", rec, f.RandomizedValue)
		}
	}()
	v := f.RandomizedValue

	switch v.Type {

	case "int", "integer":
		value = randInt(int(v.Min), int(v.Max))

	case "float":
		value = r.generateRandomFloat(v)

	case "string":
		value = r.generateRandomString(v)

	case "bool", "boolean":
		value = randBool()

	case "isoTimestampMilliseconds":
		value = randIsoMillis(v.JitterMilliseconds)

	case "isoTimestampMicroseconds":
		value = randIsoMicros(v.JitterMilliseconds)

	case "uuid":
		value = uuid.New().String()

	default:
		err = fmt.Errorf("unsupported type for randomized values: %s", v.Type)
	}

	return
}

func (r *rowSim) generateRandomFloat(v *RandomizedValue) json.Number {
	if v.MaxFractionDigits == 0 {
		v.MaxFractionDigits = DefaultMaxFractionDigits
	}
	return randFloat(v.Min, v.Max, v.MaxFractionDigits)
}

func (r *rowSim) generateRandomString(v *RandomizedValue) string {
	charset, ok := r.charsets[v.Charset]
	if !ok {
		charset = DefaultCharset
	}
	return randString(int(v.Min), int(v.Max), charset)
}

// randInt creates a random int between min and max (including max)
func randInt(min, max int) int {
	return rand.Intn(max+1-min) + min
}

// randFloat is custom made for this JSON event generation purpose. Formatting
// and returning as a json.Number is one of the few ways possible to
// efficiently keep the required number of fraction digits without introducing
// standard but unwanted floating point inaccuracy digits, when injecting the
// float via sjson.SetBytes().
func randFloat(min, max float64, fractionDigits int) json.Number {
	randFloat := rand.Float64() * max
	if randFloat < min {
		randFloat = min
	}
	return json.Number(fmt.Sprintf("%.*f", fractionDigits, randFloat))
}

func randString(min, max int, charset []rune) string {
	charsetSize := len(charset)
	strLength := randInt(min, max)
	var sb strings.Builder

	for i := 0; i < strLength; i++ {
		ch := charset[rand.Intn(charsetSize)]
		sb.WriteRune(ch)
	}
	s := sb.String()
	return s
}

func randBool() bool {
	return rand.Intn(2) == 0 // there are slightly faster ways, but it's good enough
}

func randIsoMillis(jitterMillis int) string {
	return currentTimeWithJitter(jitterMillis).Format(TimestampLayoutIsoMillis)
}

func randIsoMicros(jitterMillis int) string {
	return currentTimeWithJitter(jitterMillis).Format(TimestampLayoutIsoMicros)
}

func currentTimeWithJitter(jitterMillis int) time.Time {
	if jitterMillis == 0 {
		return time.Now().UTC()
	}
	jitterNano := time.Duration(jitterMillis) * time.Millisecond
	delta := rand.Int63n(2 * int64(jitterNano))
	delta -= int64(jitterNano)
	deltaDuration := time.Duration(delta)
	return time.Now().UTC().Add(deltaDuration)
}

// FieldFrequencyRange is used for internal conversion of any provided
// dimensions that should be randomized with a given distribution.
type FieldFrequencyRange struct {
	Start int
	End   int
	Max   int
	Value any
}

// createFrequencyRanges prepares the data to be used for generating dimension
// values with the requested distribution/value frequency.
func createFrequencyRanges(fields []FieldSpec) map[string][]FieldFrequencyRange {

	ranges := make(map[string][]FieldFrequencyRange)
	for _, fieldSpec := range fields {

		var (
			fieldRange              []FieldFrequencyRange
			adjustedFieldSpecValues []PredefinedValue
			freqFactorSum           int
		)
		for _, value := range fieldSpec.PredefinedValues {
			if value.FrequencyFactor == 0 {
				value.FrequencyFactor = 1
			}
			freqFactorSum += value.FrequencyFactor
			adjustedFieldSpecValues = append(adjustedFieldSpecValues, value)
		}

		var (
			index       int
			rangedField FieldFrequencyRange
		)
		for _, value := range adjustedFieldSpecValues {
			rangedField.Start = index
			rangedField.End = index + value.FrequencyFactor
			rangedField.Max = freqFactorSum
			rangedField.Value = value.Value
			index = rangedField.End
			fieldRange = append(fieldRange, rangedField)
		}

		ranges[fieldSpec.Field] = fieldRange
	}
	return ranges
}

func (r *rowSim) createFieldValueWithFrequencyFactor(fields []FieldFrequencyRange) any {

	n := rand.Intn(fields[0].Max)

	for _, field := range fields {
		if n >= field.Start && n < field.End {
			return field.Value
		}
	}

	// If using correct prep logic this should never happen
	r.notifier.Notify(entity.NotifyLevelError, "'Unreachable' section reached (n=%d), fields: %+v\n", n, fields)
	return fields[rand.Intn(len(fields))].Value
}
