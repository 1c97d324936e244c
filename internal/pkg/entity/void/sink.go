package void

import (
	"context"
	"errors"
	"math"
	"strconv"

	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
)

var log *logger.Log

func init() {
	log = logger.New()
}

type sinkFactory struct{}

// NewSinkFactory creates the factory for the "void" sink, to be used by specs
// only needing the derived table to be returned from the run, or for testing
// and benchmarking other parts of a derivation. Sink config properties:
//
//	"simulateError": "alwaysRetryable"/"alwaysUnretryable" - make Store() fail
//	"maxErrors": "<n>" - stop simulating errors after n failed store calls
//	"logTableData": "true" - log each received table
func NewSinkFactory() entity.SinkFactory {
	return &sinkFactory{}
}

func (sf *sinkFactory) SinkId() string {
	return string(entity.EntityVoid)
}

func (sf *sinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(c)
}

func (sf *sinkFactory) Close() error {
	return nil
}

type sink struct {
	spec         *entity.Spec
	props        map[string]string
	maxErrors    int
	numberErrors int
}

func newSink(c entity.Config) (*sink, error) {
	s := &sink{
		spec:      c.Spec,
		props:     make(map[string]string),
		maxErrors: math.MaxInt32,
	}

	if c.Spec != nil {
		if sinkSpec := c.Spec.SinkSpecByType(entity.EntityVoid); sinkSpec != nil && sinkSpec.Config != nil {
			for _, prop := range sinkSpec.Config.Properties {
				s.props[prop.Key] = prop.Value
			}
			if value, ok := s.props["maxErrors"]; ok {
				s.maxErrors, _ = strconv.Atoi(value)
			}
		}
	}

	return s, nil
}

func (s *sink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {

	var (
		err        error
		retryable  bool
		resourceId = "<noResourceId>"
	)

	if table == nil || table.NumRows() == 0 {
		return resourceId, errors.New("store called without table data"), false
	}

	if s.spec.Ops.LogTableData {
		log.Infof("Received derived table in void.sink: %s", table.String())
	}

	if value, ok := s.props["simulateError"]; ok {

		if s.numberErrors >= s.maxErrors {
			err = nil
			retryable = false
		} else {
			s.numberErrors++
			switch value {
			case "alwaysRetryable":
				err = errors.New("void sink simulating retryable error")
				retryable = true
			case "alwaysUnretryable":
				err = errors.New("void sink simulating unretryable error")
				retryable = false
			}
		}
	}

	if value, ok := s.props["logTableData"]; ok {
		if value == "true" {
			log.Infof("Table received in void sink Store: %s", table.String())
		}
	}

	return resourceId, err, retryable
}

func (s *sink) Shutdown() {}
