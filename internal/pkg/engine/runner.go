package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/internal/pkg/itabell"
	"github.com/zpiroux/tabell/pkg/notify"
	"golang.org/x/sync/errgroup"
)

const defaultInitialSinkRetryBackoffDuration = 2

var (
	ErrHookUnretryableError = errors.New("DeriveHookFunc reported unretryable error")
	ErrHookInvalidAction    = errors.New("DeriveHookFunc returned invalid action value")
	ErrShutdownInProgress   = errors.New("run rejected due to shutdown in progress")
	ErrSinkRetriesExhausted = errors.New("sink retries exhausted")
)

// Runners operate a single derivation, from Sources to Derive to Sinks, as specified by
// a single Tabell derivation spec. The derivation it is operating is configured and
// instantiated by the DerivationBuilder.
type Runner struct {
	config     Config
	derivation itabell.Derivation
	id         string
	notifier   *notify.Notifier

	// Run calls are serialized since source and sink entities are free to keep
	// per-run state such as consumer group sessions or batch buffers.
	runMutex           sync.Mutex
	shutdownInProgress atomic.Bool

	runs               int64
	runsFailed         int64
	materializeMetrics ProcessingMetrics
	deriveMetrics      ProcessingMetrics
	sinkMetrics        ProcessingMetrics
}

// Table processing metrics. Using int64 is safe here:
// Total Rows processed will work for 3 million years if having 100k rows/sec
// Total processing DurationMicros will work for 290k years
type ProcessingMetrics struct {
	Rows           int64
	DurationMicros int64
	Operations     int64
}

func (p ProcessingMetrics) String() string {
	out, _ := json.Marshal(p)
	return string(out)
}

func NewRunner(config Config, derivation itabell.Derivation) *Runner {

	if isNil(derivation) || derivation.Spec() == nil {
		return nil
	}
	r := &Runner{
		config:     config,
		derivation: derivation,
		id:         derivation.Instance(),
	}

	var log *logger.Log
	if config.Log {
		log = logger.New()
	}
	r.notifier = notify.New(config.NotifyChan, log, 2, "runner", r.id, r.DerivationId())

	if r.valid() {
		return r
	}
	return nil
}

func (r *Runner) valid() bool {
	if isNil(r.derivation) {
		return false
	}
	return r.derivation.Spec() != nil && !isNil(r.derivation.Deriver())
}

func (r *Runner) DerivationId() string {
	return r.derivation.Spec().Id()
}

func (r *Runner) Derivation() itabell.Derivation {
	return r.derivation
}

func (r *Runner) Metrics() entity.Metrics {
	return entity.Metrics{
		Runs:                      atomic.LoadInt64(&r.runs),
		RunsFailed:                atomic.LoadInt64(&r.runsFailed),
		RowsMaterialized:          atomic.LoadInt64(&r.materializeMetrics.Rows),
		MaterializationTimeMicros: atomic.LoadInt64(&r.materializeMetrics.DurationMicros),
		RowsDerived:               atomic.LoadInt64(&r.deriveMetrics.Rows),
		DeriveTimeMicros:          atomic.LoadInt64(&r.deriveMetrics.DurationMicros),
		RowsStoredInSink:          atomic.LoadInt64(&r.sinkMetrics.Rows),
		SinkProcessingTimeMicros:  atomic.LoadInt64(&r.sinkMetrics.DurationMicros),
		SinkOperations:            atomic.LoadInt64(&r.sinkMetrics.Operations),
	}
}

// Run executes a full derivation pass. All sources are materialized concurrently into
// the dependency tables, the deriver produces the derived table from them, and the
// result is stored in each of the derivation's sinks, in spec order. The derived table
// is returned also when the derivation has no sinks.
// If a pre- or post-derive hook func is provided in the engine config and requests the
// run to be skipped, Run returns (nil, nil).
// Run is safe for concurrent use, but calls are serialized.
func (r *Runner) Run(ctx context.Context) (table *entity.Table, err error) {

	r.runMutex.Lock()
	defer r.runMutex.Unlock()
	defer r.runExit(&table, &err)

	if r.shutdownInProgress.Load() {
		r.notifier.Notify(entity.NotifyLevelWarn, "Rejecting run request due to shutdown in progress")
		return nil, ErrShutdownInProgress
	}
	r.notifier.Notify(entity.NotifyLevelDebug, "Starting run")

	deps, err := r.materialize(ctx)
	if err != nil {
		return nil, err
	}

	// Apply injection of derivation processing logic if requested
	if r.config.PreDeriveHookFunc != nil {
		action := r.config.PreDeriveHookFunc(ctx, r.derivation.Spec(), deps)
		if proceed, err := r.applyHookAction(action, "pre-derive"); !proceed {
			return nil, err
		}
	}

	table, err = r.derive(ctx, deps)
	if err != nil {
		return nil, err
	}

	if r.config.PostDeriveHookFunc != nil {
		action := r.config.PostDeriveHookFunc(ctx, r.derivation.Spec(), table)
		if proceed, err := r.applyHookAction(action, "post-derive"); !proceed {
			return nil, err
		}
	}

	// An empty derived table is a valid outcome, e.g. when a filter matches no
	// rows, and there is nothing to store.
	if table.NumRows() == 0 {
		r.notifier.Notify(entity.NotifyLevelInfo, "Run produced an empty table, nothing to store in sinks")
		return table, nil
	}

	for i, sink := range r.derivation.Sinks() {
		if err = r.storeToSink(ctx, sink, string(r.derivation.Spec().Sinks[i].Type), table); err != nil {
			return nil, err
		}
	}

	r.notifier.Notify(entity.NotifyLevelInfo, "Run completed. Materialization metrics: %s, Derive metrics: %s, Sink metrics: %s",
		r.materializeMetrics, r.deriveMetrics, r.sinkMetrics)
	return table, nil
}

func (r *Runner) runExit(table **entity.Table, err *error) {

	// Protection against badly written deriver/sink plugins or external hook logic
	if rec := recover(); rec != nil {
		*table = nil
		*err = fmt.Errorf("panic (%v) during run of derivation %s", rec, r.DerivationId())
		r.notifier.Notify(entity.NotifyLevelError, "Panic (%v) in Run() for spec %s", rec, r.derivation.Spec().JSON())
	}

	atomic.AddInt64(&r.runs, 1)
	if *err != nil {
		atomic.AddInt64(&r.runsFailed, 1)
	}
}

func (r *Runner) applyHookAction(action entity.HookAction, hook string) (proceed bool, err error) {

	switch action {
	case entity.HookActionProceed:
		// run to continue as normal
		return true, nil
	case entity.HookActionSkip:
		r.notifier.Notify(entity.NotifyLevelInfo, "Run skipped as requested by %s hook", hook)
		return false, nil
	case entity.HookActionUnretryableError:
		return false, ErrHookUnretryableError
	default:
		return false, fmt.Errorf("%w : %v", ErrHookInvalidAction, action)
	}
}

// Derive runs only the derive part of the derivation, on externally provided dependency
// tables, bypassing the derivation's sources and sinks. This is the path used for specs
// without sources and for direct client-side derivation with tabell.Derive().
func (r *Runner) Derive(ctx context.Context, deps entity.Dependencies) (table *entity.Table, err error) {
	defer r.deriveExit(&table, &err)
	return r.derive(ctx, deps)
}

func (r *Runner) deriveExit(table **entity.Table, err *error) {
	// Protection against badly written deriver plugins
	if rec := recover(); rec != nil {
		*table = nil
		*err = fmt.Errorf("panic (%v) in Derive() for derivation %s", rec, r.DerivationId())
		r.notifier.Notify(entity.NotifyLevelError, "Panic (%v) in Derive() for spec %s", rec, r.derivation.Spec().JSON())
	}
}

// materialize produces the dependency tables of a run by materializing all sources
// concurrently. Source names are unique per spec, giving each source its own key in
// the dependency map.
func (r *Runner) materialize(ctx context.Context) (entity.Dependencies, error) {

	var (
		mutex sync.Mutex
		deps  = make(entity.Dependencies)
	)
	g, ctx := errgroup.WithContext(ctx)
	startTime := time.Now().UnixMicro()

	for name, source := range r.derivation.Sources() {
		name, source := name, source
		g.Go(func() (err error) {
			defer func() {
				// Protection against badly written source plugins
				if rec := recover(); rec != nil {
					err = fmt.Errorf("panic (%v) in Materialize() for source '%s'", rec, name)
				}
			}()
			var table *entity.Table
			table, err = source.Materialize(ctx)
			if err != nil {
				return fmt.Errorf("source '%s' failed to materialize: %w", name, err)
			}
			if table == nil {
				return fmt.Errorf("source '%s' returned nil table", name)
			}
			mutex.Lock()
			deps[name] = table
			mutex.Unlock()
			atomic.AddInt64(&r.materializeMetrics.Rows, int64(table.NumRows()))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&r.materializeMetrics.DurationMicros, time.Now().UnixMicro()-startTime)
	atomic.AddInt64(&r.materializeMetrics.Operations, 1)
	return deps, nil
}

func (r *Runner) derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {

	startTime := time.Now().UnixMicro()
	table, err := r.derivation.Deriver().Derive(ctx, deps)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("deriver returned nil table for derivation %s", r.DerivationId())
	}

	atomic.AddInt64(&r.deriveMetrics.Rows, int64(table.NumRows()))
	atomic.AddInt64(&r.deriveMetrics.DurationMicros, time.Now().UnixMicro()-startTime)
	atomic.AddInt64(&r.deriveMetrics.Operations, 1)

	if r.logTableData() {
		r.notifier.Notify(entity.NotifyLevelDebug, "Table derived into: %v", table)
	}
	return table, nil
}

func (r *Runner) storeToSink(ctx context.Context, sink entity.Sink, sinkType string, table *entity.Table) error {

	var (
		resourceId string
		err        error
		retryable  bool
	)
	storeAttempts := 0
	backoffDuration := defaultInitialSinkRetryBackoffDuration

	for ; storeAttempts <= r.maxSinkRetries(); storeAttempts++ {

		startTime := time.Now().UnixMicro()
		resourceId, err, retryable = sink.Store(ctx, table)

		if err == nil {
			atomic.AddInt64(&r.sinkMetrics.Rows, int64(table.NumRows()))
			atomic.AddInt64(&r.sinkMetrics.DurationMicros, time.Now().UnixMicro()-startTime)
			atomic.AddInt64(&r.sinkMetrics.Operations, 1)
			if r.logTableData() {
				r.notifier.Notify(entity.NotifyLevelDebug, "Table stored in sink '%s', resource ID: '%s'", sinkType, resourceId)
			}
			return nil
		}

		if r.shuttingDown(ctx, err) {
			return err
		}

		if retryable && storeAttempts < r.maxSinkRetries() {
			r.notifier.Notify(entity.NotifyLevelWarn, "Store() to sink '%s' failed with error: %v, issuing retry attempt #%d, in %d seconds",
				sinkType, err, storeAttempts+1, backoffDuration)
			if !sleepCtx(ctx, time.Duration(backoffDuration)*time.Second) {
				r.notifier.Notify(entity.NotifyLevelInfo, "Context canceled during sink retry backoff")
				return err
			}
			if backoffDuration < r.maxSinkRetryBackoffInterval() {
				backoffDuration *= 2
			}
			continue
		}
		break
	}

	if retryable {
		r.notifier.Notify(entity.NotifyLevelError, "Giving up retrying store to sink '%s' for spec ID %s, after %d attempts",
			sinkType, r.DerivationId(), storeAttempts+1)
		return fmt.Errorf("%w, sink '%s' failed after %d attempts with error: %v", ErrSinkRetriesExhausted, sinkType, storeAttempts+1, err)
	}
	return err
}

func (r *Runner) shuttingDown(ctx context.Context, err error) bool {
	if ctx.Err() == context.Canceled {
		r.notifier.Notify(entity.NotifyLevelInfo, "Context canceled during Store, err: %v", err)
		return true
	}

	if errors.Is(err, entity.ErrEntityShutdownRequested) {
		r.notifier.Notify(entity.NotifyLevelInfo, "Sink requested shutdown during Store")
		return true
	}
	return false
}

// Shutdown rejects future runs and shuts down the derivation's sink entities. Any run
// in progress is not interrupted; cancel its context to terminate it early.
func (r *Runner) Shutdown(ctx context.Context) {
	r.shutdownInProgress.Store(true)
	r.notifier.Notify(entity.NotifyLevelInfo, "Shutting down")

	for _, sink := range r.derivation.Sinks() {
		sink.Shutdown()
	}
}

func (r *Runner) maxSinkRetries() int {
	return r.derivation.Spec().Ops.MaxSinkRetries
}

func (r *Runner) maxSinkRetryBackoffInterval() int {
	return r.derivation.Spec().Ops.MaxSinkRetryBackoffIntervalSec
}

func (r *Runner) logTableData() bool {
	return r.derivation.Spec().Ops.LogTableData
}
