package tabell

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/internal/service"
)

// Error values returned by the Tabell API.
// Many of these errors will also contain additional details about the error.
// Error matching can still be done with 'if errors.Is(err, ErrInvalidDerivationId)' etc.
// due to error wrapping.
var (
	ErrConfigNotInitialized   = errors.New("tabell.Config needs to be created with NewConfig()")
	ErrTabellNotInitialized   = errors.New("tabell not initialized")
	ErrSpecAlreadyExists      = errors.New("derivation ID already exists with same or higher version - increment version number to upgrade")
	ErrInvalidDerivationSpec  = errors.New("derivation spec is not valid")
	ErrInvalidDerivationId    = errors.New("invalid derivation ID")
	ErrProtectedDerivationId  = errors.New("spec format is valid but derivation ID is protected and cannot be used")
	ErrInternalDataProcessing = errors.New("internal data processing error")
	ErrInvalidEntityId        = errors.New("invalid source/sink/deriver ID")
)

// The "tabell" namespace is reserved for internally provided derivations, so
// external specs cannot use it.
const protectedNamespace = "tabell"

type Tabell struct {
	service *service.Service
}

// New creates and configures Tabell's internal services based on the provided config,
// which needs to be initially created with NewConfig().
// There is no further startup sequence; after New() derivations can be registered
// with RegisterDerivation() and executed with Run().
func New(ctx context.Context, config *Config) (t *Tabell, err error) {
	if config == nil || config.sources == nil || config.sinks == nil || config.derivers == nil {
		return nil, ErrConfigNotInitialized
	}
	t = &Tabell{}
	t.service, err = service.New(ctx, preProcessConfig(config))
	return t, err
}

// RegisterDerivation validates and registers the derivation spec in the registry, and
// assembles the runnable derivation from it with all its source, deriver and sink
// entities. If successful, the generated ID of the derivation is returned.
// Since entity config errors are reported when the entities are created, an invalid
// derive config is caught here rather than when the derivation runs.
// Registering a new version of an existing derivation replaces the previous one,
// provided the version number is incremented.
func (t *Tabell) RegisterDerivation(ctx context.Context, specData []byte) (id string, err error) {
	if t.service == nil {
		return id, ErrTabellNotInitialized
	}

	registry := t.service.Registry()
	spec, err := registry.Validate(specData)
	if err != nil {
		return id, errWithDetails(ErrInvalidDerivationSpec, err)
	}
	if spec.Namespace == protectedNamespace {
		return id, ErrProtectedDerivationId
	}

	exists, err := registry.ExistsWithSameOrHigherVersion(specData)
	if err != nil {
		return id, errWithDetails(ErrInternalDataProcessing, err)
	}
	if exists {
		return id, ErrSpecAlreadyExists
	}

	// Put first, since the registry adjusts the spec's ops config to the
	// configured environment before the derivation entities are created from it.
	if err = registry.Put(ctx, spec.Id(), spec); err != nil {
		return id, errWithDetails(ErrInternalDataProcessing, err)
	}

	if err = t.service.CreateDerivation(ctx, spec); err != nil {
		_ = registry.Delete(ctx, spec.Id())
		return id, errWithDetails(ErrInvalidDerivationSpec, err)
	}
	return spec.Id(), nil
}

// Run executes one full pass of the derivation with the provided ID: all sources are
// materialized concurrently into their named dependency tables, the deriver produces
// the derived table from them, and the result is stored in each of the derivation's
// sinks. The derived table is returned, also when the derivation has no sinks.
// Errors from the run are returned unwrapped, so failure types such as
// entity.ErrSchemaValidation can be matched directly with errors.Is().
func (t *Tabell) Run(ctx context.Context, derivationId string) (*entity.Table, error) {
	if t.service == nil {
		return nil, ErrTabellNotInitialized
	}
	runner, err := t.service.Runner(derivationId)
	if err != nil {
		return nil, errWithDetails(ErrInvalidDerivationId, err)
	}
	return runner.Run(ctx)
}

// Derive executes only the deriver of the derivation with the provided ID, on the
// externally provided dependency tables, bypassing the derivation's own sources
// and sinks. This is the direct client-side execution path, e.g. for specs without
// sources.
func (t *Tabell) Derive(ctx context.Context, derivationId string, deps entity.Dependencies) (*entity.Table, error) {
	if t.service == nil {
		return nil, ErrTabellNotInitialized
	}
	runner, err := t.service.Runner(derivationId)
	if err != nil {
		return nil, errWithDetails(ErrInvalidDerivationId, err)
	}
	return runner.Derive(ctx, deps)
}

// GetDerivationSpec returns the registered spec for a specific derivation ID.
func (t *Tabell) GetDerivationSpec(ctx context.Context, derivationId string) (specData []byte, err error) {
	if t.service == nil {
		return nil, ErrTabellNotInitialized
	}
	spec, err := t.service.Registry().Get(ctx, derivationId)
	if err != nil {
		return nil, errWithDetails(ErrInvalidDerivationId, err)
	}
	return spec.JSON(), nil
}

// GetDerivationSpecs returns all registered derivation specs, keyed by derivation ID.
func (t *Tabell) GetDerivationSpecs(ctx context.Context) (specs map[string][]byte, err error) {
	if t.service == nil {
		return nil, ErrTabellNotInitialized
	}
	specs = make(map[string][]byte)
	specsFromReg, err := t.service.Registry().GetAll(ctx)
	if err != nil {
		return nil, err
	}

	for id, spec := range specsFromReg {
		specs[id] = spec.JSON()
	}
	return
}

// ValidateDerivationSpec returns the derivation ID of the provided spec if the spec
// is valid, and an error otherwise.
func (t *Tabell) ValidateDerivationSpec(specData []byte) (derivationId string, err error) {
	if t.service == nil {
		return derivationId, ErrTabellNotInitialized
	}

	spec, err := t.service.Registry().Validate(specData)
	if err != nil {
		return derivationId, errWithDetails(ErrInvalidDerivationSpec, err)
	}

	if spec.Namespace == protectedNamespace {
		return derivationId, ErrProtectedDerivationId
	}

	return spec.Id(), nil
}

// Entities returns the IDs of all registered source/deriver/sink types.
// The keys for the first map are:
//
//	"source"
//	"deriver"
//	"sink"
//
// Each of those keys holds the id/name of the entity types that have been registered.
//
// Example of output if marshalled to JSON:
//
//	{"deriver":{"select":true},"sink":{"void":true},"source":{"inline":true,"rowsim":true}}
func (t *Tabell) Entities() map[string]map[string]bool {
	if t.service == nil {
		return nil
	}
	return t.service.Entities()
}

// Metrics returns a snapshot of the metrics of all registered derivations, keyed by
// derivation ID.
func (t *Tabell) Metrics() map[string]entity.Metrics {
	if t.service == nil {
		return nil
	}
	return t.service.Metrics()
}

// NotifyChannel returns the channel used by Tabell to send notification and log
// events, to be used when Ops.Log is disabled in the Tabell config.
func (t *Tabell) NotifyChannel() (entity.NotifyChan, error) {
	if t.service == nil {
		return nil, ErrTabellNotInitialized
	}
	return t.service.NotifyChannel(), nil
}

// Shutdown should be called when the app is terminating. It rejects future runs and
// shuts down all derivations and their registered entity factories.
func (t *Tabell) Shutdown(ctx context.Context) error {
	if t.service == nil {
		return ErrTabellNotInitialized
	}
	return t.service.Shutdown(ctx)
}

// EnrichEvent is a convenience function that could be used for event enrichment
// purposes inside a hook function as specified in tabell.Config.Hooks, or when
// building JSON events for derivations with inline/jsonExtract processing.
// It's a wrapper on the sjson package. See doc at https://github.com/tidwall/sjson.
func EnrichEvent(event []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(event, path, value)
}

func errWithDetails(err error, errDetails error) error {
	return fmt.Errorf("%w, details: %v", err, errDetails)
}
