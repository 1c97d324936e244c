package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/internal/pkg/assembly"
	"github.com/zpiroux/tabell/internal/pkg/engine"
	"github.com/zpiroux/tabell/internal/pkg/itabell"
	"github.com/zpiroux/tabell/internal/pkg/registry"
)

// Service is responsible for creating and injecting concrete implementations
// of the various parts required by Tabell to function.
type Service struct {
	config        Config
	entityFactory *assembly.EntityFactory
	registry      *registry.DerivationRegistry
	builder       *engine.DerivationBuilder
	archivist     *runnerArchivist
}

type Config struct {
	Registry registry.Config
	Engine   engine.Config
	Entity   assembly.Config
}

func (c Config) Close() error {
	return c.Entity.Close()
}

func New(ctx context.Context, cfg Config) (*Service, error) {

	var s Service
	if err := s.initConfig(cfg); err != nil {
		return nil, err
	}
	s.initRegistry()
	s.initEngine()
	return &s, nil
}

// CreateDerivation assembles the entities for the provided spec and creates
// the Runner executing it. A derivation marked as disabled in its spec gets
// no Runner. If a Runner already exists for this derivation ID, e.g. from
// registration of a previous spec version, it is shut down and replaced.
func (s *Service) CreateDerivation(ctx context.Context, spec *entity.Spec) error {

	if spec.IsDisabled() {
		return nil
	}

	derivation, err := s.builder.Build(ctx, spec)
	if err != nil {
		return err
	}
	runner := engine.NewRunner(s.config.Engine, derivation)
	if runner == nil {
		return fmt.Errorf("could not create runner for derivation %s", spec.Id())
	}

	runnerMap := s.archivist.GrantExclusiveAccess()
	defer s.archivist.RevokeExclusiveAccess()
	if existing, ok := (*runnerMap)[spec.Id()]; ok {
		existing.Shutdown(ctx)
	}
	(*runnerMap)[spec.Id()] = runner
	return nil
}

// Runner returns the Runner executing the derivation with the provided ID.
func (s *Service) Runner(derivationId string) (itabell.Runner, error) {
	runner := s.archivist.Get(derivationId)
	if runner == nil {
		return nil, fmt.Errorf("no derivation found with id '%s'", derivationId)
	}
	return runner, nil
}

// Run executes one full cycle of the derivation with the provided ID and
// returns the derived table.
func (s *Service) Run(ctx context.Context, derivationId string) (*entity.Table, error) {
	runner, err := s.Runner(derivationId)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx)
}

// Derive executes only the deriver of the derivation with the provided ID, on
// externally provided dependency tables.
func (s *Service) Derive(ctx context.Context, derivationId string, deps entity.Dependencies) (*entity.Table, error) {
	runner, err := s.Runner(derivationId)
	if err != nil {
		return nil, err
	}
	return runner.Derive(ctx, deps)
}

// Metrics returns the metrics of all created Runners, keyed by derivation ID.
func (s *Service) Metrics() map[string]entity.Metrics {

	runnerMap := s.archivist.GrantExclusiveAccess()
	defer s.archivist.RevokeExclusiveAccess()

	metrics := make(map[string]entity.Metrics, len(*runnerMap))
	for id, runner := range *runnerMap {
		metrics[id] = runner.Metrics()
	}
	return metrics
}

func (s *Service) Registry() *registry.DerivationRegistry {
	return s.registry
}

// Entities returns the IDs of all registered source/sink/deriver types, keyed
// on entity category ("source", "sink" and "deriver").
func (s *Service) Entities() map[string]map[string]bool {

	entities := map[string]map[string]bool{
		"source":  make(map[string]bool),
		"sink":    make(map[string]bool),
		"deriver": make(map[string]bool),
	}
	for id := range s.config.Entity.Sources {
		entities["source"][id] = true
	}
	for id := range s.config.Entity.Sinks {
		entities["sink"][id] = true
	}
	for id := range s.config.Entity.Derivers {
		entities["deriver"][id] = true
	}
	return entities
}

func (s *Service) NotifyChannel() entity.NotifyChan {
	return s.config.Engine.NotifyChan
}

// Shutdown shuts down all Runners and closes the registered entity factories.
func (s *Service) Shutdown(ctx context.Context) error {

	runnerMap := s.archivist.GrantExclusiveAccess()
	defer s.archivist.RevokeExclusiveAccess()

	for _, runner := range *runnerMap {
		runner.Shutdown(ctx)
	}
	return s.config.Close()
}

// runnerArchivist is the keeper of all created Runners.
type runnerArchivist struct {
	r      RunnerMap
	rMutex *sync.Mutex
}

// RunnerMap holds a single Runner per derivation ID.
type RunnerMap map[string]itabell.Runner

func newRunnerArchivist() *runnerArchivist {
	return &runnerArchivist{
		r:      make(RunnerMap),
		rMutex: &sync.Mutex{},
	}
}

func (a *runnerArchivist) Get(id string) itabell.Runner {
	defer a.rMutex.Unlock()
	a.rMutex.Lock()
	return a.r[id]
}

func (a *runnerArchivist) GrantExclusiveAccess() *RunnerMap {
	a.rMutex.Lock()
	return &a.r
}

func (a *runnerArchivist) RevokeExclusiveAccess() {
	a.rMutex.Unlock()
}
