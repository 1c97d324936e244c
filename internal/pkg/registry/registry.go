package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

type Config struct {

	// Specifies which environment string to match against derivation specs using
	// the OpsPerEnv part of the spec. If empty it is disregarded.
	Env string
}

// DerivationRegistry holds the specs of all registered derivations, as registered
// with the Tabell API RegisterDerivation(). Specs are kept in-memory only and live
// for the lifetime of the host service.
type DerivationRegistry struct {
	config   Config
	specs    map[string]*entity.Spec
	mutex    sync.RWMutex
	notifier *notify.Notifier
}

func NewDerivationRegistry(config Config, notifyChan entity.NotifyChan, logging bool) *DerivationRegistry {

	r := &DerivationRegistry{
		config: config,
		specs:  make(map[string]*entity.Spec),
	}

	var log *logger.Log
	if logging {
		log = logger.New()
	}
	r.notifier = notify.New(notifyChan, log, 2, "registry", "default", "")

	return r
}

func (r *DerivationRegistry) Put(ctx context.Context, id string, spec *entity.Spec) (err error) {
	spec, err = r.adjustOpsConfig(spec)
	if err != nil {
		return err
	}
	r.mutex.Lock()
	r.specs[id] = spec
	r.mutex.Unlock()
	r.notifier.Notify(entity.NotifyLevelDebug, "Spec %s (version %d) registered", id, spec.Version)
	return nil
}

// adjustOpsConfig sets the desired ops config based on current environment, if specified.
func (r *DerivationRegistry) adjustOpsConfig(spec *entity.Spec) (*entity.Spec, error) {
	if spec.OpsPerEnv == nil || r.config.Env == "" {
		return spec, nil
	}
	ops, ok := spec.OpsPerEnv[r.config.Env]
	if !ok {
		specEnvs := make([]string, 0, len(spec.OpsPerEnv))
		for k := range spec.OpsPerEnv {
			specEnvs = append(specEnvs, k)
		}
		return spec, fmt.Errorf("invalid environment field match in spec %s, Registry env: %s, Spec envs: %v", spec.Id(), r.config.Env, specEnvs)
	}
	spec.Ops = ops
	spec.Ops.EnsureValidDefaults()
	return spec, nil
}

func (r *DerivationRegistry) Get(ctx context.Context, id string) (*entity.Spec, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if spec, ok := r.specs[id]; ok {
		return spec, nil
	}
	return nil, fmt.Errorf("spec not found")
}

// GetAll returns a copy of the spec map, so the caller can range over it freely
// while registrations continue.
func (r *DerivationRegistry) GetAll(ctx context.Context) (map[string]*entity.Spec, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	specs := make(map[string]*entity.Spec, len(r.specs))
	for id, spec := range r.specs {
		specs[id] = spec
	}
	return specs, nil
}

func (r *DerivationRegistry) Delete(ctx context.Context, id string) error {
	r.mutex.Lock()
	delete(r.specs, id)
	r.mutex.Unlock()
	r.notifier.Notify(entity.NotifyLevelInfo, "Spec %s deleted from registry", id)
	return nil
}

func (r *DerivationRegistry) Exists(id string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, exists := r.specs[id]
	return exists
}

func (r *DerivationRegistry) ExistsWithSameOrHigherVersion(specData []byte) (bool, error) {
	spec, err := entity.NewSpec(specData)
	if err != nil {
		return false, err
	}
	r.mutex.RLock()
	existingSpec, exists := r.specs[spec.Id()]
	r.mutex.RUnlock()
	if !exists {
		return false, nil
	}

	if spec.Version <= existingSpec.Version {
		return true, nil
	}

	return false, nil
}

func (r *DerivationRegistry) Validate(specData []byte) (*entity.Spec, error) {
	return entity.NewSpec(specData)
}
