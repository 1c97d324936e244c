package service

import (
	"errors"

	"github.com/zpiroux/tabell/internal/pkg/assembly"
	"github.com/zpiroux/tabell/internal/pkg/engine"
	"github.com/zpiroux/tabell/internal/pkg/registry"
)

func (s *Service) initConfig(config Config) error {
	s.config = config
	if len(config.Entity.Derivers) == 0 {
		return errors.New("no deriver factories registered")
	}
	return nil
}

func (s *Service) initRegistry() {
	s.registry = registry.NewDerivationRegistry(s.config.Registry, s.config.Engine.NotifyChan, s.config.Engine.Log)
}

func (s *Service) initEngine() {
	s.config.Entity.RegisterPlatformFactories()
	s.entityFactory = assembly.NewEntityFactory(s.config.Entity)
	s.builder = engine.NewDerivationBuilder(s.entityFactory)
	s.archivist = newRunnerArchivist()
}
