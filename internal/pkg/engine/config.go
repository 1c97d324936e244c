package engine

import (
	"github.com/zpiroux/tabell/entity"
)

// Config holds the cross-derivation engine config, assembled by the Service
// from the Tabell build config. The same Config is given to all Runners.
type Config struct {
	NotifyChan         entity.NotifyChan
	Log                bool
	PreDeriveHookFunc  entity.PreDeriveHookFunc
	PostDeriveHookFunc entity.PostDeriveHookFunc
}
