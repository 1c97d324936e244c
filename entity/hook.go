package entity

import "context"

type HookAction int

const (
	HookActionInvalid          HookAction = iota // default, not to be used
	HookActionProceed                            // continue processing of this run
	HookActionSkip                               // skip the rest of this run without error
	HookActionUnretryableError                   // let Tabell handle this run as failed
)

// PreDeriveHookFunc is a client-provided function which the derivation's runner
// calls after all sources have been materialized but before the deriver runs.
// This way the client could inspect or modify the input tables of each run
// before they are processed according to the derive part of the spec.
// Since errors in this func is solely part of the client domain there is no
// point in returning them to the Tabell runner. It is up to the client to
// decide appropriate actions to take, including optionally returning one of
// the HookAction error values.
// The derivation spec governing the provided tables is provided for context
// and filtering logic capabilities, since the function is called for all
// registered derivations.
type PreDeriveHookFunc func(ctx context.Context, spec *Spec, deps Dependencies) HookAction

// PostDeriveHookFunc serves the same purpose and functionality as the
// PreDeriveHookFunc but is called with the derived table, before it is sent
// to the sinks.
type PostDeriveHookFunc func(ctx context.Context, spec *Spec, table *Table) HookAction
