// Package projection implements the snapshot projection engine: folding
// decrypted events into aggregate state, persisted as JSON plus optional
// denormalized columns, with idempotent-by-position, row-locked upserts.
package projection

import "github.com/wataruoguchi/emmett-go/internal/eventlog"

// ExtractKeysFunc computes the primary-key column values for an event. The
// set of keys it returns must be the same on every call for a given
// Spec instance; the engine enforces this per table name (see
// Engine.checkKeySet).
type ExtractKeysFunc func(event eventlog.Message, partition string) map[string]string

// EvolveFunc folds one event into aggregate state.
type EvolveFunc func(state interface{}, event eventlog.Message) interface{}

// InitialStateFunc produces the zero-value aggregate state.
type InitialStateFunc func() interface{}

// MapToColumnsFunc derives denormalized columns from aggregate state. Called
// exactly once per applied event, after evolving and before the upsert.
type MapToColumnsFunc func(state interface{}) map[string]interface{}

// Spec parameterizes one projection.
type Spec struct {
	TableName    string
	ExtractKeys  ExtractKeysFunc
	Evolve       EvolveFunc
	InitialState InitialStateFunc
	MapToColumns MapToColumnsFunc // optional
}
