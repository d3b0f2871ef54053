// Package state persists the router's durable counters and the task
// projection, and rebuilds both from the append-only logs after a crash.
package state

import (
	"teamrouter/internal/model"
	"teamrouter/internal/storage"
)

// LoadRouterState reads the (epoch, last_seq) snapshot; a missing file yields
// the zero state.
func LoadRouterState(layout storage.Layout) (model.RouterState, error) {
	var state model.RouterState
	_, err := storage.ReadJSON(layout.RouterStatePath(), &state)
	if err != nil {
		return model.RouterState{}, err
	}
	return state, nil
}

// SaveRouterState atomically persists the counter snapshot.
func SaveRouterState(layout storage.Layout, state model.RouterState) error {
	return storage.WriteJSONAtomic(layout.RouterStatePath(), state)
}

// IncrementEpoch bumps the epoch, keeping last_seq intact.
func IncrementEpoch(state model.RouterState) model.RouterState {
	state.Epoch++
	return state
}

// AdvanceSeq allocates the next sequence number at the given timestamp.
func AdvanceSeq(state model.RouterState, tsMs int64) model.RouterState {
	state.LastSeq++
	state.LastTS = tsMs
	return state
}
