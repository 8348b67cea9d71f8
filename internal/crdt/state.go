package crdt

import (
	"sort"
	"time"
)

// KeyLog is one entry of the ordered (key, [operations]) pair-sequence
// produced by ExportState, per spec.md §4.1 "Full-state export".
type KeyLog struct {
	Key        string
	Operations []*Operation
}

// State is the deep, serializable snapshot returned by ExportState and
// consumed by ImportState.
type State struct {
	Keys  []KeyLog
	Clock []ClockEntry
}

// ExportState returns a deep snapshot of the operation log and vector
// clock, suitable for transport to a joining or reconnecting client.
func (e *Engine) ExportState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.keyOperations))
	for k := range e.keyOperations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	logs := make([]KeyLog, 0, len(keys))
	for _, k := range keys {
		ops := e.keyOperations[k]
		cloned := make([]*Operation, len(ops))
		for i, op := range ops {
			opCopy := *op
			opCopy.VectorClock = op.VectorClock.Clone()
			cloned[i] = &opCopy
		}
		logs = append(logs, KeyLog{Key: k, Operations: cloned})
	}

	return State{Keys: logs, Clock: e.vectorClock.Entries()}
}

// ImportState replaces the whole operation log and vector clock atomically,
// per spec.md §4.1 "Full-state import". Used by a client on join and on
// reconnection.
func (e *Engine) ImportState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.keyOperations = make(map[string][]*Operation, len(state.Keys))
	e.propertyStore = make(map[string]interface{}, len(state.Keys))
	e.opTimestamps = make(map[string]time.Time)

	now := time.Now()
	for _, kl := range state.Keys {
		ops := make([]*Operation, len(kl.Operations))
		for i, op := range kl.Operations {
			opCopy := *op
			opCopy.VectorClock = op.VectorClock.Clone()
			ops[i] = &opCopy
			e.opTimestamps[op.UUID] = now
		}
		e.keyOperations[kl.Key] = ops
		e.rematerialize(kl.Key)
	}

	e.vectorClock = ClockFromEntries(state.Clock)
	e.vectorClock.EnsureReplica(e.replicaID)
}

// SeedSet applies an initial set of key/value pairs as a sequence of local
// set operations, used by the Room Registry to seed a newly created room's
// initial_storage (spec.md §4.3 "create").
func (e *Engine) SeedSet(initial map[string]interface{}) error {
	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := e.UpdateProperty(k, OpSet, initial[k], nil); err != nil {
			return err
		}
	}
	return nil
}
