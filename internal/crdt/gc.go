package crdt

import (
	"time"

	"github.com/google/uuid"
)

// gcCheck runs the lazy garbage collection pass described in spec.md §4.1
// "Garbage collection", guarded by a minimum interval so a burst of local
// updates doesn't re-scan every key on every single operation. Caller must
// hold e.mu.
func (e *Engine) gcCheck() {
	now := time.Now()
	if now.Sub(e.lastGC) < e.limits.GCMinInterval {
		return
	}
	e.lastGC = now

	compacted := false
	for key, ops := range e.keyOperations {
		if e.compactKey(key, ops, now) {
			compacted = true
		}
	}
	if compacted && e.recorder != nil {
		e.recorder.CRDTGCRun()
	}
}

// compactKey replaces the oldest prefix of ops whose uuids were first
// learned more than GCMinAge ago with a single synthetic set operation
// carrying the folded value of that prefix, provided the key has at least
// 5 operations and the qualifying prefix is non-empty. This never changes
// the materialized value: fold(prefix) == fold([synthetic set]).
func (e *Engine) compactKey(key string, ops []*Operation, now time.Time) bool {
	if len(ops) < 5 {
		return false
	}

	prefixLen := 0
	for _, op := range ops {
		learnedAt, ok := e.opTimestamps[op.UUID]
		if !ok || now.Sub(learnedAt) < e.limits.GCMinAge {
			break
		}
		prefixLen++
	}
	if prefixLen < 1 {
		return false
	}

	prefix := ops[:prefixLen]
	folded := fold(prefix)
	lastRemoved := prefix[len(prefix)-1]

	synthetic := &Operation{
		UUID:          uuid.NewString(),
		SourceReplica: e.replicaID,
		VectorClock:   lastRemoved.VectorClock.Clone(),
		Type:          OpSet,
		Value:         folded,
	}
	e.opTimestamps[synthetic.UUID] = now
	for _, removed := range prefix {
		delete(e.opTimestamps, removed.UUID)
	}

	compacted := make([]*Operation, 0, len(ops)-prefixLen+1)
	compacted = append(compacted, synthetic)
	compacted = append(compacted, ops[prefixLen:]...)
	e.keyOperations[key] = compacted

	// GC must never alter the materialized value (spec.md §4.1); re-fold
	// to keep propertyStore byte-identical to its pre-compaction value.
	e.rematerialize(key)
	return true
}
