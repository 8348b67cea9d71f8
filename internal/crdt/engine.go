// Package crdt implements the per-room replicated document: a per-key
// operation log, a vector clock, a materialized value store, and the
// compaction (GC) machinery that keeps the log bounded.
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/roomsync/internal/sanitize"
)

// Limits bounds the engine's size caps, supplied by the owning Room Registry
// from config.RoomConfig so the engine package stays config-agnostic.
type Limits struct {
	MaxKeys        int
	MaxValueBytes  int
	GCMinInterval  time.Duration
	GCMinAge       time.Duration
}

// Engine owns one room's (or one client's) replicated document.
type Engine struct {
	mu sync.RWMutex

	replicaID string
	limits    Limits

	keyOperations map[string][]*Operation
	vectorClock   VectorClock
	propertyStore map[string]interface{}
	lastStore     map[string]interface{}
	opTimestamps  map[string]time.Time

	lastGC   time.Time
	recorder Recorder
}

// Recorder receives CRDT operation and GC counts for the /metrics surface.
// A nil Recorder is valid; every call site guards against it.
type Recorder interface {
	CRDTOperation(opType, origin string)
	CRDTGCRun()
}

// WithRecorder attaches a metrics Recorder, returning the Engine for
// chaining at construction time.
func (e *Engine) WithRecorder(recorder Recorder) *Engine {
	e.recorder = recorder
	return e
}

// New constructs an Engine with a fresh, globally unique replica id.
func New(limits Limits) *Engine {
	return NewWithReplicaID(uuid.NewString(), limits)
}

// NewWithReplicaID constructs an Engine anchored to a caller-supplied replica
// id, used by the Room Registry which mints one replica id per room.
func NewWithReplicaID(replicaID string, limits Limits) *Engine {
	return &Engine{
		replicaID:     replicaID,
		limits:        limits,
		keyOperations: make(map[string][]*Operation),
		vectorClock:   NewVectorClock(),
		propertyStore: make(map[string]interface{}),
		lastStore:     make(map[string]interface{}),
		opTimestamps:  make(map[string]time.Time),
	}
}

// ReplicaID returns this engine's replica identity.
func (e *Engine) ReplicaID() string {
	return e.replicaID
}

// Update is the exportable record returned by UpdateProperty, carried to
// transport per spec.md §4.1 step 7.
type Update struct {
	Key         string
	Operation   *Operation
	VectorClock VectorClock
}

// UpdateProperty applies a local mutation to key and returns the export
// record for transport, per spec.md §4.1 "Local update path".
func (e *Engine) UpdateProperty(key string, opType OpType, value, updateValue interface{}) (*Update, error) {
	cleanValue, err := e.sanitizeValue(value)
	if err != nil {
		return nil, err
	}
	cleanUpdate, err := e.sanitizeValue(updateValue)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.keyOperations[key]; !exists && len(e.keyOperations) >= e.limits.MaxKeys {
		return nil, fmt.Errorf("crdt: key cap reached")
	}

	e.vectorClock.Increment(e.replicaID)

	op := &Operation{
		UUID:          uuid.NewString(),
		SourceReplica: e.replicaID,
		VectorClock:   e.vectorClock.Clone(),
		Type:          opType,
		Value:         cleanValue,
		UpdateValue:   cleanUpdate,
	}

	e.keyOperations[key] = append(e.keyOperations[key], op)
	e.rematerialize(key)
	e.opTimestamps[op.UUID] = time.Now()
	e.gcCheck()
	if e.recorder != nil {
		e.recorder.CRDTOperation(opType.String(), "local")
	}

	return &Update{Key: key, Operation: op, VectorClock: e.vectorClock.Clone()}, nil
}

// ImportRecord is the inbound shape of an update_property frame's payload,
// per spec.md §6.
type ImportRecord struct {
	Key         string
	Operation   *Operation
	VectorClock VectorClock
}

// ImportPropertyUpdate merges a peer's operation into the log, per
// spec.md §4.1 "Import path". It is idempotent: importing the same
// operation uuid twice is a no-op the second time.
func (e *Engine) ImportPropertyUpdate(rec ImportRecord) error {
	cleanValue, err := sanitize.Walk(rec.Operation.Value, e.limits.MaxValueBytes)
	if err != nil {
		return err
	}
	cleanUpdate, err := sanitize.Walk(rec.Operation.UpdateValue, e.limits.MaxValueBytes)
	if err != nil {
		return err
	}
	rec.Operation.Value = cleanValue
	rec.Operation.UpdateValue = cleanUpdate

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.keyOperations[rec.Key]; !exists && len(e.keyOperations) >= e.limits.MaxKeys {
		return fmt.Errorf("crdt: key cap reached")
	}

	e.vectorClock.MergeMax(rec.VectorClock)

	ops := e.keyOperations[rec.Key]
	for _, existing := range ops {
		if existing.UUID == rec.Operation.UUID {
			return nil
		}
	}
	ops = append(ops, rec.Operation)
	sort.SliceStable(ops, func(i, j int) bool { return compare(ops[i], ops[j]) < 0 })
	e.keyOperations[rec.Key] = ops

	e.opTimestamps[rec.Operation.UUID] = time.Now()
	e.rematerialize(rec.Key)
	e.gcCheck()
	if e.recorder != nil {
		e.recorder.CRDTOperation(rec.Operation.Type.String(), "import")
	}
	return nil
}

// sanitizeValue runs one of value or updateValue through the shared
// sanitizer, treating a nil input as trivially clean (most ops only use one
// of the two fields).
func (e *Engine) sanitizeValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	return sanitize.Walk(v, e.limits.MaxValueBytes)
}

// rematerialize folds keyOperations[key] into propertyStore[key]. Caller
// must hold e.mu.
func (e *Engine) rematerialize(key string) {
	e.propertyStore[key] = fold(e.keyOperations[key])
}

// GetProperty returns the current materialized value for key.
func (e *Engine) GetProperty(key string) interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.propertyStore[key]
}

// GetState returns a deep snapshot of the whole materialized store.
func (e *Engine) GetState() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return deepCopyMap(e.propertyStore)
}

// DidPropertiesChange is a consume-once check: it reports whether the
// materialized store differs from the last-observed snapshot, updating the
// snapshot as a side effect, per spec.md §4.1 "Change detection".
func (e *Engine) DidPropertiesChange() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := !structurallyEqual(e.propertyStore, e.lastStore)
	e.lastStore = deepCopyMap(e.propertyStore)
	return changed
}

func structurallyEqual(a, b map[string]interface{}) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(m)
	if err != nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return make(map[string]interface{})
	}
	return out
}
