package crdt

import (
	"encoding/json"
	"reflect"
)

// OpType enumerates the CRDT operation kinds from spec.md §3.
type OpType int

const (
	OpSet OpType = iota
	OpArrayAdd
	OpArrayAddUnique
	OpArrayRemoveMatching
	OpArrayUpdateMatching
)

// String renders the op type for logging.
func (t OpType) String() string {
	switch t {
	case OpSet:
		return "set"
	case OpArrayAdd:
		return "array-add"
	case OpArrayAddUnique:
		return "array-add-unique"
	case OpArrayRemoveMatching:
		return "array-remove-matching"
	case OpArrayUpdateMatching:
		return "array-update-matching"
	default:
		return "unknown"
	}
}

// Operation is a single CRDT mutation record, per spec.md §3.
type Operation struct {
	UUID          string      `json:"uuid"`
	SourceReplica string      `json:"sourceReplica"`
	VectorClock   VectorClock `json:"-"`
	Type          OpType      `json:"type"`
	Value         interface{} `json:"value,omitempty"`
	UpdateValue   interface{} `json:"updateValue,omitempty"`
}

// wireOperation is the JSON-serializable shape of an Operation; VectorClock
// is opaque to encoding/json so it is carried as an ordered pair-sequence.
type wireOperation struct {
	UUID          string       `json:"uuid"`
	SourceReplica string       `json:"sourceReplica"`
	VectorClock   []ClockEntry `json:"vectorClock"`
	Type          OpType       `json:"type"`
	Value         interface{}  `json:"value,omitempty"`
	UpdateValue   interface{}  `json:"updateValue,omitempty"`
}

func (op *Operation) toWire() wireOperation {
	return wireOperation{
		UUID:          op.UUID,
		SourceReplica: op.SourceReplica,
		VectorClock:   op.VectorClock.Entries(),
		Type:          op.Type,
		Value:         op.Value,
		UpdateValue:   op.UpdateValue,
	}
}

func operationFromWire(w wireOperation) *Operation {
	return &Operation{
		UUID:          w.UUID,
		SourceReplica: w.SourceReplica,
		VectorClock:   ClockFromEntries(w.VectorClock),
		Type:          w.Type,
		Value:         w.Value,
		UpdateValue:   w.UpdateValue,
	}
}

// DecodeOperation rebuilds an Operation from the generic interface{} a
// wire.Codec hands back for an update_property frame's "operation" field.
func DecodeOperation(raw interface{}) (*Operation, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return operationFromWire(w), nil
}

// DecodeVectorClock rebuilds a VectorClock from the generic interface{} a
// wire.Codec hands back for an update_property frame's "vectorClock" field.
func DecodeVectorClock(raw interface{}) (VectorClock, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return VectorClock{}, err
	}
	var entries []ClockEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return VectorClock{}, err
	}
	return ClockFromEntries(entries), nil
}

// compare implements the total causal order over operations from
// spec.md §4.1 ("Causal ordering"). It returns a negative number if a
// sorts before b, a positive number if a sorts after b, and 0 if they are
// indistinguishable under the ordering (which only happens for the same
// operation, since source replica is a final tie-break).
func compare(a, b *Operation) int {
	switch {
	case a.VectorClock.Dominates(b.VectorClock):
		return 1
	case b.VectorClock.Dominates(a.VectorClock):
		return -1
	}

	am, bm := a.VectorClock.MaxCounter(), b.VectorClock.MaxCounter()
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}

	if a.SourceReplica != b.SourceReplica {
		if a.SourceReplica < b.SourceReplica {
			return -1
		}
		return 1
	}
	return 0
}

// fold materializes a value by applying ops in order, starting from nil.
func fold(ops []*Operation) interface{} {
	var acc interface{}
	for _, op := range ops {
		acc = apply(acc, op)
	}
	return acc
}

// apply folds a single operation onto an accumulator, per the
// "Materialization" rules of spec.md §4.1.
func apply(acc interface{}, op *Operation) interface{} {
	switch op.Type {
	case OpSet:
		return op.Value
	case OpArrayAdd:
		return append(coerceArray(acc), op.Value)
	case OpArrayAddUnique:
		arr := coerceArray(acc)
		for _, elem := range arr {
			if equalValues(elem, op.Value) {
				return arr
			}
		}
		return append(arr, op.Value)
	case OpArrayRemoveMatching:
		arr := coerceArray(acc)
		out := make([]interface{}, 0, len(arr))
		for _, elem := range arr {
			if !equalValues(elem, op.Value) {
				out = append(out, elem)
			}
		}
		return out
	case OpArrayUpdateMatching:
		arr := coerceArray(acc)
		out := make([]interface{}, len(arr))
		copy(out, arr)
		for i, elem := range out {
			if equalValues(elem, op.Value) {
				out[i] = op.UpdateValue
				break
			}
		}
		return out
	default:
		return acc
	}
}

// coerceArray implements the "array-op auto-coercion" design note
// (spec.md §9): applying an array-* op to a non-sequence current value
// coerces the accumulator to an empty sequence first.
func coerceArray(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		return append([]interface{}(nil), arr...)
	}
	return []interface{}{}
}

// equalValues implements the "-matching" equality rule of spec.md §4.1 and
// §9: deep structural equality for maps/slices, plain equality for
// primitives. reflect.DeepEqual gives both in one call, and treats Go maps
// as order-independent, so canonical key ordering falls out for free.
func equalValues(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
