// Package ops defines the field-level operations exchanged between the
// local mirror and the remote store, and the single Apply function both
// sync directions use to converge on the same record state.
//
// Operations are deliberately small: a record is a flat map of fields,
// and an operation either overwrites some fields (set), appends one
// value to an array field without duplicating it (push), or removes all
// occurrences of a value from an array field (pull). Every operation is
// idempotent, which is what makes at-least-once delivery safe on both
// the outgoing and incoming paths.
package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// Operation type discriminators, as they appear on the wire.
const (
	TypeSet  = "set"
	TypePush = "push"
	TypePull = "pull"
)

// ErrUnknownOperation indicates an operation type this client does not
// understand. It signals a client/server schema mismatch and must not
// be retried.
var ErrUnknownOperation = errors.New("unknown operation type")

// Fields is the flat field map of a record.
type Fields map[string]any

// Operation is a tagged variant over set/push/pull.
//
// Exactly one shape is populated depending on Type:
//   - set:  Fields
//   - push: Field, Value
//   - pull: Field, Value
type Operation struct {
	Type   string `json:"type"`
	Fields Fields `json:"fields,omitempty"`
	Field  string `json:"field,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// Set builds a set operation over the given fields.
func Set(fields Fields) Operation {
	return Operation{Type: TypeSet, Fields: fields}
}

// Push builds a push operation appending value to an array field.
func Push(field string, value any) Operation {
	return Operation{Type: TypePush, Field: field, Value: value}
}

// Pull builds a pull operation removing value from an array field.
func Pull(field string, value any) Operation {
	return Operation{Type: TypePull, Field: field, Value: value}
}

// DatabaseOp targets one operation at one record in one collection.
// Each DatabaseOp is independently applicable; there is no cross-record
// atomicity.
type DatabaseOp struct {
	Collection  string    `json:"collection"`
	RecordID    string    `json:"record_id"`
	PartitionID string    `json:"partition_id"`
	Op          Operation `json:"op"`
}

// Apply runs op against current and returns the resulting field map.
//
// The input map is never mutated; the result is always a fresh map, so
// Apply can be re-run freely by both sync directions. Applying the same
// operation twice yields the same result as applying it once.
//
// Returns ErrUnknownOperation (wrapped) for an unrecognized type tag.
func Apply(op Operation, current Fields) (Fields, error) {
	next := make(Fields, len(current)+len(op.Fields))
	for k, v := range current {
		next[k] = v
	}

	switch op.Type {
	case TypeSet:
		for name, value := range op.Fields {
			if skipValue(value) {
				continue
			}
			next[name] = value
		}

	case TypePush:
		arr := arrayField(next, op.Field)
		for _, v := range arr {
			if valueEqual(v, op.Value) {
				next[op.Field] = arr
				return next, nil
			}
		}
		next[op.Field] = append(arr, op.Value)

	case TypePull:
		arr := arrayField(next, op.Field)
		kept := make([]any, 0, len(arr))
		for _, v := range arr {
			if !valueEqual(v, op.Value) {
				kept = append(kept, v)
			}
		}
		next[op.Field] = kept

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Type)
	}

	return next, nil
}

// skipValue reports whether a set value must be ignored rather than
// written. Absent, null and NaN values never clear fields.
func skipValue(v any) bool {
	if v == nil {
		return true
	}
	switch f := v.(type) {
	case float64:
		return math.IsNaN(f)
	case float32:
		return math.IsNaN(float64(f))
	}
	return false
}

// arrayField returns the named field as a slice, defaulting to an empty
// one when the field is missing or not an array. A copy is returned so
// the caller can append without aliasing the input map's slice.
func arrayField(fields Fields, name string) []any {
	raw, ok := fields[name]
	if !ok {
		return []any{}
	}
	arr, ok := raw.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, len(arr))
	copy(out, arr)
	return out
}

// valueEqual compares two field values the way JSON does: numbers
// compare across Go numeric types, everything else by deep equality.
func valueEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
