package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Canonical value handling.
//
// Message data and metadata are map[string]any restricted to the canonical
// value set: nil, int64, float64, bool, string, []any, map[string]any.
// Values of other numeric widths are accepted on write and normalized on
// the way into fingerprints and checkpoints so that a value written as
// int(3) and one decoded from JSON as float64(3) hash identically.
//
// All serialization that feeds idempotency fingerprints or checkpoints
// goes through CanonicalJSON, which emits object keys in sorted order.

// NormalizeValue converts v into the canonical value set. Integral floats
// and all signed/unsigned integer widths collapse to int64; other floats
// become float64. Maps and slices are normalized recursively. Unknown
// types fall back to their fmt.Sprintf("%v") string form.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, int64:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NormalizeValue(e)
		}
		return out
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map:
			if rv.Type().Key().Kind() == reflect.String {
				out := make(map[string]any, rv.Len())
				for _, k := range rv.MapKeys() {
					out[k.String()] = NormalizeValue(rv.MapIndex(k).Interface())
				}
				return out
			}
		case reflect.Slice, reflect.Array:
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = NormalizeValue(rv.Index(i).Interface())
			}
			return out
		}
		return fmt.Sprintf("%v", v)
	}
}

// normalizeFloat collapses integral floats to int64 so JSON round-trips
// do not change a value's canonical encoding.
func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < float64(math.MaxInt64) {
		return int64(f)
	}
	return f
}

// CanonicalJSON serializes v deterministically: object keys are emitted
// in sorted order and numbers are normalized via NormalizeValue. The
// output is stable across processes, which keeps idempotency fingerprints
// replay-safe.
func CanonicalJSON(v any) ([]byte, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, NormalizeValue(v)); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}

// Fingerprint computes the idempotency fingerprint for one node attempt.
//
// The fingerprint is a SHA-256 over (runID, nodeID, attempt, canonical
// inputs) and uniquely identifies an attempt: for any (runID, nodeID,
// attempt) pair with identical inputs the fingerprint is identical, so a
// store can deduplicate in-flight and completed work.
//
// Format: "sha256:" + hex digest.
func Fingerprint(runID, nodeID string, attempt int, inputs map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	h.Write([]byte{0})

	var attemptBytes [8]byte
	binary.BigEndian.PutUint64(attemptBytes[:], uint64(attempt))
	h.Write(attemptBytes[:])

	canonical, err := CanonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("fingerprint inputs: %w", err)
	}
	h.Write(canonical)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// copyMap returns a shallow copy of m. Nested values are treated as
// immutable by convention; mutating code must replace, not modify.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// lookupPath resolves a dotted path against m with the precedence rules
// of Message.GetData:
//
//  1. A flat key containing the literal dots wins over nested traversal.
//  2. Otherwise the path is split on "."; a blank segment yields nil.
//  3. An intermediate value that is not a map yields nil.
//  4. Map implementations other than map[string]any still work as long
//     as the key type is string (duck-typed map access via reflection).
func lookupPath(m map[string]any, path string) any {
	if m == nil {
		return nil
	}
	if v, ok := m[path]; ok {
		return v
	}
	if !strings.Contains(path, ".") {
		return nil
	}

	segments := strings.Split(path, ".")
	var current any = m
	for _, seg := range segments {
		if seg == "" {
			return nil
		}
		next, ok := mapIndex(current, seg)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// mapIndex reads key from v if v is any map keyed by strings.
func mapIndex(v any, key string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		val, ok := t[key]
		return val, ok
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	val := rv.MapIndex(reflect.ValueOf(key))
	if !val.IsValid() {
		return nil, false
	}
	return val.Interface(), true
}
