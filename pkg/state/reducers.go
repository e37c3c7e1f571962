package state

import "fmt"

// Replace declares a last-write-wins channel. This is the default merge
// strategy and must not be written from concurrent fan-out instances.
func Replace(name string, initial any) Channel {
	return Channel{
		Name:    name,
		Initial: initial,
		Reduce: func(current, update any) (any, error) {
			if update == nil {
				return current, nil
			}
			return update, nil
		},
	}
}

// Append declares an order-dependent accumulating channel of T, used for
// transcript-like sequences. Append is not commutative: it must only be
// written from nodes that never run concurrently.
func Append[T any](name string) Channel {
	return Channel{
		Name:    name,
		Initial: []T(nil),
		Reduce:  appendReduce[T](name),
		Decode:  DecodeAs[[]T](),
	}
}

// Concat declares an append-only artifact channel of T, safe under
// fan-out: concurrent one-element updates accumulate without clobbering
// each other, and the engine applies them in dispatch order so the final
// sequence is independent of completion order.
func Concat[T any](name string) Channel {
	ch := Append[T](name)
	ch.Commutative = true
	return ch
}

// Upsert declares a keyed-record channel of T. Updates replace records
// sharing an id and keep the rest, preserving first-seen insertion order.
// Safe under fan-out: each worker returns a one-element update for its own
// record and siblings are never clobbered.
func Upsert[T Identifiable](name string) Channel {
	return Channel{
		Name:        name,
		Initial:     []T(nil),
		Commutative: true,
		Decode:      DecodeAs[[]T](),
		Reduce: func(current, update any) (any, error) {
			cur, err := asSlice[T](name, current)
			if err != nil {
				return nil, err
			}
			upd, err := asSlice[T](name, update)
			if err != nil {
				return nil, err
			}

			merged := make([]T, len(cur))
			index := make(map[string]int, len(cur))
			for i, rec := range cur {
				merged[i] = rec
				index[rec.StateID()] = i
			}
			for _, rec := range upd {
				if i, seen := index[rec.StateID()]; seen {
					merged[i] = rec
					continue
				}
				index[rec.StateID()] = len(merged)
				merged = append(merged, rec)
			}
			return merged, nil
		},
	}
}

// appendReduce concatenates update onto current. Accepts a single T or a
// []T update; nil updates are no-ops.
func appendReduce[T any](name string) ReduceFunc {
	return func(current, update any) (any, error) {
		cur, err := asSlice[T](name, current)
		if err != nil {
			return nil, err
		}
		upd, err := asSlice[T](name, update)
		if err != nil {
			return nil, err
		}
		if len(upd) == 0 {
			return cur, nil
		}
		merged := make([]T, 0, len(cur)+len(upd))
		merged = append(merged, cur...)
		merged = append(merged, upd...)
		return merged, nil
	}
}

// asSlice normalizes a channel value to []T: nil, a single T, or a []T.
func asSlice[T any](name string, v any) ([]T, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case T:
		return []T{val}, nil
	case []T:
		return val, nil
	default:
		return nil, fmt.Errorf("channel %s: unexpected value type %T", name, v)
	}
}
