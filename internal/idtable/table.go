// Package idtable allocates 32-bit request ids for asynchronous searches and
// validations and maps them back to their pending records.
package idtable

import "errors"

// ErrExhausted is returned when every id is in use.
var ErrExhausted = errors.New("idtable: all ids in use")

// Table maps live ids to records. Ids are issued in increasing order, wrap
// around at 2^32, never repeat while still live, and are never zero. Zero is
// reserved so an unset id in a message can't alias a live entry.
//
// A Table is not safe for concurrent use.
type Table[T any] struct {
	next    uint32
	entries map[uint32]T
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{entries: make(map[uint32]T)}
}

// Insert stores v under a fresh id.
func (t *Table[T]) Insert(v T) (uint32, error) {
	if uint64(len(t.entries)) >= 1<<32-1 {
		return 0, ErrExhausted
	}
	for {
		t.next++ // wraps to 0 after MaxUint32
		if t.next == 0 {
			continue
		}
		if _, live := t.entries[t.next]; !live {
			t.entries[t.next] = v
			return t.next, nil
		}
	}
}

// Get returns the record for id.
func (t *Table[T]) Get(id uint32) (T, bool) {
	v, ok := t.entries[id]
	return v, ok
}

// Delete retires id. Deleting an unknown id is a no-op.
func (t *Table[T]) Delete(id uint32) {
	delete(t.entries, id)
}

// Len is the number of live entries.
func (t *Table[T]) Len() int { return len(t.entries) }

// IDs returns the live ids in no particular order.
func (t *Table[T]) IDs() []uint32 {
	out := make([]uint32, 0, len(t.entries))
	for id := range t.entries {
		out = append(out, id)
	}
	return out
}

// Clear retires every id. The counter keeps going so ids handed out before
// Clear are not reissued right away.
func (t *Table[T]) Clear() {
	t.entries = make(map[uint32]T)
}
