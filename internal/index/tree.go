// Package index wraps a generic ordered map over uintptr keys, the
// "balanced search tree over pointer keys" spec.md treats as an external
// collaborator: exact membership plus "largest key <= q" queries.
package index

import "github.com/google/btree"

const degree = 32

type entry[V any] struct {
	key uintptr
	val V
}

func less[V any](a, b entry[V]) bool {
	return a.key < b.key
}

// Tree is an ordered uintptr -> V map backed by a B-tree. It is not
// internally synchronized: callers (Manager) serialize access themselves.
type Tree[V any] struct {
	t *btree.BTreeG[entry[V]]
}

// New returns an empty Tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{t: btree.NewG(degree, less[V])}
}

// Len reports the number of entries currently indexed.
func (t *Tree[V]) Len() int {
	return t.t.Len()
}

// Set inserts or overwrites the value stored at key, reporting whether key
// was already present.
func (t *Tree[V]) Set(key uintptr, val V) (replaced bool) {
	_, replaced = t.t.ReplaceOrInsert(entry[V]{key: key, val: val})
	return replaced
}

// Get returns the value stored at key, if any.
func (t *Tree[V]) Get(key uintptr) (val V, ok bool) {
	e, ok := t.t.Get(entry[V]{key: key})
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Delete removes key, reporting the value it held if present.
func (t *Tree[V]) Delete(key uintptr) (val V, ok bool) {
	e, ok := t.t.Delete(entry[V]{key: key})
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Floor returns the entry with the largest key <= q, if any. This is the
// "largest-key ≤ q" query spec.md §3 requires for identifying the pool that
// owns an arbitrary pointer on the slow path.
func (t *Tree[V]) Floor(q uintptr) (key uintptr, val V, ok bool) {
	t.t.DescendLessOrEqual(entry[V]{key: q}, func(e entry[V]) bool {
		key, val, ok = e.key, e.val, true
		return false
	})
	return key, val, ok
}

// Ascend visits every entry in ascending key order, stopping early if fn
// returns false. Used for snapshotting the external-size tree for
// for_each_instance.
func (t *Tree[V]) Ascend(fn func(key uintptr, val V) bool) {
	t.t.Ascend(func(e entry[V]) bool {
		return fn(e.key, e.val)
	})
}
