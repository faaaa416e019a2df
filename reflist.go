package crystfel

import (
	"sort"
	"sync"
)

// ReflectionList is a keyed container over (h,k,l) reflections with
// O(log n) lookup, deterministic iteration order, and per-reflection
// locking for concurrent mutation (spec.md §3/§4.B). The global merged
// list used during scaling is additionally guarded by a reader-writer
// lock (spec.md §5): readers take RLock for scale computation, writers
// take Lock for insertion of a freshly generated key, following a
// double-checked pattern in Upsert.
type ReflectionList struct {
	mu    sync.RWMutex
	items map[MillerIndex]*Reflection
	order []MillerIndex // insertion order, for deterministic iteration
}

// NewReflectionList constructs an empty list.
func NewReflectionList() *ReflectionList {
	return &ReflectionList{items: make(map[MillerIndex]*Reflection)}
}

// Insert adds a reflection under its own Indices key. Returns
// ErrDuplicateKey if the key already exists and unique insertion was
// requested via InsertUnique; plain Insert silently overwrites, since
// spec.md permits transient duplicate keys during concurrent
// insertion (collapsed later by Merge).
func (l *ReflectionList) Insert(r *Reflection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.items[r.Indices]; !exists {
		l.order = append(l.order, r.Indices)
	}
	l.items[r.Indices] = r
}

// InsertUnique behaves like Insert but fails with ErrDuplicateKey
// rather than overwriting an existing entry.
func (l *ReflectionList) InsertUnique(r *Reflection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.items[r.Indices]; exists {
		return ErrDuplicateKey
	}
	l.items[r.Indices] = r
	l.order = append(l.order, r.Indices)
	return nil
}

// Upsert looks up idx under a read lock first (the common case once
// the list is warm); only on a miss does it take the write lock and
// re-check before creating a fresh reflection, avoiding lock
// contention between concurrent scale-step readers (spec.md §5).
func (l *ReflectionList) Upsert(idx MillerIndex, create func() *Reflection) *Reflection {
	l.mu.RLock()
	if r, ok := l.items[idx]; ok {
		l.mu.RUnlock()
		return r
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.items[idx]; ok {
		return r
	}
	r := create()
	r.Indices = idx
	l.items[idx] = r
	l.order = append(l.order, idx)
	return r
}

// Get looks up a reflection by (h,k,l).
func (l *ReflectionList) Get(idx MillerIndex) (*Reflection, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.items[idx]
	return r, ok
}

// Delete removes a reflection.
func (l *ReflectionList) Delete(idx MillerIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[idx]; !ok {
		return
	}
	delete(l.items, idx)
	for i, v := range l.order {
		if v == idx {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of live reflections.
func (l *ReflectionList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// ReflectionCursor provides pull-style iteration over a
// ReflectionList's contents without exposing the container type
// itself (Design Notes §9: "Prefer pull-style iteration... to avoid
// exposing the internal container type"). Cursor takes a snapshot of
// the list's keys under a brief RLock and releases it immediately, so
// the cursor holds no lock on the list during iteration and needs no
// Close.
type ReflectionCursor struct {
	list *ReflectionList
	idxs []MillerIndex
	pos  int
}

// Cursor returns a stable snapshot cursor over the list's current
// contents, in deterministic (insertion) order.
func (l *ReflectionList) Cursor() *ReflectionCursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := make([]MillerIndex, len(l.order))
	copy(idxs, l.order)
	return &ReflectionCursor{list: l, idxs: idxs}
}

// Next advances the cursor and returns the next live reflection, or
// (nil, false) once exhausted.
func (c *ReflectionCursor) Next() (*Reflection, bool) {
	for c.pos < len(c.idxs) {
		idx := c.idxs[c.pos]
		c.pos++
		if r, ok := c.list.Get(idx); ok {
			return r, true
		}
	}
	return nil, false
}

// Merge collapses any entries sharing the same (h,k,l) by summing
// their intensity/weight contributions into a single surviving
// Reflection and removing the rest, per spec.md §4.B: "a merging pass
// collapses [duplicate keys] before scaling." Since ReflectionList's
// map already enforces uniqueness going forward, Merge's real job is
// combining reflections from multiple per-crystal lists that happen to
// predict the same asymmetric-unit index; callers pass a keyFn (e.g.
// AsymmetricIndex) to choose the merge key.
func Merge(lists []*ReflectionList, keyFn func(MillerIndex) MillerIndex) *ReflectionList {
	merged := NewReflectionList()
	for _, l := range lists {
		cur := l.Cursor()
		for {
			r, ok := cur.Next()
			if !ok {
				break
			}
			key := keyFn(r.Indices)
			target := merged.Upsert(key, func() *Reflection {
				nr := &Reflection{Indices: key, Asym: key}
				return nr
			})
			target.Lock()
			target.I += r.I
			target.Redundancy += maxInt(1, r.Redundancy)
			if r.Scalable {
				target.Scalable = true
			}
			target.Unlock()
		}
	}
	return merged
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SortedKeys returns every live key in lexicographic (h,k,l) order;
// useful for deterministic test assertions and stream output.
func (l *ReflectionList) SortedKeys() []MillerIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]MillerIndex, 0, len(l.items))
	for k := range l.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.H != b.H {
			return a.H < b.H
		}
		if a.K != b.K {
			return a.K < b.K
		}
		return a.L < b.L
	})
	return keys
}
