package crystfel

import "testing"

func TestReflectionListNoDuplicateKeys(t *testing.T) {
	l := NewReflectionList()
	idx := MillerIndex{H: 1, K: 2, L: 3}
	l.Insert(&Reflection{Indices: idx, I: 10})
	l.Insert(&Reflection{Indices: idx, I: 20})

	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after inserting the same key twice", l.Len())
	}
	r, ok := l.Get(idx)
	if !ok {
		t.Fatal("Get: key missing after insert")
	}
	if r.I != 20 {
		t.Errorf("plain Insert should overwrite: I = %v, want 20", r.I)
	}
}

func TestReflectionListInsertUniqueRejectsDuplicate(t *testing.T) {
	l := NewReflectionList()
	idx := MillerIndex{H: 1, K: 0, L: 0}
	if err := l.InsertUnique(&Reflection{Indices: idx}); err != nil {
		t.Fatalf("first InsertUnique: %v", err)
	}
	if err := l.InsertUnique(&Reflection{Indices: idx}); err == nil {
		t.Error("second InsertUnique on the same key should fail")
	}
}

func TestReflectionListUpsertIsIdempotent(t *testing.T) {
	l := NewReflectionList()
	idx := MillerIndex{H: 2, K: 2, L: 2}
	calls := 0
	create := func() *Reflection {
		calls++
		return &Reflection{}
	}
	r1 := l.Upsert(idx, create)
	r2 := l.Upsert(idx, create)
	if r1 != r2 {
		t.Error("Upsert should return the same *Reflection on repeat calls for the same key")
	}
	if calls != 1 {
		t.Errorf("create() called %d times, want 1", calls)
	}
}

func TestReflectionListSortedKeysOrder(t *testing.T) {
	l := NewReflectionList()
	keys := []MillerIndex{{H: 2, K: 0, L: 0}, {H: -1, K: 5, L: 0}, {H: -1, K: 0, L: 3}}
	for _, k := range keys {
		l.Insert(&Reflection{Indices: k})
	}
	sorted := l.SortedKeys()
	for i := 1; i < len(sorted); i++ {
		a, b := sorted[i-1], sorted[i]
		if a.H > b.H || (a.H == b.H && a.K > b.K) || (a.H == b.H && a.K == b.K && a.L > b.L) {
			t.Errorf("SortedKeys not in lexicographic order at %d: %+v then %+v", i, a, b)
		}
	}
}

func TestMergeCollapsesDuplicateAsymmetricIndices(t *testing.T) {
	a := NewReflectionList()
	b := NewReflectionList()
	a.Insert(&Reflection{Indices: MillerIndex{H: 1, K: 0, L: 0}, I: 5, Redundancy: 1, Scalable: true})
	b.Insert(&Reflection{Indices: MillerIndex{H: -1, K: 0, L: 0}, I: 7, Redundancy: 1, Scalable: false})

	// Both map to the same asymmetric index: Friedel-pair folding.
	keyFn := func(idx MillerIndex) MillerIndex {
		if idx.H < 0 {
			return MillerIndex{H: -idx.H, K: -idx.K, L: -idx.L}
		}
		return idx
	}
	merged := Merge([]*ReflectionList{a, b}, keyFn)
	if merged.Len() != 1 {
		t.Fatalf("merged.Len() = %d, want 1", merged.Len())
	}
	r, ok := merged.Get(MillerIndex{H: 1, K: 0, L: 0})
	if !ok {
		t.Fatal("merged list missing the folded key")
	}
	if r.I != 12 {
		t.Errorf("merged I = %v, want 12", r.I)
	}
	if r.Redundancy != 2 {
		t.Errorf("merged Redundancy = %v, want 2", r.Redundancy)
	}
	if !r.Scalable {
		t.Error("merged Scalable should be true if any contributor was scalable")
	}
}
