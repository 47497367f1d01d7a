package hotrelay

import "testing"

func TestPeerIndexInsertFindRemove(t *testing.T) {
	idx := newPeerIndex()
	idx.insert(5, 100)
	id, ok := idx.findByUID(5)
	if !ok || id != 100 {
		t.Fatalf("expected hit resolving to id 100, got id=%d ok=%v", id, ok)
	}
	idx.remove(5)
	if _, ok := idx.findByUID(5); ok {
		t.Fatalf("expected miss after remove")
	}
}

func TestPeerIndexNeverHoldsUnset(t *testing.T) {
	idx := newPeerIndex()
	idx.insert(UnsetUID, 1)
	if idx.len() != 0 {
		t.Fatalf("expected UnsetUID insert to be ignored, got len %d", idx.len())
	}
}

func TestPeerIndexIterateOrderedByUID(t *testing.T) {
	idx := newPeerIndex()
	idx.insert(9, 900)
	idx.insert(1, 100)
	idx.insert(5, 500)
	entries := idx.iterate()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].UID >= entries[i].UID {
			t.Fatalf("expected strictly increasing uid order, got %v", entries)
		}
	}
}
