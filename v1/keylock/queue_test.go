package keylock

import "testing"

func TestEntryQueue(t *testing.T) {
	var e entry
	if e.len() != 0 || e.pop() != nil {
		t.Fatal("expected empty queue without allocation")
	}
	a, b, c := e.push(), e.push(), e.push()
	e.remove(b)
	if e.len() != 2 {
		t.Fatalf("expected 2 waiters, got %d", e.len())
	}
	if e.pop() != a || e.pop() != c || e.pop() != nil {
		t.Fatal("remove disturbed arrival order")
	}
}
