package gdnet

import "testing"

func TestRingQueue(t *testing.T) {
	q := newRingQueue[int](4) // capacity 3

	if !q.Empty() {
		t.Fatal("fresh queue should be empty")
	}

	for i := 1; i <= 3; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.Push(4); err == nil {
		t.Fatal("push into full queue should fail")
	}
	if q.Size() != 3 {
		t.Fatalf("size = %d, want 3", q.Size())
	}

	for i := 1; i <= 3; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop = %d,%v want %d", v, ok, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop from empty queue should fail")
	}

	// Wraparound.
	for i := 0; i < 10; i++ {
		if err := q.Push(i); err != nil {
			t.Fatal(err)
		}
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("wrap pop = %d,%v want %d", v, ok, i)
		}
	}
}
