package gdnet

import "testing"

func collect(l *list[int]) []int {
	var out []int
	for it := l.begin(); it != l.end(); it = it.next {
		out = append(out, it.value)
	}
	return out
}

func nodeOf(v int) *listNode[int] {
	return &listNode[int]{value: v}
}

func TestListInsertRemove(t *testing.T) {
	var l list[int]
	l.init()

	if !l.empty() {
		t.Fatal("fresh list should be empty")
	}

	a, b, c := nodeOf(1), nodeOf(2), nodeOf(3)
	listInsert(l.end(), a)
	listInsert(l.end(), c)
	listInsert(c, b) // before c

	got := collect(&l)
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	if v := listRemove(b); v != 2 {
		t.Fatalf("removed %d, want 2", v)
	}
	if l.size() != 2 {
		t.Fatalf("size = %d, want 2", l.size())
	}
	if l.front().value != 1 || l.back().value != 3 {
		t.Fatalf("front/back = %d/%d", l.front().value, l.back().value)
	}
}

func TestListMoveRange(t *testing.T) {
	var src, dst list[int]
	src.init()
	dst.init()

	nodes := make([]*listNode[int], 5)
	for i := range nodes {
		nodes[i] = nodeOf(i)
		listInsert(src.end(), nodes[i])
	}

	// Move [1..3] to dst.
	listMove(dst.end(), nodes[1], nodes[3])

	gotSrc := collect(&src)
	if len(gotSrc) != 2 || gotSrc[0] != 0 || gotSrc[1] != 4 {
		t.Fatalf("src after move = %v", gotSrc)
	}

	gotDst := collect(&dst)
	if len(gotDst) != 3 || gotDst[0] != 1 || gotDst[2] != 3 {
		t.Fatalf("dst after move = %v", gotDst)
	}
}

func TestListReinsertAtFront(t *testing.T) {
	var l list[int]
	l.init()

	a, b := nodeOf(1), nodeOf(2)
	listInsert(l.end(), a)
	listInsert(l.end(), b)

	// Requeue the back node at the front, the retransmission pattern.
	listRemove(b)
	listInsert(l.begin(), b)

	got := collect(&l)
	if got[0] != 2 || got[1] != 1 {
		t.Fatalf("order after requeue = %v", got)
	}
}
