package gdnet

import "testing"

func TestTimeComparisonsWrap(t *testing.T) {
	cases := []struct {
		a, b uint32
		less bool
	}{
		{0, 0, false},
		{1, 2, true},
		{2, 1, false},
		{0xFFFFFFFF, 5, true},  // just before wrap vs just after
		{5, 0xFFFFFFFF, false}, // after wrap is later
		{0, timeOverflow - 1, true},
	}

	for _, c := range cases {
		if got := timeLess(c.a, c.b); got != c.less {
			t.Errorf("timeLess(%#x, %#x) = %v, want %v", c.a, c.b, got, c.less)
		}
	}
}

func TestTimeLessMatchesOverflowLaw(t *testing.T) {
	// timeLess(a, b) must hold exactly when (a-b) mod 2^32 >= 86_400_000.
	values := []uint32{0, 1, 1000, timeOverflow - 1, timeOverflow, timeOverflow + 1, 0x80000000, 0xFFFFFFFF}
	for _, a := range values {
		for _, b := range values {
			want := a-b >= timeOverflow
			if got := timeLess(a, b); got != want {
				t.Errorf("timeLess(%#x, %#x) = %v, want %v", a, b, got, want)
			}
		}
	}
}

func TestTimeDiff(t *testing.T) {
	if d := timeDiff(1500, 500); d != 1000 {
		t.Fatalf("diff = %d, want 1000", d)
	}
	if d := timeDiff(500, 1500); d != 1000 {
		t.Fatalf("diff reversed = %d, want 1000", d)
	}
	if d := timeDiff(5, 0xFFFFFFFF); d != 6 {
		t.Fatalf("diff across wrap = %d, want 6", d)
	}
}

type fakeClock struct {
	now uint32
}

func (c *fakeClock) Now() uint32 { return c.now }

func (c *fakeClock) advance(ms uint32) { c.now += ms }

func TestHostUsesInjectedClock(t *testing.T) {
	host, err := NewHost(nil, 1, 1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Destroy()

	clock := &fakeClock{now: 1234}
	host.SetClock(clock)

	host.Flush()
	if host.serviceTime != 1234 {
		t.Fatalf("serviceTime = %d, want 1234", host.serviceTime)
	}

	clock.advance(100)
	host.Flush()
	if host.serviceTime != 1334 {
		t.Fatalf("serviceTime = %d, want 1334", host.serviceTime)
	}
}
