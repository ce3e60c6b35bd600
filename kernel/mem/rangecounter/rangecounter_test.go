package rangecounter

import (
	"reflect"
	"testing"
)

func TestAddReportsZeroToNonZeroTransition(t *testing.T) {
	c := New()

	got := c.Add(Range{10, 20})
	want := []Range{{10, 20}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v; got %v", want, got)
	}

	for x := uint64(10); x < 20; x++ {
		if c.CountAt(x) != 1 {
			t.Fatalf("expected count 1 at %d; got %d", x, c.CountAt(x))
		}
	}
	if c.CountAt(9) != 0 || c.CountAt(20) != 0 {
		t.Fatal("expected counts outside the range to remain zero")
	}
}

func TestOverlappingAddDoesNotReportAlreadyNonZeroSubrange(t *testing.T) {
	c := New()
	c.Add(Range{10, 20})

	got := c.Add(Range{15, 25})
	want := []Range{{20, 25}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v; got %v", want, got)
	}

	if c.CountAt(17) != 2 {
		t.Fatalf("expected overlap region to have count 2; got %d", c.CountAt(17))
	}
}

func TestRemoveReportsNonZeroToZeroTransition(t *testing.T) {
	c := New()
	c.Add(Range{10, 20})
	c.Add(Range{15, 25})

	got := c.Remove(Range{15, 25})
	want := []Range{{20, 25}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v; got %v", want, got)
	}

	for x := uint64(10); x < 20; x++ {
		if c.CountAt(x) != 1 {
			t.Fatalf("expected count 1 at %d; got %d", x, c.CountAt(x))
		}
	}

	got = c.Remove(Range{10, 20})
	want = []Range{{10, 20}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v; got %v", want, got)
	}
}

func TestRemoveBelowZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Remove on a zero-count index to panic")
		}
	}()

	c := New()
	c.Remove(Range{0, 10})
}

func TestEmptyRangeIsNoop(t *testing.T) {
	c := New()
	if got := c.Add(Range{5, 5}); got != nil {
		t.Fatalf("expected nil transitions for an empty range; got %v", got)
	}
}
