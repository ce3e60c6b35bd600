package atomic

import (
	"testing"

	"github.com/opencore/kernel/kernel/cpu/percpu"
)

func TestEnterReleaseNesting(t *testing.T) {
	defer percpu.OverrideIDForTesting(func() int { return 0 })()

	if InAtomicMode() {
		t.Fatal("expected to start outside atomic mode")
	}

	g1 := Enter()
	if !InAtomicMode() || Depth() != 1 {
		t.Fatalf("expected depth 1 after first Enter; got %d", Depth())
	}

	g2 := Enter()
	if Depth() != 2 {
		t.Fatalf("expected depth 2 after nested Enter; got %d", Depth())
	}

	g2.Release()
	if !InAtomicMode() || Depth() != 1 {
		t.Fatalf("expected depth 1 after releasing inner guard; got %d", Depth())
	}

	g1.Release()
	if InAtomicMode() || Depth() != 0 {
		t.Fatalf("expected depth 0 after releasing outer guard; got %d", Depth())
	}
}

func TestReleaseTwicePanics(t *testing.T) {
	defer percpu.OverrideIDForTesting(func() int { return 0 })()
	defer func() {
		if recover() == nil {
			t.Fatal("expected double Release to panic")
		}
	}()

	g := Enter()
	g.Release()
	g.Release()
}

func TestMightSleepHerePanicsInAtomicMode(t *testing.T) {
	defer percpu.OverrideIDForTesting(func() int { return 0 })()

	g := Enter()
	defer g.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected MightSleepHere to panic while in atomic mode")
		}
	}()
	MightSleepHere()
}

func TestMightSleepHereOutsideAtomicMode(t *testing.T) {
	defer percpu.OverrideIDForTesting(func() int { return 0 })()
	defer func() {
		if recover() != nil {
			t.Fatal("expected MightSleepHere not to panic outside atomic mode")
		}
	}()
	MightSleepHere()
}
