package irq

import (
	"testing"

	"github.com/opencore/kernel/kernel"
)

type fakeController struct {
	configured map[HwSource]LineID
	masked     map[HwSource]bool
	pending    []HwSource
	completed  []HwSource
}

func newFakeController() *fakeController {
	return &fakeController{
		configured: make(map[HwSource]LineID),
		masked:     make(map[HwSource]bool),
	}
}

func (c *fakeController) Configure(source HwSource, vector LineID) *kernel.Error {
	c.configured[source] = vector
	return nil
}

func (c *fakeController) Mask(source HwSource) {
	c.masked[source] = true
}

func (c *fakeController) Unmask(source HwSource) {
	c.masked[source] = false
}

func (c *fakeController) ClaimPending(cpu int) (HwSource, bool) {
	if len(c.pending) == 0 {
		return HwSource{}, false
	}
	source := c.pending[0]
	c.pending = c.pending[1:]
	return source, true
}

func (c *fakeController) CompleteEOI(cpu int, source HwSource) {
	c.completed = append(c.completed, source)
}

func TestMapHwToConfiguresControllerAndRejectsDuplicate(t *testing.T) {
	resetLinePool()
	defer resetLinePool()

	ctrl := newFakeController()
	chip := InitChip(ctrl)

	line, err := AllocLine()
	if err != nil {
		t.Fatalf("AllocLine failed: %v", err)
	}

	source := HwSource{ChipIndex: 0, Pin: 4}
	m, err := chip.MapHwTo(source, line)
	if err != nil {
		t.Fatalf("MapHwTo failed: %v", err)
	}
	if ctrl.configured[source] != line.ID() {
		t.Fatalf("expected controller configured with vector %d; got %d", line.ID(), ctrl.configured[source])
	}
	if m.Source != source {
		t.Fatalf("expected mapped source %v; got %v", source, m.Source)
	}

	other, err := AllocLine()
	if err != nil {
		t.Fatalf("AllocLine failed: %v", err)
	}
	if _, err := chip.MapHwTo(source, other); err != errSourceAlreadyMapped {
		t.Fatalf("expected errSourceAlreadyMapped; got %v", err)
	}
}

func TestClaimReturnsMappedLineForPendingSource(t *testing.T) {
	resetLinePool()
	defer resetLinePool()

	ctrl := newFakeController()
	chip := InitChip(ctrl)

	line, _ := AllocLine()
	source := HwSource{ChipIndex: 1, Pin: 9}
	m, err := chip.MapHwTo(source, line)
	if err != nil {
		t.Fatalf("MapHwTo failed: %v", err)
	}

	ctrl.pending = append(ctrl.pending, source)

	claimed, ok := chip.Claim(0)
	if !ok {
		t.Fatal("expected Claim to report a pending interrupt")
	}
	if claimed != m {
		t.Fatalf("expected claimed mapping %v; got %v", m, claimed)
	}

	if _, ok := chip.Claim(0); ok {
		t.Fatal("expected Claim to report no interrupt once drained")
	}
}

func TestCompleteWritesControllerEOI(t *testing.T) {
	ctrl := newFakeController()
	chip := InitChip(ctrl)

	source := HwSource{ChipIndex: 2, Pin: 1}
	chip.Complete(0, source)

	if len(ctrl.completed) != 1 || ctrl.completed[0] != source {
		t.Fatalf("expected controller to observe EOI for %v; got %v", source, ctrl.completed)
	}
}

func TestUnmapMasksAndReleasesLine(t *testing.T) {
	resetLinePool()
	defer resetLinePool()

	ctrl := newFakeController()
	chip := InitChip(ctrl)

	line, _ := AllocLine()
	id := line.ID()
	source := HwSource{ChipIndex: 3, Pin: 2}
	m, err := chip.MapHwTo(source, line)
	if err != nil {
		t.Fatalf("MapHwTo failed: %v", err)
	}

	chip.Unmap(m)

	if !ctrl.masked[source] {
		t.Fatal("expected Unmap to mask the hardware source")
	}
	if _, ok := chip.Claim(0); ok {
		t.Fatal("expected no pending interrupt after unmap with empty queue")
	}

	reused, err := AllocLine()
	if err != nil {
		t.Fatalf("AllocLine failed: %v", err)
	}
	if reused.ID() != id {
		t.Fatalf("expected unmapped line id %d to be returned to the pool; got %d", id, reused.ID())
	}
}
