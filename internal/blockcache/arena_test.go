package blockcache

import (
	"testing"

	"github.com/rv64x/rvemu/internal/decode"
)

func makeBlock(pcStart uint64, nops int) *Block {
	b := &Block{PCStart: pcStart, PCEnd: pcStart + uint64(4*nops)}
	for i := 0; i < nops; i++ {
		b.Ops = append(b.Ops, decode.Op{Kind: decode.KindALU})
		b.PCMap = append(b.PCMap, pcStart+uint64(4*i))
	}
	return b
}

func TestArenaLookupMissReturnsNil(t *testing.T) {
	a := NewArena(1024)
	if a.Lookup(0x1000) != nil {
		t.Error("expected a miss on an empty arena")
	}
}

func TestArenaInsertThenLookupHits(t *testing.T) {
	a := NewArena(4096)
	b := makeBlock(0x1000, 2)
	a.Insert(b)
	if got := a.Lookup(0x1000); got != b {
		t.Errorf("Lookup returned %v, want the inserted block", got)
	}
}

func TestArenaRolloverDropsFirstHalfAtMidpoint(t *testing.T) {
	// Small arena, large per-block charge, so a handful of inserts cross
	// the midpoint and trigger spec.md §4.4's two-half rollover policy.
	a := NewArena(2048)

	first := makeBlock(0x1000, 1)
	a.Insert(first)
	if a.Lookup(0x1000) == nil {
		t.Fatal("first block not installed")
	}

	// estimateSize(1 op) = 64 + 24 = 88 bytes; halfSize = 1024. Insert
	// enough blocks to cross the midpoint and force a rollover that
	// reclaims the half the first block was charged against.
	var pc uint64 = 0x2000
	for i := 0; i < 20; i++ {
		a.Insert(makeBlock(pc, 1))
		pc += 0x1000
	}

	if a.Lookup(0x1000) != nil {
		t.Error("expected the first block's identity to be gone after a midpoint rollover")
	}
}

func TestArenaInsertAtMidpointSurvivesNextRollover(t *testing.T) {
	a := NewArena(2048)
	// Drive the cursor up to just under the midpoint without crossing it.
	for i := 0; i < 10; i++ {
		a.Insert(makeBlock(uint64(0x1000+i*0x100), 1)) // 10 * 88 = 880 < 1024
	}
	safe := makeBlock(0x9000, 1)
	a.Insert(safe) // cursor now 880+88=968, still < 1024

	if a.Lookup(0x9000) == nil {
		t.Fatal("block inserted below the midpoint should be present")
	}

	// One more insert crosses the midpoint and rolls over [0, halfSize).
	a.Insert(makeBlock(0xa000, 1))
	if a.Lookup(0x9000) != nil {
		t.Error("block charged to the reclaimed half should be gone")
	}
	if a.Lookup(0xa000) == nil {
		t.Error("the block that triggered rollover should itself survive, charged past the midpoint")
	}
}

func TestArenaInvalidateRangeDropsOnlyOverlapping(t *testing.T) {
	a := NewArena(1 << 20)
	inRange := makeBlock(0x3000, 1)
	outOfRange := makeBlock(0x8000, 1)
	a.Insert(inRange)
	a.Insert(outOfRange)

	a.InvalidateRange(0x2000, 0x4000)

	if a.Lookup(0x3000) != nil {
		t.Error("expected the in-range block to be invalidated")
	}
	if a.Lookup(0x8000) == nil {
		t.Error("expected the out-of-range block to survive")
	}
}

func TestArenaResetClearsEverything(t *testing.T) {
	a := NewArena(1 << 20)
	a.Insert(makeBlock(0x1000, 1))
	a.Reset()
	if a.Lookup(0x1000) != nil {
		t.Error("expected Reset to clear all installed blocks")
	}
}
