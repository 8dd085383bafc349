package core

import (
	"testing"

	"github.com/rv64x/rvemu/internal/decode"
	"github.com/rv64x/rvemu/internal/devices"
)

type fixedClock struct{ cycle uint64 }

func (c fixedClock) Cycle() uint64 { return c.cycle }

func newTestContext() (*Context, *devices.Bus) {
	bus := devices.NewBus(0, 4*1024*1024)
	ctx := NewContext(0)
	ctx.Prv = PrivSupervisor
	return ctx, bus
}

// TestRegisterZeroHardwired covers spec.md §8's core invariant: x0 always
// reads 0 regardless of what is written to it.
func TestRegisterZeroHardwired(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.WriteReg(0, 0xdeadbeef)
	if got := ctx.ReadReg(0); got != 0 {
		t.Errorf("ReadReg(0) = %#x, want 0", got)
	}
}

// TestTranslateBareModeIsIdentity covers satp mode 0.
func TestTranslateBareModeIsIdentity(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = 0
	paddr, err := Translate(ctx, bus, 0x8000_1000, AccessRead)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if paddr != 0x8000_1000 {
		t.Errorf("paddr = %#x, want identity mapping", paddr)
	}
}

// sv39Fixture builds a three-level SV39 page table mapping exactly one
// 4 KiB leaf page, returning the satp value to activate it.
func sv39Fixture(t *testing.T, bus *devices.Bus, vaddr, paddr uint64, leafPerm uint64) uint64 {
	t.Helper()
	const (
		l2Base = 0x1000
		l1Base = 0x2000
		l0Base = 0x3000
	)
	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	write := func(base, idx, ppn, perm uint64) {
		pte := (ppn << 10) | perm
		if err := bus.WritePhys64(base+idx*8, pte); err != nil {
			t.Fatalf("write PTE: %v", err)
		}
	}
	write(l2Base, vpn2, l1Base>>12, pteV)
	write(l1Base, vpn1, l0Base>>12, pteV)
	write(l0Base, vpn0, paddr>>12, leafPerm)

	return (uint64(8) << 60) | (l2Base >> 12)
}

func TestTranslateSV39ThreeLevelWalk(t *testing.T) {
	ctx, bus := newTestContext()
	// vpn2=1, vpn1=1, vpn0=1, page offset 0x234: exercises all three
	// walk levels with distinct, easily-checked indices.
	const vaddr = (uint64(1) << 30) | (uint64(1) << 21) | (uint64(1) << 12) | 0x234
	const paddr = 0x8000_5000
	ctx.Satp = sv39Fixture(t, bus, vaddr&^0xfff, paddr, pteV|pteR|pteW|pteX|pteA|pteD)

	got, err := Translate(ctx, bus, vaddr, AccessRead)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := paddr | (vaddr & 0xfff)
	if got != want {
		t.Errorf("Translate = %#x, want %#x", got, want)
	}
}

func TestTranslateLoadPageFaultOnUnmapped(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x1000, 0x9000, pteV|pteR|pteW|pteX|pteA|pteD)

	_, err := Translate(ctx, bus, 0xdead_b000, AccessRead)
	trap, ok := err.(TrapError)
	if !ok {
		t.Fatalf("expected a TrapError, got %v", err)
	}
	if trap.Cause != CauseLoadPageFault {
		t.Errorf("Cause = %d, want %d (load page fault)", trap.Cause, CauseLoadPageFault)
	}
}

func TestTranslateStoreFaultsOnReadOnlyPage(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x4000, 0xa000, pteV|pteR|pteA) // no W bit

	_, err := Translate(ctx, bus, 0x4010, AccessWrite)
	trap, ok := err.(TrapError)
	if !ok {
		t.Fatalf("expected a TrapError, got %v", err)
	}
	if trap.Cause != CauseStorePageFault {
		t.Errorf("Cause = %d, want %d (store page fault)", trap.Cause, CauseStorePageFault)
	}
}

// TestL0CacheHitRecoversPhysViaXOR covers spec.md §8's cache-line
// invariant: translate(addr) == e.Paddr XOR addr for any cached entry.
func TestL0CacheHitRecoversPhysViaXOR(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x5000, 0xb000, pteV|pteR|pteW|pteA|pteD)

	first, err := Translate(ctx, bus, 0x5008, AccessRead)
	if err != nil {
		t.Fatalf("Translate (miss): %v", err)
	}

	idx := (uint64(0x5008) >> pageShift) & (l0CacheLines - 1)
	line := ctx.DCache[idx]
	if line.Tag == emptyCacheTag {
		t.Fatal("expected the D-cache line to be filled after a hit-path translation")
	}
	if got := line.Paddr ^ 0x5008; got != first {
		t.Errorf("Paddr XOR vaddr = %#x, want %#x", got, first)
	}

	second, err := Translate(ctx, bus, 0x5008, AccessRead)
	if err != nil {
		t.Fatalf("Translate (hit): %v", err)
	}
	if second != first {
		t.Errorf("cached translation = %#x, want %#x (same as the miss path)", second, first)
	}
}

// TestSatpWriteClearsBothCaches covers the "on SATP write ... both caches
// are wholly reset" invariant.
func TestSatpWriteClearsBothCaches(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x6000, 0xc000, pteV|pteR|pteX|pteA)
	if _, err := Translate(ctx, bus, 0x6000, AccessFetch); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	idxBefore := (uint64(0x6000) >> pageShift) & (l0CacheLines - 1)
	if ctx.ICache[idxBefore].Tag == emptyCacheTag {
		t.Fatal("expected the I-cache to hold an entry before the SATP write")
	}

	if err := ctx.WriteCSR(csrSatp, ctx.Satp); err != nil {
		t.Fatalf("WriteCSR(satp): %v", err)
	}

	for i, l := range ctx.DCache {
		if l.Tag != emptyCacheTag {
			t.Fatalf("DCache[%d].Tag = %#x after SATP write, want empty", i, l.Tag)
		}
	}
	for i, l := range ctx.ICache {
		if l.Tag != emptyCacheTag {
			t.Fatalf("ICache[%d].Tag = %#x after SATP write, want empty", i, l.Tag)
		}
	}
}

// TestWriteMissInvalidatesICacheSharedPage covers the D/I coherence
// invariant: a write-miss refill on a page the I-cache currently holds
// must drop that I-cache entry.
func TestWriteMissInvalidatesICacheSharedPage(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x7000, 0xd000, pteV|pteR|pteW|pteX|pteA|pteD)

	if _, err := Translate(ctx, bus, 0x7004, AccessFetch); err != nil {
		t.Fatalf("Translate(fetch): %v", err)
	}
	idx := (uint64(0x7004) >> pageShift) & (l0CacheLines - 1)
	if ctx.ICache[idx].Tag == emptyCacheTag {
		t.Fatal("expected an I-cache entry after the fetch")
	}

	if _, err := Translate(ctx, bus, 0x7008, AccessWrite); err != nil {
		t.Fatalf("Translate(write): %v", err)
	}
	if ctx.ICache[idx].Tag != emptyCacheTag {
		t.Error("expected the I-cache entry to be invalidated by the write-miss refill")
	}
}

// TestReadMissCachesNonWritableForcingFirstWriteToSlowPath covers the D-cache
// read-miss refill rule: even on a page that permits writes, a read miss
// must tag the line non-writable so the first subsequent store to that page
// still takes the write-miss path and fires OnWriteMiss, rather than hitting
// the cached line directly and skipping the code-cache coherence callback.
func TestReadMissCachesNonWritableForcingFirstWriteToSlowPath(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x9000, 0xe000, pteV|pteR|pteW|pteA|pteD)

	if _, err := Translate(ctx, bus, 0x9008, AccessRead); err != nil {
		t.Fatalf("Translate(read): %v", err)
	}
	idx := (uint64(0x9008) >> pageShift) & (l0CacheLines - 1)
	if ctx.DCache[idx].Tag&1 == 0 {
		t.Fatal("read miss cached the line writable; want non-writable (bit0 set)")
	}

	var missed bool
	ctx.OnWriteMiss = func(uint64) { missed = true }
	if _, err := Translate(ctx, bus, 0x9008, AccessWrite); err != nil {
		t.Fatalf("Translate(write): %v", err)
	}
	if !missed {
		t.Error("expected the first write after a read miss to fire OnWriteMiss")
	}
	if ctx.DCache[idx].Tag&1 != 0 {
		t.Error("expected the write-miss refill to re-tag the line writable")
	}
}

// --- LR/SC (scenario 3) ---

func TestStoreConditionalSucceedsAfterMatchingLoadReserved(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.LoadReserved(0x1000)
	if !ctx.StoreConditional(0x1000) {
		t.Error("expected SC to succeed with a matching, uninterfered LR")
	}
}

func TestStoreConditionalFailsWithoutLoadReserved(t *testing.T) {
	ctx, _ := newTestContext()
	if ctx.StoreConditional(0x2000) {
		t.Error("expected SC to fail with no prior LR")
	}
}

func TestStoreConditionalFailsAfterInterveningStoreFromAnotherHart(t *testing.T) {
	ctx0, _ := newTestContext()
	ctx0.LoadReserved(0x3000)

	// Another hart's plain store to the same line clears the reservation.
	invalidateReservation(0x3000)

	if ctx0.StoreConditional(0x3000) {
		t.Error("expected SC to fail after an intervening store to the reserved line")
	}
}

func TestStoreConditionalOnlyOneOfTwoHartsSucceeds(t *testing.T) {
	ctx0, _ := newTestContext()
	ctx1, _ := newTestContext()
	ctx1.HartID = 1

	ctx0.LoadReserved(0x4000)
	ctx1.LoadReserved(0x4000) // steals the reservation

	scOk0 := ctx0.StoreConditional(0x4000)
	scOk1 := ctx1.StoreConditional(0x4000)

	if scOk0 {
		t.Error("hart 0's SC should fail: hart 1's LR stole the reservation")
	}
	if !scOk1 {
		t.Error("hart 1's SC should succeed: it holds the current reservation")
	}
}

// --- AMO min/max on boundary values ---

func TestAmoAluMinMaxSignedBoundaries(t *testing.T) {
	minI64 := int64(-1 << 63)
	maxI64 := int64((1 << 63) - 1)

	if got := amoAlu(AMOMin, minI64, maxI64); got != minI64 {
		t.Errorf("AMOMin(MinInt64, MaxInt64) = %d, want %d", got, minI64)
	}
	if got := amoAlu(AMOMax, minI64, maxI64); got != maxI64 {
		t.Errorf("AMOMax(MinInt64, MaxInt64) = %d, want %d", got, maxI64)
	}
	if got := amoAlu(AMOMinU, minI64, 0); got != 0 {
		// minI64's bit pattern as unsigned is the largest uint64, so the
		// unsigned min against 0 must pick 0.
		t.Errorf("AMOMinU(MinInt64-as-unsigned, 0) = %d, want 0", got)
	}
	if got := amoAlu(AMOMaxU, minI64, 0); got != minI64 {
		t.Errorf("AMOMaxU(MinInt64-as-unsigned, 0) = %d, want %d", got, minI64)
	}
}

// TestInt32CompareArgZeroExtendsForUnsignedWordAMOs covers the word-AMO
// min/max-unsigned bug: a high-bit-set 32-bit memory value must compare as
// its small unsigned magnitude, not get sign-extended into a huge int64
// before the uint64() cast in amoAlu flips it back to ~2^63.
func TestInt32CompareArgZeroExtendsForUnsignedWordAMOs(t *testing.T) {
	old32 := uint32(0x80000000)
	if got := int32CompareArg(AMOMaxU, old32); got != 0x80000000 {
		t.Errorf("int32CompareArg(AMOMaxU, 0x80000000) = %d, want 0x80000000 (zero-extended)", got)
	}
	if got := int32CompareArg(AMOMinU, old32); got != 0x80000000 {
		t.Errorf("int32CompareArg(AMOMinU, 0x80000000) = %d, want 0x80000000 (zero-extended)", got)
	}
	// Signed ops still sign-extend, matching hardware's word-wide ALU.
	if got := int32CompareArg(AMOMax, old32); got != -0x80000000 {
		t.Errorf("int32CompareArg(AMOMax, 0x80000000) = %d, want -0x80000000 (sign-extended)", got)
	}
}

// TestWordAMOMaxUOnHighBitValue is the exact scenario the maintainer
// flagged: amomaxu.w with mem=0x80000000 and rs2=0xFFFFFFFF must pick
// 0xFFFFFFFF, not 0x80000000, once both operands are properly
// zero-extended before the unsigned compare.
func TestWordAMOMaxUOnHighBitValue(t *testing.T) {
	old32 := uint32(0x80000000)
	val := int32ClampedArg(AMOMaxU, int64(uint32(0xFFFFFFFF)))
	result := amoAlu(AMOMaxU, int32CompareArg(AMOMaxU, old32), val)
	if uint32(result) != 0xFFFFFFFF {
		t.Errorf("amomaxu.w(0x80000000, 0xFFFFFFFF) = %#x, want 0xFFFFFFFF", uint32(result))
	}
}

// TestWFIAdvancesPCWithoutParking covers the poll-nop requirement: wfi must
// advance past itself and leave ctx.WFI false, so the dispatcher's
// between-blocks interrupt check keeps Minstret (and virtual time in
// lockstep mode) moving instead of a hart getting stuck waiting on its own
// park flag.
func TestWFIAdvancesPCWithoutParking(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.PC = 0x8000
	op := decode.Op{Kind: decode.KindSystem, Funct3: 0, Imm: 0x105, Size: 4}

	if err := Step(ctx, bus, op, fixedClock{}, nil); err != nil {
		t.Fatalf("Step(wfi): %v", err)
	}
	if ctx.PC != 0x8004 {
		t.Errorf("PC = %#x, want %#x (advanced past wfi)", ctx.PC, 0x8004)
	}
	if ctx.WFI {
		t.Error("wfi must not set ctx.WFI; it is a poll-nop, not a park")
	}
}

// --- CSR / sstatus / trap delivery (scenarios 2 and 4-ish) ---

func TestSRetRestoresPrivilegeAndInterruptState(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Prv = PrivSupervisor
	ctx.Sstatus |= sstatusSPIE
	ctx.Sstatus &^= sstatusSPP // SPP=0 means the trapped-from privilege was U
	ctx.Sepc = 0x8000

	ctx.SRet()

	if ctx.Sstatus&sstatusSPIE == 0 {
		t.Error("SRet should leave SPIE set to 1")
	}
	if ctx.Sstatus&sstatusSPP != 0 {
		t.Error("SRet should leave SPP at 0")
	}
	if ctx.Prv != PrivUser {
		t.Errorf("Prv = %d, want PrivUser (restored from SPP=0)", ctx.Prv)
	}
	if ctx.PC != 0x8000 {
		t.Errorf("PC = %#x, want %#x (sepc)", ctx.PC, 0x8000)
	}
}

func TestSRetDroppingToUserFlushesCaches(t *testing.T) {
	ctx, bus := newTestContext()
	ctx.Satp = sv39Fixture(t, bus, 0x1000, 0x9000, pteV|pteR|pteW|pteX|pteA|pteD)
	if _, err := Translate(ctx, bus, 0x1000, AccessRead); err != nil {
		t.Fatalf("Translate: %v", err)
	}

	ctx.Prv = PrivSupervisor
	ctx.Sstatus &^= sstatusSPP // trapped from U
	ctx.SRet()

	for i, l := range ctx.DCache {
		if l.Tag != emptyCacheTag {
			t.Fatalf("DCache[%d] not flushed on privilege drop to U", i)
		}
	}
}

func TestHandleTrapRecordsFaultingPCAndSwitchesToSupervisor(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Prv = PrivUser
	ctx.PC = 0x2000
	ctx.Stvec = 0x9000 // direct mode

	ctx.HandleTrap(CauseIllegalInsn, 0x1234)

	if ctx.Sepc != 0x2000 {
		t.Errorf("Sepc = %#x, want %#x", ctx.Sepc, 0x2000)
	}
	if ctx.Prv != PrivSupervisor {
		t.Errorf("Prv = %d, want PrivSupervisor", ctx.Prv)
	}
	if ctx.Scause != CauseIllegalInsn {
		t.Errorf("Scause = %d, want %d", ctx.Scause, CauseIllegalInsn)
	}
	if ctx.Stval != 0x1234 {
		t.Errorf("Stval = %#x, want %#x", ctx.Stval, 0x1234)
	}
	if ctx.PC != 0x9000 {
		t.Errorf("PC = %#x, want %#x (stvec, direct mode)", ctx.PC, 0x9000)
	}
	if ctx.Sstatus&sstatusSPP != 0 {
		t.Error("SPP should record the trapped-from privilege (U = 0)")
	}
}

func TestHandleTrapVectoredModeForInterrupt(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Stvec = 0x9000 | 1 // vectored mode
	ctx.HandleTrap(CauseSTimerInt, 0)
	want := uint64(0x9000) + 4*5 // code 5 (timer), vectored
	if ctx.PC != want {
		t.Errorf("PC = %#x, want %#x", ctx.PC, want)
	}
}

func TestCheckInterruptPicksHighestPriorityPendingCause(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Sie = SIPSoftware | SIPTimer | SIPExternal
	ctx.Sstatus |= sstatusSIE
	ctx.Shared.Assert(SIPSoftware | SIPTimer)

	// Priority picks the highest-numbered pending bit: with both software
	// (bit 1) and timer (bit 5) pending, timer must win.
	take, cause := ctx.CheckInterrupt()
	if !take {
		t.Fatal("expected a pending interrupt to be taken")
	}
	if cause != CauseSTimerInt {
		t.Errorf("cause = %#x, want timer interrupt (higher-numbered than software)", cause)
	}

	ctx.Shared.Assert(SIPExternal)
	take, cause = ctx.CheckInterrupt()
	if !take {
		t.Fatal("expected a pending interrupt to be taken")
	}
	if cause != CauseSExternalInt {
		t.Errorf("cause = %#x, want external interrupt (outranks both software and timer)", cause)
	}
}

func TestCheckInterruptSuppressedWhenSIEClearInSupervisor(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Prv = PrivSupervisor
	ctx.Sie = SIPTimer
	ctx.Sstatus &^= sstatusSIE
	ctx.Shared.Assert(SIPTimer)

	if take, _ := ctx.CheckInterrupt(); take {
		t.Error("expected no interrupt to be taken while SSTATUS.SIE is clear in S-mode")
	}
}

func TestCheckInterruptAlwaysTakenInUserMode(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Prv = PrivUser
	ctx.Sie = SIPTimer
	ctx.Sstatus &^= sstatusSIE // SIE only gates S-mode's own traps
	ctx.Shared.Assert(SIPTimer)

	if take, _ := ctx.CheckInterrupt(); !take {
		t.Error("expected a pending S-mode interrupt to always be taken from U-mode")
	}
}

// --- SBI (timer set / shutdown) ---

type recordingSBI struct {
	timerHart, timerDeadline uint64
	shutdownCode             int
	shutdownCalled           bool
}

func (r *recordingSBI) SetTimer(hart, deadline uint64) { r.timerHart, r.timerDeadline = hart, deadline }
func (r *recordingSBI) ConsolePutChar(byte)            {}
func (r *recordingSBI) ConsoleGetChar() (byte, bool)   { return 0, false }
func (r *recordingSBI) SendIPI(uint64)                 {}
func (r *recordingSBI) RemoteFenceI(uint64)            {}
func (r *recordingSBI) RemoteSFenceVMA(uint64)         {}
func (r *recordingSBI) Shutdown(code int)              { r.shutdownCalled = true; r.shutdownCode = code }

func TestHandleSBISetTimerScalesAndDeassertsLocalBit(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Shared.Assert(SIPTimer)
	ctx.WriteReg(17, 0) // a7 = SBI_SET_TIMER
	ctx.WriteReg(10, 1000) // a0 = deadline in guest time units

	env := &recordingSBI{}
	if err := HandleSBI(ctx, env); err != nil {
		t.Fatalf("HandleSBI: %v", err)
	}
	if ctx.Timecmp != 100000 {
		t.Errorf("Timecmp = %d, want 100000 (deadline * 100)", ctx.Timecmp)
	}
	if env.timerDeadline != 100000 {
		t.Errorf("SetTimer deadline = %d, want 100000", env.timerDeadline)
	}
	if ctx.Shared.Pending()&SIPTimer != 0 {
		t.Error("expected the local timer-pending bit to be deasserted on a new SetTimer call")
	}
}

func TestHandleSBIShutdown(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.WriteReg(17, 8) // a7 = SBI_SHUTDOWN
	env := &recordingSBI{}
	if err := HandleSBI(ctx, env); err != nil {
		t.Fatalf("HandleSBI: %v", err)
	}
	if !env.shutdownCalled {
		t.Error("expected HandleSBI to call Shutdown")
	}
}

// --- CSR read/write ---

func TestWriteCSRSstatusMasksUnwritableBits(t *testing.T) {
	ctx, _ := newTestContext()
	if err := ctx.WriteCSR(csrSstatus, ^uint64(0)); err != nil {
		t.Fatalf("WriteCSR: %v", err)
	}
	if got := ctx.Sstatus & (uint64(3) << 32); got != sstatusUXL {
		t.Errorf("UXL field = %#x after writing all ones, want %#x (unchanged, not writable through sstatus)", got, uint64(sstatusUXL))
	}
}

func TestReadCSRSstatusAlwaysReportsDirtyFS(t *testing.T) {
	ctx, _ := newTestContext()
	ctx.Sstatus &^= sstatusFS // simulate an internally-tracked non-dirty FS
	v, err := ctx.ReadCSR(csrSstatus, fixedClock{})
	if err != nil {
		t.Fatalf("ReadCSR: %v", err)
	}
	if v&sstatusFS != sstatusFS {
		t.Errorf("sstatus read FS field = %#x, want Dirty regardless of internal state", v&sstatusFS)
	}
	if v&sstatusSD == 0 {
		t.Error("sstatus read should set the SD summary bit whenever FS reads as Dirty")
	}
}

func TestCSRFflagsRoundTrip(t *testing.T) {
	ctx, _ := newTestContext()
	if err := ctx.WriteCSR(csrFflags, 0x1f); err != nil {
		t.Fatalf("WriteCSR: %v", err)
	}
	v, err := ctx.ReadCSR(csrFflags, fixedClock{})
	if err != nil {
		t.Fatalf("ReadCSR: %v", err)
	}
	if v != 0x1f {
		t.Errorf("fflags = %#x, want 0x1f", v)
	}
	if ctx.Fcsr&0x1f != 0x1f {
		t.Errorf("Fcsr flags bits = %#x, want 0x1f", ctx.Fcsr&0x1f)
	}
}

func TestCheckAlignDetectsMisalignment(t *testing.T) {
	if err := checkAlign(0x1003, 4, false); err == nil {
		t.Fatal("expected a misaligned load to fault")
	} else if trap := err.(TrapError); trap.Cause != CauseLoadAddrMisaligned {
		t.Errorf("Cause = %d, want %d", trap.Cause, CauseLoadAddrMisaligned)
	}
	if err := checkAlign(0x1004, 4, false); err != nil {
		t.Errorf("expected an aligned load not to fault, got %v", err)
	}
	if err := checkAlign(0x1001, 8, true); err == nil {
		t.Fatal("expected a misaligned store to fault")
	} else if trap := err.(TrapError); trap.Cause != CauseStoreAddrMisaligned {
		t.Errorf("Cause = %d, want %d", trap.Cause, CauseStoreAddrMisaligned)
	}
}
