// Package core implements the per-hart execution state, the SV39
// translator and its L0 caches, CSR semantics, atomics, trap delivery, and
// the SBI call table — the parts of this emulator whose behavior is
// specified down to exact bit layouts and ordering.
package core

import "sync/atomic"

// Privilege levels this emulator implements. There is no M-mode: SBI calls
// stand in for firmware, matching a pure S-mode/U-mode guest.
const (
	PrivUser       = 0
	PrivSupervisor = 1
)

// emptyCacheTag marks an unused CacheLine slot; it can never equal a real
// page number shifted into tag position.
const emptyCacheTag = (uint64(1) << 63) - 1

// CacheLine is one slot of the L0 direct-mapped translation cache. Tag
// encodes the virtual page number (D-cache additionally ORs in a
// non-writable bit in position 0); Paddr stores phys XOR virt so a hit
// recovers the physical address with a single XOR against the faulting
// virtual address.
type CacheLine struct {
	Tag   uint64
	Paddr uint64
}

const l0CacheLines = 1024

// Context holds one hart's architectural state. Integer/FP register files
// sit first to keep hot-path field offsets small, matching the layout
// rationale the teacher's own CPU struct and r2vm's repr(C) Context use.
type Context struct {
	Shared *SharedContext

	Registers   [32]uint64
	FPRegisters [32]uint64 // NaN-boxed; see softfloat.Box32/Unbox32
	Fcsr        uint8      // flags[4:0] | rm[7:5]

	PC      uint64
	Instret uint64 // retired-instruction counter, guest-visible via CSR
	Minstret uint64 // host-side retired count including instructions that later faulted

	LRAddr    uint64
	LRValid   bool

	// S-mode CSR file. There is deliberately no M-mode file: SBI calls
	// (see trap.go) cover what M-mode firmware would otherwise do.
	Sstatus    uint64
	Sie        uint64
	Sip        uint64 // not read or written here; the sip CSR reads Shared.Pending()
	Stvec      uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Satp       uint64
	Scounteren uint64
	Timecmp    uint64

	Prv    uint8
	HartID uint64
	WFI    bool

	DCache [l0CacheLines]CacheLine
	ICache [l0CacheLines]CacheLine

	CurBlockPC uint64 // pc_start of the block currently executing, for trap PC rewind

	// OnWriteMiss is invoked by Translate on every D-cache write-miss
	// refill with the physical base address of the written page, so the dispatcher can
	// invalidate any code-cache block whose pc_start falls in
	// [page-4096, page+4096) per spec.md §4.1's write-miss coherence
	// rule. Wired by internal/dispatch; nil in any test that only
	// exercises translation in isolation.
	OnWriteMiss func(pageBase uint64)
}

// NewContext returns a Context in the power-on-reset state this
// implementation's boot sequence expects: general registers poisoned with
// a recognizable sentinel (except x0), FP registers likewise, FS fields on
// so early float use does not trap, both caches empty.
func NewContext(hartID uint64) *Context {
	ctx := &Context{
		Shared:  NewSharedContext(),
		HartID:  hartID,
		Sstatus: sstatusFSInitial,
	}
	for i := range ctx.Registers {
		ctx.Registers[i] = 0xcccccccccccccccc
	}
	ctx.Registers[0] = 0
	for i := range ctx.FPRegisters {
		ctx.FPRegisters[i] = 0xffffffffffffffff
	}
	for i := range ctx.DCache {
		ctx.DCache[i] = CacheLine{Tag: emptyCacheTag}
		ctx.ICache[i] = CacheLine{Tag: emptyCacheTag}
	}
	return ctx
}

// ClearLocalDCache invalidates every D-cache line. Called on SATP write,
// privilege-level change, and local SFENCE.VMA.
func (ctx *Context) ClearLocalDCache() {
	for i := range ctx.DCache {
		ctx.DCache[i].Tag = emptyCacheTag
	}
}

// ClearLocalICache invalidates every I-cache line. D-cache lines keep
// their non-writable bit, so the next store to such a page still takes the
// write-miss path.
func (ctx *Context) ClearLocalICache() {
	for i := range ctx.ICache {
		ctx.ICache[i].Tag = emptyCacheTag
	}
}

// ReadReg/WriteReg enforce x0-hardwired-zero at the single choke point
// every interpreter path goes through.
func (ctx *Context) ReadReg(r uint8) uint64 {
	return ctx.Registers[r&0x1f]
}

func (ctx *Context) WriteReg(r uint8, v uint64) {
	if r == 0 {
		return
	}
	ctx.Registers[r&0x1f] = v
}

const (
	sstatusSIE  = 1 << 1
	sstatusSPIE = 1 << 5
	sstatusSPP  = 1 << 8
	sstatusFS   = 3 << 13
	sstatusSUM  = 1 << 18
	sstatusMXR  = 1 << 19
	sstatusUXL  = uint64(2) << 32
	sstatusSD   = 1 << 63

	sstatusFSInitial = sstatusFS | sstatusUXL // FPU enabled ("dirty enough to use") at boot
)

// SharedContext is the cross-hart-visible half of a hart's interrupt
// state: the only fields another hart's SBI call (send-IPI, remote fence)
// may touch without going through this hart's own instruction stream.
// Every field is manipulated with atomics only — there is no lock here by
// design, matching the spec's lock-free requirement.
type SharedContext struct {
	sip           atomic.Uint64 // pending interrupt mask, OR-accumulated
	newInterrupts atomic.Bool   // set on any cross-hart nudge, swapped-and-cleared by the owning hart
	shutdown      atomic.Bool
	remoteFence   atomic.Uint32 // bits: fenceIBit, fenceVMABit — consumed by the owning hart between blocks
}

// Remote-fence request bits, OR-accumulated into SharedContext.remoteFence
// by another hart's SBI remote-fence.i / remote-sfence.vma call and
// consumed by the owning hart's dispatcher between blocks, per spec.md
// §5's "interrupts from remote harts are visible no later than the end of
// the currently-executing block of the target" guarantee generalized to
// cache-coherence requests.
const (
	fenceIBit   = 1 << 0
	fenceVMABit = 1 << 1
)

func NewSharedContext() *SharedContext {
	return &SharedContext{}
}

// Assert ORs bits into the pending-interrupt mask. Memory order is
// deliberately relaxed: the only thing that must happen-before a
// consumer's observation of these bits is the Alert that follows it.
func (s *SharedContext) Assert(mask uint64) {
	s.sip.Or(mask)
}

// Deassert clears bits from the pending-interrupt mask.
func (s *SharedContext) Deassert(mask uint64) {
	s.sip.And(^mask)
}

// Pending returns the current interrupt-pending mask.
func (s *SharedContext) Pending() uint64 {
	return s.sip.Load()
}

// Alert marks that the owning hart should re-check its interrupt state at
// the next opportunity. The store uses release ordering: everything this
// hart did before calling Alert (e.g. Assert) must be visible to whichever
// hart next observes newInterrupts via TestAndClearAlert's acquire swap.
func (s *SharedContext) Alert() {
	s.newInterrupts.Store(true)
}

// TestAndClearAlert is the dispatcher's between-blocks poll: it atomically
// reads and clears the alert flag with acquire ordering, so a true result
// guarantees all interrupt-state writes that preceded the matching Alert
// are visible to this hart.
func (s *SharedContext) TestAndClearAlert() bool {
	return s.newInterrupts.Swap(false)
}

// RequestFenceI asks the owning hart to clear its I-cache at its next
// block boundary, the effect of a remote SBI remote-fence.i call.
func (s *SharedContext) RequestFenceI() {
	s.remoteFence.Or(fenceIBit)
}

// RequestSFenceVMA asks the owning hart to flush both L0 caches at its
// next block boundary, the effect of a remote SBI remote-sfence.vma call.
func (s *SharedContext) RequestSFenceVMA() {
	s.remoteFence.Or(fenceVMABit)
}

// TakeRemoteFence atomically consumes any pending remote-fence request,
// reporting which kind(s) arrived since the last call. The dispatcher
// calls this once per block.
func (s *SharedContext) TakeRemoteFence() (fenceI, fenceVMA bool) {
	v := s.remoteFence.Swap(0)
	return v&fenceIBit != 0, v&fenceVMABit != 0
}

func (s *SharedContext) Shutdown() {
	s.shutdown.Store(true)
}

func (s *SharedContext) ShouldShutdown() bool {
	return s.shutdown.Load()
}
