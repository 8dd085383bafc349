package core

import "fmt"

// Access is the kind of memory access being translated, used to pick the
// right page-table permission bit and the right L0 cache (fetch uses the
// I-cache; read/write use the D-cache).
type Access uint8

const (
	AccessFetch Access = iota
	AccessRead
	AccessWrite
)

// Fault classes, matching the standard RISC-V exception codes this
// emulator can raise from translation.
const (
	CauseInsnAddrMisaligned = 0
	CauseInsnAccessFault    = 1
	CauseIllegalInsn        = 2
	CauseBreakpoint         = 3
	CauseLoadAddrMisaligned = 4
	CauseLoadAccessFault    = 5
	CauseStoreAddrMisaligned = 6
	CauseStoreAccessFault   = 7
	CauseEcallFromU         = 8
	CauseEcallFromS         = 9
	CauseInsnPageFault      = 12
	CauseLoadPageFault      = 13
	CauseStorePageFault     = 15

	CauseSSoftwareInt = (1 << 63) | 1
	CauseSTimerInt    = (1 << 63) | 5
	CauseSExternalInt = (1 << 63) | 9
)

// TrapError carries a RISC-V cause/tval pair up through the interpreter to
// the dispatcher, which rewinds PC/instret and invokes trap delivery. It
// is a guest-visible fault, never a bug in this emulator.
type TrapError struct {
	Cause uint64
	Tval  uint64
}

func (e TrapError) Error() string {
	return fmt.Sprintf("trap: cause=%d tval=0x%x", e.Cause, e.Tval)
}

func fault(cause uint64, tval uint64) error { return TrapError{Cause: cause, Tval: tval} }

const pageShift = 12
const pageSize = 1 << pageShift
const pageMask = pageSize - 1

// Bus is the guest physical address space: RAM plus memory-mapped devices.
// The translator only needs 64-bit reads and writes of page-table entries;
// the interpreter does the sized accesses once it has a physical address.
type Bus interface {
	ReadPhys8(addr uint64) (uint8, error)
	WritePhys8(addr uint64, v uint8) error
	ReadPhys16(addr uint64) (uint16, error)
	WritePhys16(addr uint64, v uint16) error
	ReadPhys32(addr uint64) (uint32, error)
	WritePhys32(addr uint64, v uint32) error
	ReadPhys64(addr uint64) (uint64, error)
	WritePhys64(addr uint64, v uint64) error
}

const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteA = 1 << 6
	pteD = 1 << 7
)

// walkSv39 performs the three-level page walk spec.md requires: satp mode
// 8 selects Sv39, mode 0 is bare/identity. It sets the accessed bit always
// and the dirty bit on a write, matching hardware PTW behavior so no
// separate software-managed A/D path is needed.
func walkSv39(bus Bus, satp uint64, vaddr uint64, access Access, priv uint8, sum, mxr bool) (uint64, error) {
	mode := satp >> 60
	if mode == 0 {
		return vaddr, nil // bare mode: identity map
	}
	if mode != 8 {
		return 0, fmt.Errorf("translate: unsupported satp mode %d", mode)
	}

	ppn := satp & ((1 << 44) - 1)
	vpn := [3]uint64{
		(vaddr >> 12) & 0x1ff,
		(vaddr >> 21) & 0x1ff,
		(vaddr >> 30) & 0x1ff,
	}

	var pte uint64
	var pteAddr uint64
	level := 2
	for {
		pteAddr = ppn*pageSize + vpn[level]*8
		v, err := bus.ReadPhys64(pteAddr)
		if err != nil {
			return 0, pageFaultFor(access, vaddr)
		}
		pte = v

		if pte&pteV == 0 || (pte&pteR == 0 && pte&pteW != 0) {
			return 0, pageFaultFor(access, vaddr)
		}
		if pte&(pteR|pteX) != 0 {
			break // leaf
		}
		if level == 0 {
			return 0, pageFaultFor(access, vaddr)
		}
		ppn = (pte >> 10) & ((1 << 44) - 1)
		level--
	}

	if err := checkPerm(pte, access, priv, sum, mxr); err != nil {
		return 0, err
	}

	// Superpage misalignment check.
	for i := 0; i < level; i++ {
		if (pte>>10)&((1<<(9*uint(i+1)))-1) != 0 {
			return 0, pageFaultFor(access, vaddr)
		}
	}

	need := uint64(pteA)
	if access == AccessWrite {
		need |= pteD
	}
	if pte&need != need {
		pte |= need
		if err := bus.WritePhys64(pteAddr, pte); err != nil {
			return 0, pageFaultFor(access, vaddr)
		}
	}

	ppnOut := (pte >> 10) & ((1 << 44) - 1)
	offsetMask := uint64(pageMask)
	shift := uint(12)
	for i := 0; i < level; i++ {
		offsetMask |= (uint64(0x1ff) << shift)
		shift += 9
	}
	paddr := (ppnOut << 12 &^ offsetMask) | (vaddr & offsetMask)
	return paddr, nil
}

func checkPerm(pte uint64, access Access, priv uint8, sum, mxr bool) error {
	switch access {
	case AccessFetch:
		if pte&pteX == 0 {
			return fault(CauseInsnPageFault, 0)
		}
	case AccessRead:
		readable := pte&pteR != 0 || (mxr && pte&pteX != 0)
		if !readable {
			return fault(CauseLoadPageFault, 0)
		}
	case AccessWrite:
		if pte&pteW == 0 {
			return fault(CauseStorePageFault, 0)
		}
	}
	if pte&pteU != 0 && priv != PrivUser && !sum {
		return pageFaultFor(access, 0)
	}
	if pte&pteU == 0 && priv == PrivUser {
		return pageFaultFor(access, 0)
	}
	return nil
}

func pageFaultFor(access Access, tval uint64) error {
	switch access {
	case AccessFetch:
		return fault(CauseInsnPageFault, tval)
	case AccessWrite:
		return fault(CauseStorePageFault, tval)
	default:
		return fault(CauseLoadPageFault, tval)
	}
}

// Translate resolves vaddr through the hart's L0 cache, falling back to a
// full Sv39 walk on a miss. This is the sole entry point the interpreter
// and dispatcher use for every memory reference; it keeps the XOR-trick
// invariant (Paddr is phys^virt, so paddr = line.Paddr^vaddr on a hit).
func Translate(ctx *Context, bus Bus, vaddr uint64, access Access) (uint64, error) {
	idx := (vaddr >> pageShift) & (l0CacheLines - 1)
	pageNum := vaddr >> pageShift

	if access == AccessFetch {
		line := &ctx.ICache[idx]
		if line.Tag == pageNum {
			return line.Paddr ^ vaddr, nil
		}
		return fetchCacheMiss(ctx, bus, vaddr, idx, pageNum)
	}

	line := &ctx.DCache[idx]
	wantTag := pageNum << 1
	if access == AccessWrite {
		// A writable D-cache line always carries bit0==0; a non-writable
		// line (built from any read miss, or demoted by an I-cache fill of
		// the same page) has bit0 set and must not satisfy a write even if the page number
		// matches, so fall through to a fresh walk that re-checks perms.
		if line.Tag == wantTag {
			return line.Paddr ^ vaddr, nil
		}
		return dataCacheMiss(ctx, bus, vaddr, idx, access)
	}
	if line.Tag == wantTag || line.Tag == wantTag|1 {
		return line.Paddr ^ vaddr, nil
	}
	return dataCacheMiss(ctx, bus, vaddr, idx, access)
}

func (ctx *Context) permState() (priv uint8, sum, mxr bool) {
	return ctx.Prv, ctx.Sstatus&sstatusSUM != 0, ctx.Sstatus&sstatusMXR != 0
}

func fetchCacheMiss(ctx *Context, bus Bus, vaddr uint64, idx, pageNum uint64) (uint64, error) {
	priv, sum, mxr := ctx.permState()
	paddr, err := walkSv39(bus, ctx.Satp, vaddr, AccessFetch, priv, sum, mxr)
	if err != nil {
		return 0, err
	}
	pageBase := vaddr &^ pageMask
	physBase := paddr &^ pageMask
	ctx.ICache[idx] = CacheLine{Tag: pageNum, Paddr: physBase ^ pageBase}
	// The instruction stream for this page is now cached; any D-cache
	// entry for the same page must record that sharing, so a later write
	// through the D-cache knows to invalidate the I-cache entry too.
	dIdx := idx
	if ctx.DCache[dIdx].Tag&^1 == pageNum<<1 {
		ctx.DCache[dIdx].Tag |= 1
	}
	return paddr, nil
}

func dataCacheMiss(ctx *Context, bus Bus, vaddr uint64, idx uint64, access Access) (uint64, error) {
	priv, sum, mxr := ctx.permState()
	paddr, err := walkSv39(bus, ctx.Satp, vaddr, access, priv, sum, mxr)
	if err != nil {
		return 0, err
	}

	pageBase := vaddr &^ pageMask
	physBase := paddr &^ pageMask
	pageNum := vaddr >> pageShift

	// A read miss always refills non-writable, even on a page that would
	// itself permit writes: the first store to the page must still take
	// the write-miss slow path below so OnWriteMiss fires and the code
	// cache invalidates any block built from this page before the write
	// is allowed to land, matching the original's read-miss tag
	// (idx<<1 | 1) regardless of the page's real writability.
	writable := access == AccessWrite

	tag := pageNum << 1
	if !writable {
		tag |= 1
	} else {
		// A writable refill invalidates any I-cache entry for the same
		// page: code and data must not alias without an explicit
		// fence.i, and a writable D-cache line is exactly the case
		// where self-modifying code is possible.
		if ctx.ICache[idx].Tag == pageNum {
			ctx.ICache[idx].Tag = emptyCacheTag
		}
	}
	ctx.DCache[idx] = CacheLine{Tag: tag, Paddr: physBase ^ pageBase}
	if access == AccessWrite && ctx.OnWriteMiss != nil {
		ctx.OnWriteMiss(physBase)
	}
	return paddr, nil
}
