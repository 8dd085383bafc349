package core

// CSR addresses this emulator implements. There is no M-mode CSR file:
// SBI calls (trap.go) substitute for what M-mode firmware would otherwise
// expose, per this emulator's S-mode-only design.
const (
	csrFflags = 0x001
	csrFrm    = 0x002
	csrFcsr   = 0x003

	csrCycle   = 0xc00
	csrTime    = 0xc01
	csrInstret = 0xc02

	csrSstatus    = 0x100
	csrSie        = 0x104
	csrStvec      = 0x105
	csrScounteren = 0x106
	csrSscratch   = 0x140
	csrSepc       = 0x141
	csrScause     = 0x142
	csrStval      = 0x143
	csrSip        = 0x144
	csrSatp       = 0x180
)

// Clock is the shared notion of elapsed virtual time every hart's `time`
// CSR and the CLINT device read from; it is owned by the event loop.
type Clock interface {
	// Cycle returns the current virtual cycle count (wall-clock
	// microseconds times 100 in threaded mode, an instruction-count
	// surrogate in lockstep mode, per the event loop's two time bases).
	Cycle() uint64
}

// ReadCSR implements the Zicsr read side. clock supplies the shared
// virtual-time source csrTime and csrCycle read from.
func (ctx *Context) ReadCSR(csr uint16, clock Clock) (uint64, error) {
	if !csrAccessible(csr, ctx.Prv) {
		return 0, fault(CauseIllegalInsn, uint64(csr))
	}
	switch csr {
	case csrFflags:
		return uint64(ctx.Fcsr & 0x1f), nil
	case csrFrm:
		return uint64(ctx.Fcsr >> 5), nil
	case csrFcsr:
		return uint64(ctx.Fcsr), nil
	case csrCycle:
		return clock.Cycle(), nil
	case csrTime:
		return clock.Cycle() / 100, nil
	case csrInstret:
		return ctx.Instret, nil
	case csrSstatus:
		// spec.md §4.2: a read always presents FS=Dirty together with the
		// SD summary bit, regardless of the internal FS value tracked for
		// the Off-gating check in TestAndSetFS.
		return ctx.Sstatus | sstatusFS | sstatusSD, nil
	case csrSie:
		return ctx.Sie, nil
	case csrStvec:
		return ctx.Stvec, nil
	case csrScounteren:
		return ctx.Scounteren, nil
	case csrSscratch:
		return ctx.Sscratch, nil
	case csrSepc:
		return ctx.Sepc, nil
	case csrScause:
		return ctx.Scause, nil
	case csrStval:
		return ctx.Stval, nil
	case csrSip:
		return ctx.Shared.Pending(), nil
	case csrSatp:
		return ctx.Satp, nil
	default:
		return 0, fault(CauseIllegalInsn, uint64(csr))
	}
}

// WriteCSR implements the Zicsr write side. A SATP write invalidates both
// L0 caches (a future translation under the new address space must not
// reuse a stale mapping).
func (ctx *Context) WriteCSR(csr uint16, val uint64) error {
	if !csrAccessible(csr, ctx.Prv) {
		return fault(CauseIllegalInsn, uint64(csr))
	}
	if csr>>10 == 3 {
		return fault(CauseIllegalInsn, uint64(csr)) // top two bits set = read-only range
	}
	switch csr {
	case csrFflags:
		ctx.Fcsr = (ctx.Fcsr &^ 0x1f) | uint8(val&0x1f)
	case csrFrm:
		ctx.Fcsr = (ctx.Fcsr &^ 0xe0) | uint8((val&0x7)<<5)
	case csrFcsr:
		ctx.Fcsr = uint8(val & 0xff)
	case csrSstatus:
		ctx.Sstatus = (ctx.Sstatus &^ sstatusWritableMask) | (val & sstatusWritableMask)
		ctx.syncSD()
	case csrSie:
		ctx.Sie = val & sieWritableMask
	case csrStvec:
		ctx.Stvec = val
	case csrScounteren:
		ctx.Scounteren = val
	case csrSscratch:
		ctx.Sscratch = val
	case csrSepc:
		ctx.Sepc = val &^ 1
	case csrScause:
		ctx.Scause = val
	case csrStval:
		ctx.Stval = val
	case csrSip:
		// Only the software-interrupt bit is writable from S-mode.
		if val&sipSSIP != 0 {
			ctx.Shared.Assert(sipSSIP)
		} else {
			ctx.Shared.Deassert(sipSSIP)
		}
	case csrSatp:
		ctx.Satp = val
		ctx.ClearLocalDCache()
		ctx.ClearLocalICache()
	default:
		return fault(CauseIllegalInsn, uint64(csr))
	}
	return nil
}

const (
	sipSSIP = 1 << 1
	sipSTIP = 1 << 5
	sipSEIP = 1 << 9

	sieWritableMask     = sipSSIP | sipSTIP | sipSEIP
	sstatusWritableMask = sstatusSIE | sstatusSPIE | sstatusSPP | sstatusFS | sstatusSUM | sstatusMXR
)

// Exported aliases of the sip bit positions, for the main driver and the
// SBIEnv implementation it supplies to HandleSBI: SetTimer/SendIPI act on
// another hart's SharedContext from outside this package, so the bit
// positions need a name callers outside core can spell.
const (
	SIPSoftware = sipSSIP
	SIPTimer    = sipSTIP
	SIPExternal = sipSEIP
)

func (ctx *Context) syncSD() {
	if ctx.Sstatus&sstatusFS == sstatusFS {
		ctx.Sstatus |= sstatusSD
	} else {
		ctx.Sstatus &^= sstatusSD
	}
}

// TestAndSetFS marks the FP unit dirty on every FP operation, matching
// spec.md's "any FP register write sets FS=Dirty" rule. It returns an
// illegal-instruction fault, leaving FS unchanged, when FS is Off (FP use
// disabled).
func (ctx *Context) TestAndSetFS() error {
	if ctx.Sstatus&sstatusFS == 0 {
		return fault(CauseIllegalInsn, 0)
	}
	ctx.Sstatus |= sstatusFS
	ctx.syncSD()
	return nil
}

// csrAccessible enforces the privilege-level bits encoded in a CSR
// address (bits 9:8): this emulator only ever runs at U or S, so any CSR
// requiring a higher level than S is simply never accessible.
func csrAccessible(csr uint16, priv uint8) bool {
	need := (csr >> 8) & 3
	return uint16(priv) >= need
}

// CheckInterrupt reports whether a pending, enabled interrupt should be
// taken before the next instruction, and which cause to deliver. Priority
// picks the highest-numbered pending bit: external(9), timer(5),
// software(1).
func (ctx *Context) CheckInterrupt() (bool, uint64) {
	pending := ctx.Shared.Pending() & ctx.Sie
	if pending == 0 {
		return false, 0
	}
	if ctx.Prv == PrivSupervisor && ctx.Sstatus&sstatusSIE == 0 {
		return false, 0
	}
	switch {
	case pending&sipSEIP != 0:
		return true, CauseSExternalInt
	case pending&sipSTIP != 0:
		return true, CauseSTimerInt
	case pending&sipSSIP != 0:
		return true, CauseSSoftwareInt
	default:
		return false, 0
	}
}
