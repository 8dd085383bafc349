package core

// SBIEnv is the host-side surface an SBI call needs: the shared event
// loop (for the timer call) and the other harts' shared contexts (for
// IPI/remote-fence calls), and a way to reach the console and to shut the
// machine down. The dispatcher supplies the concrete implementation so
// this package never imports the scheduler or event loop, avoiding an
// import cycle.
type SBIEnv interface {
	SetTimer(hartID uint64, deadlineCycles uint64)
	ConsolePutChar(b byte)
	ConsoleGetChar() (byte, bool)
	SendIPI(hartMask uint64)
	RemoteFenceI(hartMask uint64)
	RemoteSFenceVMA(hartMask uint64)
	Shutdown(code int)
}

// SBI function IDs, passed in a7, matching the 9-entry legacy extension
// table this emulator's firmware substitute implements.
const (
	sbiSetTimer        = 0
	sbiConsolePutChar  = 1
	sbiConsoleGetChar  = 2
	sbiClearIPI        = 3
	sbiSendIPI         = 4
	sbiRemoteFenceI    = 5
	sbiRemoteSFenceVMA = 6
	sbiRemoteSFenceASID = 7
	sbiShutdown        = 8
)

// HandleSBI dispatches an ECALL from S-mode (a7 selects the function, a0
// carries its single argument in every case this table needs). PC still
// points at the ecall when this is called; when it returns nil the
// dispatcher sees PC unchanged and advances past the ecall. This matches
// spec.md's "ecall delegates through SBI, does not trap to a
// handler" framing for everything except an unrecognized function number.
func HandleSBI(ctx *Context, env SBIEnv) error {
	nr := ctx.ReadReg(17) // a7
	arg0 := ctx.ReadReg(10) // a0

	switch nr {
	case sbiSetTimer:
		// The guest passes a deadline in its own `time` units; the
		// event loop's virtual cycle runs 100x faster, matching the
		// time CSR's own cycle/100 scaling.
		ctx.Timecmp = arg0 * 100
		env.SetTimer(ctx.HartID, ctx.Timecmp)
		ctx.Shared.Deassert(sipSTIP)
	case sbiConsolePutChar:
		env.ConsolePutChar(byte(arg0))
	case sbiConsoleGetChar:
		b, ok := env.ConsoleGetChar()
		if !ok {
			ctx.WriteReg(10, ^uint64(0))
		} else {
			ctx.WriteReg(10, uint64(b))
		}
	case sbiClearIPI:
		ctx.Shared.Deassert(sipSSIP)
	case sbiSendIPI, sbiRemoteFenceI, sbiRemoteSFenceVMA, sbiRemoteSFenceASID:
		// a0 is a guest pointer to the target hart bitmask per the SBI
		// legacy extension; this package has no Bus to dereference it
		// with, so it passes the raw pointer value through and leaves
		// the guest-memory read to the SBIEnv implementation, which owns
		// the bus (see cmd/rvemu's machineSBI.resolveMask).
		mask := arg0
		switch nr {
		case sbiSendIPI:
			env.SendIPI(mask)
		case sbiRemoteFenceI:
			env.RemoteFenceI(mask)
		default:
			env.RemoteSFenceVMA(mask)
		}
	case sbiShutdown:
		env.Shutdown(0)
	default:
		ctx.WriteReg(10, ^uint64(0)) // SBI_ERR_NOT_SUPPORTED
	}
	return nil
}

// HandleTrap delivers a trap (exception or interrupt) to S-mode. There is
// no M-mode to delegate to: every trap this emulator can raise lands in
// the guest's stvec, matching spec.md's S-mode-only model.
func (ctx *Context) HandleTrap(cause uint64, tval uint64) {
	ctx.Sepc = ctx.PC
	ctx.Scause = cause
	ctx.Stval = tval

	if ctx.Sstatus&sstatusSIE != 0 {
		ctx.Sstatus |= sstatusSPIE
	} else {
		ctx.Sstatus &^= sstatusSPIE
	}
	ctx.Sstatus &^= sstatusSIE

	if ctx.Prv == PrivSupervisor {
		ctx.Sstatus |= sstatusSPP
	} else {
		ctx.Sstatus &^= sstatusSPP
		// U -> S: a stale U-mode D-cache line would let the handler hit
		// a user page's cached translation with SUM=0 never re-checked.
		ctx.ClearLocalDCache()
		ctx.ClearLocalICache()
	}
	ctx.Prv = PrivSupervisor

	isInterrupt := cause>>63 != 0
	code := cause &^ (1 << 63)
	if ctx.Stvec&1 != 0 && isInterrupt {
		ctx.PC = (ctx.Stvec &^ 1) + 4*code
	} else {
		ctx.PC = ctx.Stvec &^ 3
	}
}

// SRet returns from a trap: restores SIE from SPIE, restores privilege
// from SPP (and forces SPP back to U, since a single trap can only be
// taken from U or S and this emulator never traps into S a second time
// without an intervening instruction), and flushes both L0 caches if
// privilege is dropping to U, since cached translations may have assumed
// S-mode-only visibility (the U-bit check in checkPerm).
func (ctx *Context) SRet() {
	if ctx.Sstatus&sstatusSPIE != 0 {
		ctx.Sstatus |= sstatusSIE
	} else {
		ctx.Sstatus &^= sstatusSIE
	}
	ctx.Sstatus |= sstatusSPIE

	prevPriv := ctx.Prv
	if ctx.Sstatus&sstatusSPP != 0 {
		ctx.Prv = PrivSupervisor
	} else {
		ctx.Prv = PrivUser
	}
	ctx.Sstatus &^= sstatusSPP

	ctx.PC = ctx.Sepc
	if prevPriv != ctx.Prv {
		ctx.ClearLocalDCache()
		ctx.ClearLocalICache()
	}
}

// SFenceVMA flushes both L0 caches in full, ignoring the ASID/VPN operands
// RISC-V allows hardware to use for a narrower flush, matching spec.md's
// chosen simplification (no ASID tracking, no partial flush).
func (ctx *Context) SFenceVMA() {
	ctx.ClearLocalDCache()
	ctx.ClearLocalICache()
}

// FenceI flushes only the I-cache, matching fence.i's narrower "make
// recent instruction-stream writes visible" contract.
func (ctx *Context) FenceI() {
	ctx.ClearLocalICache()
}
