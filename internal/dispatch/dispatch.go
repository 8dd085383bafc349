// Package dispatch implements the per-hart fetch/decode/execute loop: the
// part spec.md §3's data-flow paragraph describes as "each hart fiber
// repeatedly calls the dispatcher, which consults the code cache; on miss
// it invokes the block decoder... the dispatcher then runs the block by
// repeatedly invoking the interpreter." Grounded on
// original_source/src/emu/interp.rs's fiber_interp_run loop for the
// fetch/check-interrupt/run-block/advance-or-trap shape, and on
// tinyrange-cc/internal/hv/riscv/rv64/machine.go's Step loop for the Go
// idiom (plain for loop over decoded ops, explicit error return instead of
// a signal/longjmp).
package dispatch

import (
	"github.com/rv64x/rvemu/internal/blockcache"
	"github.com/rv64x/rvemu/internal/core"
	"github.com/rv64x/rvemu/internal/decode"
)

// Bus is the guest physical memory and MMIO surface the dispatcher reads
// instructions and data through; devices.Bus implements it.
type Bus interface {
	core.Bus
}

// fetchWord adapts a hart's Context+Bus into blockcache.FetchWord: every
// call translates through the I-cache so a mid-block page-table change is
// still caught by Decode's page-boundary stop rather than silently
// reading stale permissions. vaddr is the instruction's virtual address;
// the physical address Translate returns is only used to read the byte.
type fetchWord struct {
	ctx *core.Context
	bus Bus
}

func (f fetchWord) FetchInsnHalf(vaddr uint64) (uint16, error) {
	paddr, err := core.Translate(f.ctx, f.bus, vaddr, core.AccessFetch)
	if err != nil {
		return 0, err
	}
	return f.bus.ReadPhys16(paddr)
}

// Hart couples one hart's Context to the code-cache arena it shares with
// no one else (each hart gets its own arena, matching spec.md's per-hart
// code cache) and the process-wide services (bus, clock, SBI) it needs to
// run.
type Hart struct {
	Ctx   *core.Context
	Bus   Bus
	Arena *blockcache.Arena
	Clock core.Clock
	SBI   core.SBIEnv

	// Syscall, when set, routes a U-mode ECALL (cause CauseEcallFromU) to
	// the secondary user-mode ABI's host syscall shim instead of trapping
	// it to a guest handler; left nil in full-system mode, where a U-mode
	// ECALL is a guest-visible trap into the kernel's own syscall path.
	Syscall func(nr uint64, args [6]uint64) (value uint64, exited bool, exitCode int)

	// Exited and ExitCode record a user-mode process's exit(2)/exit_group(2)
	// call; the scheduler checks these after Shared.ShouldShutdown() to
	// decide the process exit code in user-only mode.
	Exited   bool
	ExitCode int

	// Trace, when set, is called with every op's virtual PC just before
	// it executes; the --disassemble CLI flag wires this to a logger.
	Trace func(vaddr uint64, op decode.Op)

	// OnBlockBuilt, when set, is called once per newly decoded block
	// (never on a code-cache hit); the --perf CLI flag wires this to a
	// perf map writer.
	OnBlockBuilt func(pcStart uint64, numOps int)
}

// NewHart creates a dispatcher for one hart, wiring ctx.OnWriteMiss to the
// arena's targeted invalidation so self-modifying guest code is observed
// per spec.md §4.1's write-miss coherence rule.
func NewHart(ctx *core.Context, bus Bus, arena *blockcache.Arena, clock core.Clock, sbi core.SBIEnv) *Hart {
	h := &Hart{Ctx: ctx, Bus: bus, Arena: arena, Clock: clock, SBI: sbi}
	ctx.OnWriteMiss = func(pageBase uint64) {
		const coherenceWindow = 4096
		lo := pageBase - coherenceWindow
		hi := pageBase + coherenceWindow
		arena.InvalidateRange(lo, hi)
	}
	return h
}

// StepOnce runs at most one basic block: checks for a pending interrupt,
// fetches (possibly decoding and installing) the block at the current PC,
// and executes its ops in order. It returns after one block (or after a
// trap cuts a block short), so the caller can interleave per-block
// bookkeeping — WFI parking, a shutdown check — without this package
// needing to know about the scheduler.
func (h *Hart) StepOnce() {
	ctx := h.Ctx

	ctx.Shared.TestAndClearAlert() // clears the flag; its value is unused, since pending interrupts are re-checked below on every call
	if fenceI, fenceVMA := ctx.Shared.TakeRemoteFence(); fenceI || fenceVMA {
		if fenceVMA {
			ctx.ClearLocalDCache()
			ctx.ClearLocalICache()
		} else {
			ctx.ClearLocalICache()
		}
	}
	if take, cause := ctx.CheckInterrupt(); take {
		ctx.HandleTrap(cause, 0)
	}

	if ctx.WFI {
		if ctx.Shared.Pending()&ctx.Sie == 0 {
			return // still parked; the scheduler decides how long to sleep
		}
		ctx.WFI = false
	}

	vaddr := ctx.PC
	paddr, err := core.Translate(ctx, h.Bus, vaddr, core.AccessFetch)
	if err != nil {
		h.deliverFault(err)
		return
	}

	block := h.Arena.Lookup(paddr)
	if block == nil {
		block, err = blockcache.Decode(fetchWord{ctx: ctx, bus: h.Bus}, vaddr)
		if err != nil {
			h.deliverFault(err)
			return
		}
		// Decode walks virtual addresses; the arena is keyed by physical
		// ones, so rebase the block onto paddr (same page offset).
		delta := paddr - vaddr
		block.PCStart += delta
		block.PCEnd += delta
		for i := range block.PCMap {
			block.PCMap[i] += delta
		}
		h.Arena.Insert(block)
		if h.OnBlockBuilt != nil {
			h.OnBlockBuilt(block.PCStart, len(block.Ops))
		}
	}

	h.runBlock(block, vaddr)
}

// runBlock executes every op in block in order, starting at startVaddr.
// Before each op ctx.PC is set to that op's virtual PC; after it, ctx.PC
// points at the next instruction: op.Size further on when Step left PC
// unchanged, or wherever Step moved it. A trap is delivered with ctx.PC
// still at the faulting op.
func (h *Hart) runBlock(block *blockcache.Block, startVaddr uint64) {
	ctx := h.Ctx
	ctx.CurBlockPC = block.PCStart

	vaddr := startVaddr
	for _, op := range block.Ops {
		ctx.PC = vaddr
		if h.Trace != nil {
			h.Trace(vaddr, op)
		}
		err := core.Step(ctx, h.Bus, op, h.Clock, h.SBI)
		ctx.Minstret++
		if err != nil {
			if h.handleUserEcall(err) {
				ctx.Instret++
				if h.Exited {
					return
				}
				vaddr += uint64(op.Size)
				ctx.PC = vaddr
				continue
			}
			h.deliverFault(err)
			return
		}
		ctx.Instret++

		// A JAL/JALR always jumps, so its target is taken even when it
		// equals the op's own PC (a self loop); for any other op an
		// unchanged PC means straight-line flow, so a taken branch with
		// offset 0 is treated as falling through.
		if ctx.PC == vaddr && op.Kind != decode.KindJAL && op.Kind != decode.KindJALR {
			vaddr += uint64(op.Size)
		} else {
			vaddr = ctx.PC
		}
		ctx.PC = vaddr

		if ctx.WFI {
			return
		}
	}
}

// handleUserEcall intercepts a U-mode ECALL trap when h.Syscall is set,
// runs the host syscall, writes its return value to a0, and reports
// whether it consumed the trap (so the caller advances past the ecall
// instead of delivering it as a guest-visible fault).
func (h *Hart) handleUserEcall(err error) bool {
	if h.Syscall == nil {
		return false
	}
	trap, ok := err.(core.TrapError)
	if !ok || trap.Cause != core.CauseEcallFromU {
		return false
	}
	ctx := h.Ctx
	var args [6]uint64
	for i := range args {
		args[i] = ctx.ReadReg(uint8(10 + i)) // a0-a5
	}
	nr := ctx.ReadReg(17) // a7
	value, exited, code := h.Syscall(nr, args)
	ctx.WriteReg(10, value)
	if exited {
		h.Exited = true
		h.ExitCode = code
		ctx.Shared.Shutdown()
	}
	return true
}

// deliverFault turns a Step/Translate error into a guest trap when it is
// a core.TrapError (a guest-visible fault), and otherwise treats it as a
// host error by parking the hart via shutdown — spec.md's "the core
// itself never returns host errors" only holds once boot has validated
// guest memory, so any other error here indicates a boot-time bug, not
// guest misbehavior.
func (h *Hart) deliverFault(err error) {
	if trap, ok := err.(core.TrapError); ok {
		h.Ctx.HandleTrap(trap.Cause, trap.Tval)
		return
	}
	h.Ctx.Shared.Shutdown()
}
