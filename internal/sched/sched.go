// Package sched runs a collection of dispatch.Hart loops to completion
// under one of two scheduling policies: threaded (one goroutine per hart
// plus one for the event loop, real wall-clock time) or lockstep (a
// single goroutine round-robins every hart and drives virtual time by
// instruction count, so two runs of the same guest program produce
// identical host-observable behavior). This substitutes goroutines for
// original_source/lib/fiber/src/park.rs's stackful fibers — idiomatic Go
// has no equivalent to a fiber that context-switches without a channel
// or a scheduler point, so a hart "yields" by returning from StepOnce and
// the scheduler decides what runs next, rather than the hart parking
// itself mid-instruction. Threaded mode's fan-out/shutdown uses
// golang.org/x/sync/errgroup, matching the pack's other concurrent
// worker-pool code (internal/devices/virtio/p9.go's bounded task pool
// uses the sibling golang.org/x/sync/semaphore package for the same
// reason: this corpus reaches for x/sync over hand-rolled WaitGroup
// plumbing whenever a cancellable fan-out is needed).
package sched

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rv64x/rvemu/internal/dispatch"
	"github.com/rv64x/rvemu/internal/timerq"
)

// sleepPerBlock bounds how long a parked (WFI) hart waits before
// rechecking its pending-interrupt mask in threaded mode; it trades a
// small amount of latency on interrupt delivery for not spinning a whole
// core on a halted guest, mirroring the "sleep(n), yield" framing spec.md
// §5/§9 describe for the WFI path.
const sleepPerBlock = 50 * time.Microsecond

// Machine is every hart plus the shared event loop, ready to run under
// either scheduling policy.
type Machine struct {
	Harts     []*dispatch.Hart
	EventLoop *timerq.EventLoop
}

// RunThreaded runs every hart on its own goroutine and the event loop on
// another, until either ctx is cancelled (the console's Ctrl-A t hotkey
// switching to lockstep mode — the caller is expected to rebuild the
// arena via Reset and call RunLockstep next) or any hart's SharedContext
// observes shutdown. The first hart (or event-loop) error to occur
// cancels the rest via errgroup's shared context; StepOnce itself never
// returns an error; the group exists so a panic-turned-error in one
// goroutine reliably stops the others instead of leaking them.
func (m *Machine) RunThreaded(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.EventLoop.RunThreaded()
		return nil
	})

	for _, h := range m.Harts {
		h := h
		g.Go(func() error {
			runHartThreaded(gctx, h, m.EventLoop)
			return nil
		})
	}

	err := g.Wait()
	if m.anyShutdown() {
		m.EventLoop.Shutdown()
	}
	return err
}

// anyShutdown reports whether the guest itself asked to stop (SBI
// shutdown), as opposed to RunThreaded merely being cancelled by a
// scheduling-mode toggle.
func (m *Machine) anyShutdown() bool {
	for _, h := range m.Harts {
		if h.Ctx.Shared.ShouldShutdown() {
			return true
		}
	}
	return false
}

func runHartThreaded(ctx context.Context, h *dispatch.Hart, el *timerq.EventLoop) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if h.Ctx.Shared.ShouldShutdown() {
			return
		}
		h.StepOnce()
		if h.Ctx.WFI {
			time.Sleep(sleepPerBlock)
		}
	}
}

// RunLockstep drives every hart round-robin on a single goroutine, each
// getting a fixed instruction-count time slice before controls passes to
// the next hart and then to one no-sleep pass of the event loop. This is
// spec.md's deterministic replay mode: with no real clock and no OS
// scheduler involved in hart ordering, the exact same guest program
// produces the exact same trace run to run. Returns when every hart has
// shut down, or early if ctx is cancelled (the Ctrl-A t hotkey switching
// to threaded mode).
func (m *Machine) RunLockstep(ctx context.Context, sliceInsns uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		anyAlive := false
		for _, h := range m.Harts {
			if h.Ctx.Shared.ShouldShutdown() {
				continue
			}
			anyAlive = true
			before := h.Ctx.Minstret
			for h.Ctx.Minstret-before < sliceInsns {
				if h.Ctx.Shared.ShouldShutdown() {
					break
				}
				if h.Ctx.WFI {
					break
				}
				h.StepOnce()
			}
			m.EventLoop.Advance(h.Ctx.Minstret - before)
		}
		m.EventLoop.RunLockstepStep()
		if !anyAlive {
			m.EventLoop.Shutdown()
			return
		}
	}
}
