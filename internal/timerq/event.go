// Package timerq implements the event loop: a min-heap of deferred
// callbacks keyed by virtual cycle time, shared across every hart.
package timerq

import (
	"container/heap"
	"sync"
	"time"
)

// Handler runs when its deadline arrives. It must not block.
type Handler func()

type entry struct {
	deadline uint64
	seq      uint64 // FIFO tie-break for equal deadlines
	handler  Handler
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// EventLoop owns the virtual-time base and the pending-callback heap.
// Threaded mode derives virtual cycles from wall-clock time (scaled
// 100x); lockstep mode advances the cycle explicitly via Advance, driven
// by the scheduler's instruction-count surrogate, so every hart observes
// the exact same deterministic clock regardless of host scheduling.
type EventLoop struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   entryHeap
	nextSeq  uint64
	epoch    time.Time
	threaded bool
	manualCycle uint64
	shutdown bool
}

// New creates an event loop. threaded selects the wall-clock-derived
// cycle base; when false, the caller must drive time forward with
// Advance (lockstep mode).
func New(threaded bool) *EventLoop {
	el := &EventLoop{epoch: time.Now(), threaded: threaded}
	el.cond = sync.NewCond(&el.mu)
	return el
}

// Cycle returns the current virtual cycle: wall-clock microseconds times
// 100 in threaded mode (giving the `time` CSR 10ns resolution off a
// microsecond timer), or the manually advanced counter in lockstep mode.
func (el *EventLoop) Cycle() uint64 {
	if el.threaded {
		return uint64(time.Since(el.epoch).Microseconds()) * 100
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.manualCycle
}

// Advance moves the lockstep virtual clock forward by delta cycles and
// wakes anyone waiting on an event whose deadline has now passed.
func (el *EventLoop) Advance(delta uint64) {
	el.mu.Lock()
	el.manualCycle += delta
	el.mu.Unlock()
	el.cond.Broadcast()
}

// Queue schedules handler to run once the virtual clock reaches deadline.
// It only wakes waiters when the new entry becomes the new minimum,
// matching spec.md's "avoid waking for entries that can't be next"
// requirement.
func (el *EventLoop) Queue(deadline uint64, handler Handler) {
	el.mu.Lock()
	wasMin := el.events.Len() == 0 || deadline < el.events[0].deadline
	el.nextSeq++
	heap.Push(&el.events, entry{deadline: deadline, seq: el.nextSeq, handler: handler})
	el.mu.Unlock()
	if wasMin {
		el.cond.Broadcast()
	}
}

// Shutdown marks the loop for exit on its next iteration and wakes it if
// it is parked.
func (el *EventLoop) Shutdown() {
	el.mu.Lock()
	el.shutdown = true
	el.mu.Unlock()
	el.cond.Broadcast()
}

func (el *EventLoop) isShutdown() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.shutdown
}

// handleDue pops and runs every handler whose deadline has passed,
// returning the next pending deadline (if any) so the caller knows how
// long it may safely sleep.
func (el *EventLoop) handleDue(now uint64) (next uint64, hasNext bool) {
	for {
		el.mu.Lock()
		if el.events.Len() == 0 {
			el.mu.Unlock()
			return 0, false
		}
		if el.events[0].deadline > now {
			next := el.events[0].deadline
			el.mu.Unlock()
			return next, true
		}
		e := heap.Pop(&el.events).(entry)
		el.mu.Unlock()
		e.handler()
	}
}

// RunThreaded runs the event loop body for threaded mode: compute the
// current cycle, fire anything due, then sleep until either the next
// deadline or a new minimum wakes us early.
func (el *EventLoop) RunThreaded() {
	for !el.isShutdown() {
		now := el.Cycle()
		next, has := el.handleDue(now)
		if el.isShutdown() {
			return
		}
		if !has {
			el.mu.Lock()
			el.cond.Wait()
			el.mu.Unlock()
			continue
		}
		// next is in virtual-cycle units (wall-clock us * 100).
		waitFor := time.Duration(next/100-uint64(time.Since(el.epoch).Microseconds())) * time.Microsecond
		if waitFor <= 0 {
			continue
		}
		el.waitTimeout(waitFor)
	}
}

func (el *EventLoop) waitTimeout(d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		el.cond.Broadcast()
		close(done)
	})
	defer timer.Stop()
	el.mu.Lock()
	el.cond.Wait()
	el.mu.Unlock()
}

// RunLockstepStep runs one no-sleep pass of the event loop for lockstep
// mode: the scheduler calls this between hart time-slices instead of
// letting the loop block, since lockstep time is driven by Advance, not
// by a real clock.
func (el *EventLoop) RunLockstepStep() (hasNext bool, nextDeadline uint64) {
	now := el.Cycle()
	next, has := el.handleDue(now)
	return has, next
}
