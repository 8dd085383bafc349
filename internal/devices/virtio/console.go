package virtio

import (
	"io"
	"sync"
)

const (
	consoleQueueCount  = 2
	consoleQueueNumMax = 256

	queueReceive  = 0
	queueTransmit = 1
)

// Console is the virtio-console front end: a transmit queue draining to
// out and a receive queue fed from a byte channel fed by a host-side
// reader goroutine, the same split tinyrange-cc's
// internal/devices/virtio/console.go uses (its own transmit/receive queue
// handling, re-expressed over this package's Queue/FrontEnd shapes).
type Console struct {
	mu  sync.Mutex
	out io.Writer

	rxQueue   *Queue
	rxPending chan byte
}

// NewConsole creates a console front end writing guest output to out and
// feeding guest input from in (read on a background goroutine so a blocked
// host read never stalls the hart).
func NewConsole(out io.Writer, in io.Reader) *Console {
	c := &Console{out: out, rxPending: make(chan byte, 4096)}
	if in != nil {
		go c.readLoop(in)
	}
	return c
}

func (c *Console) readLoop(in io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		for i := 0; i < n; i++ {
			c.rxPending <- buf[i]
		}
		if err != nil {
			return
		}
	}
}

func (c *Console) DeviceID() uint32        { return DeviceIDConsole }
func (c *Console) NumQueues() int          { return consoleQueueCount }
func (c *Console) QueueMaxSize(int) uint16 { return consoleQueueNumMax }
func (c *Console) DeviceFeatures() uint64  { return 0 }
func (c *Console) ReadConfig(offset uint64, size int) uint32 { return 0 }
func (c *Console) WriteConfig(offset uint64, size int, value uint32) {}
func (c *Console) Reset()                                            {}

// Notify drains the transmit queue to the host writer immediately; the
// receive queue is filled from buffered host input only when the driver
// notifies it, since that is the only call site of PumpInput.
func (c *Console) Notify(idx int, q *Queue, raiseInterrupt func(uint32)) {
	switch idx {
	case queueTransmit:
		c.drainTransmit(q, raiseInterrupt)
	case queueReceive:
		c.mu.Lock()
		c.rxQueue = q
		c.mu.Unlock()
		c.PumpInput(raiseInterrupt)
	}
}

func (c *Console) drainTransmit(q *Queue, raiseInterrupt func(uint32)) {
	used := false
	for {
		head, ok, err := q.PopAvailable()
		if err != nil || !ok {
			break
		}
		chain, err := q.ReadChain(head)
		if err == nil {
			for _, p := range chain {
				if data, rerr := q.ReadGuest(p.Addr, p.Length); rerr == nil {
					c.out.Write(data)
				}
			}
		}
		q.PutUsed(head, 0)
		used = true
	}
	if used {
		raiseInterrupt(IntVring)
	}
}

// PumpInput delivers any buffered host input into posted receive buffers.
// Called only from Notify(queueReceive); host input that arrives after
// that call waits in rxPending until the driver's next receive notify.
func (c *Console) PumpInput(raiseInterrupt func(uint32)) {
	c.mu.Lock()
	q := c.rxQueue
	c.mu.Unlock()
	if q == nil {
		return
	}
	delivered := false
	for {
		select {
		case b := <-c.rxPending:
			head, ok, err := q.PopAvailable()
			if err != nil || !ok {
				return
			}
			chain, err := q.ReadChain(head)
			if err != nil || len(chain) == 0 {
				q.PutUsed(head, 0)
				continue
			}
			q.WriteGuest(chain[0].Addr, []byte{b})
			q.PutUsed(head, 1)
			delivered = true
		default:
			if delivered {
				raiseInterrupt(IntVring)
			}
			return
		}
	}
}
