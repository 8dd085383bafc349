package virtio

import (
	"sync"
)

// NetBackend is the packet-level capability a virtio-net front end needs:
// HandleFrame processes one guest-transmitted Ethernet frame and Outgoing
// yields frames queued for delivery back to the guest. internal/netdev's
// Stack implements this.
type NetBackend interface {
	HandleFrame(frame []byte)
	Outgoing() <-chan []byte
}

const (
	netQueueCount  = 2
	netQueueNumMax = 256

	netFeatureMAC = 1 << 5

	queueNetRX = 0
	queueNetTX = 1
)

// Net is the virtio-net front end: a receive queue fed from the backend's
// Outgoing channel, a transmit queue drained straight into HandleFrame.
type Net struct {
	mu      sync.Mutex
	mac     [6]byte
	backend NetBackend
	rxQueue *Queue
}

// NewNet creates a virtio-net front end with the given guest-visible MAC
// (spec.md §6's `[[network]]` table, default 02:00:00:00:00:01).
func NewNet(mac [6]byte, backend NetBackend) *Net {
	return &Net{mac: mac, backend: backend}
}

func (n *Net) DeviceID() uint32        { return DeviceIDNet }
func (n *Net) NumQueues() int          { return netQueueCount }
func (n *Net) QueueMaxSize(int) uint16 { return netQueueNumMax }
func (n *Net) DeviceFeatures() uint64  { return netFeatureMAC }

func (n *Net) ReadConfig(offset uint64, size int) uint32 {
	if offset < 6 {
		var buf [4]byte
		for i := range buf {
			if int(offset)+i < 6 {
				buf[i] = n.mac[int(offset)+i]
			}
		}
		v := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		return v
	}
	return 0
}

func (n *Net) WriteConfig(uint64, int, uint32) {}
func (n *Net) Reset()                          {}

// Notify drains the transmit queue into the backend and, for the receive
// queue, records it so PumpOutput can deliver backend replies into it.
func (n *Net) Notify(idx int, q *Queue, raiseInterrupt func(uint32)) {
	switch idx {
	case queueNetTX:
		n.drainTransmit(q, raiseInterrupt)
	case queueNetRX:
		n.mu.Lock()
		n.rxQueue = q
		n.mu.Unlock()
		n.PumpOutput(raiseInterrupt)
	}
}

const virtioNetHdrLen = 12 // the legacy virtio_net_hdr every frame is prefixed with

func (n *Net) drainTransmit(q *Queue, raiseInterrupt func(uint32)) {
	used := false
	for {
		head, ok, err := q.PopAvailable()
		if err != nil || !ok {
			break
		}
		chain, err := q.ReadChain(head)
		if err == nil {
			var frame []byte
			for i, p := range chain {
				data, rerr := q.ReadGuest(p.Addr, p.Length)
				if rerr != nil {
					continue
				}
				if i == 0 && len(data) >= virtioNetHdrLen {
					data = data[virtioNetHdrLen:]
				}
				frame = append(frame, data...)
			}
			if len(frame) > 0 {
				n.backend.HandleFrame(frame)
			}
		}
		q.PutUsed(head, 0)
		used = true
	}
	if used {
		raiseInterrupt(IntVring)
	}
}

// PumpOutput delivers any frames the backend has queued for the guest
// into posted receive buffers, prefixing the legacy virtio_net_hdr each
// buffer expects.
func (n *Net) PumpOutput(raiseInterrupt func(uint32)) {
	n.mu.Lock()
	q := n.rxQueue
	n.mu.Unlock()
	if q == nil {
		return
	}
	delivered := false
	for {
		select {
		case frame := <-n.backend.Outgoing():
			head, ok, err := q.PopAvailable()
			if err != nil || !ok {
				return
			}
			chain, err := q.ReadChain(head)
			if err != nil || len(chain) == 0 {
				q.PutUsed(head, 0)
				continue
			}
			hdr := make([]byte, virtioNetHdrLen)
			buf := append(hdr, frame...)
			q.WriteGuest(chain[0].Addr, buf)
			q.PutUsed(head, uint32(len(buf)))
			delivered = true
		default:
			if delivered {
				raiseInterrupt(IntVring)
			}
			return
		}
	}
}
