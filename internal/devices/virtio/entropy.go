package virtio

import "io"

// EntropySource is spec.md §9's external entropy capability: the PRNG or
// host RNG backing virtio-rng.
type EntropySource interface {
	Read(p []byte) (int, error)
}

// Entropy is the virtio-rng front end: a single queue where every posted
// buffer is filled from the entropy source and completed immediately.
type Entropy struct {
	src EntropySource
}

// NewEntropy creates a virtio-rng front end reading from src.
func NewEntropy(src EntropySource) *Entropy {
	return &Entropy{src: src}
}

func (e *Entropy) DeviceID() uint32        { return DeviceIDEntropy }
func (e *Entropy) NumQueues() int          { return 1 }
func (e *Entropy) QueueMaxSize(int) uint16 { return 16 }
func (e *Entropy) DeviceFeatures() uint64  { return 0 }
func (e *Entropy) ReadConfig(uint64, int) uint32 { return 0 }
func (e *Entropy) WriteConfig(uint64, int, uint32) {}
func (e *Entropy) Reset() {}

func (e *Entropy) Notify(_ int, q *Queue, raiseInterrupt func(uint32)) {
	used := false
	for {
		head, ok, err := q.PopAvailable()
		if err != nil || !ok {
			break
		}
		chain, err := q.ReadChain(head)
		if err != nil || len(chain) == 0 {
			q.PutUsed(head, 0)
			used = true
			continue
		}
		var total uint32
		for _, p := range chain {
			buf := make([]byte, p.Length)
			n, rerr := io.ReadFull(readerFunc(e.src.Read), buf)
			if rerr != nil {
				n = 0
			}
			q.WriteGuest(p.Addr, buf[:n])
			total += uint32(n)
		}
		q.PutUsed(head, total)
		used = true
	}
	if used {
		raiseInterrupt(IntVring)
	}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
