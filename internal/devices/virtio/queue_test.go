package virtio

import (
	"encoding/binary"
	"testing"
)

// flatMemory is a byte-slice-backed GuestMemory for exercising Queue
// without a full devices.Bus.
type flatMemory []byte

func (m flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}
func (m flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

const (
	descTableAddr = 0x0
	availAddr     = 0x1000
	usedAddr      = 0x2000
)

func newTestQueue(t *testing.T, size uint16) (*Queue, flatMemory) {
	t.Helper()
	mem := make(flatMemory, 0x4000)
	q := NewQueue(mem, size)
	if err := q.SetSize(size); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	q.SetAddresses(descTableAddr, availAddr, usedAddr)
	q.SetReady(true)
	return q, mem
}

func writeDescriptor(mem flatMemory, idx uint16, d Descriptor) {
	base := descTableAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem[base:], d.Addr)
	binary.LittleEndian.PutUint32(mem[base+8:], d.Length)
	binary.LittleEndian.PutUint16(mem[base+12:], d.Flags)
	binary.LittleEndian.PutUint16(mem[base+14:], d.Next)
}

// postAvailable appends head to the available ring and bumps its idx field,
// mimicking what the driver does after filling in a descriptor chain.
func postAvailable(mem flatMemory, slot int, head uint16) {
	avail := mem[availAddr:]
	ringIdx := binary.LittleEndian.Uint16(avail[2:4])
	binary.LittleEndian.PutUint16(avail[4+uint64(slot)*2:], head)
	binary.LittleEndian.PutUint16(avail[2:4], ringIdx+1)
}

func TestSetSizeRejectsZeroAndAboveMax(t *testing.T) {
	q := NewQueue(make(flatMemory, 0x100), 8)
	if err := q.SetSize(0); err == nil {
		t.Error("expected SetSize(0) to fail")
	}
	if err := q.SetSize(9); err == nil {
		t.Error("expected SetSize above MaxSize to fail")
	}
	if err := q.SetSize(8); err != nil {
		t.Errorf("SetSize(MaxSize): %v", err)
	}
}

func TestPopAvailableReturnsFalseWhenNothingPosted(t *testing.T) {
	q, _ := newTestQueue(t, 4)
	_, ok, err := q.PopAvailable()
	if err != nil {
		t.Fatalf("PopAvailable: %v", err)
	}
	if ok {
		t.Error("expected no available descriptor before the driver posts one")
	}
}

func TestPopAvailableReadsPostedHeadOnce(t *testing.T) {
	q, mem := newTestQueue(t, 4)
	writeDescriptor(mem, 2, Descriptor{Addr: 0x3000, Length: 16, Flags: 0})
	postAvailable(mem, 0, 2)

	head, ok, err := q.PopAvailable()
	if err != nil {
		t.Fatalf("PopAvailable: %v", err)
	}
	if !ok || head != 2 {
		t.Fatalf("PopAvailable = (%d, %v), want (2, true)", head, ok)
	}

	_, ok, err = q.PopAvailable()
	if err != nil {
		t.Fatalf("PopAvailable: %v", err)
	}
	if ok {
		t.Error("expected the same head not to be returned twice")
	}
}

func TestReadChainFollowsNextLinks(t *testing.T) {
	q, mem := newTestQueue(t, 4)
	writeDescriptor(mem, 0, Descriptor{Addr: 0x3000, Length: 8, Flags: descFNext, Next: 1})
	writeDescriptor(mem, 1, Descriptor{Addr: 0x3100, Length: 16, Flags: descFWrite, Next: 0})

	chain, err := q.ReadChain(0)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d, want 2", len(chain))
	}
	if chain[0].Addr != 0x3000 || chain[0].IsWrite {
		t.Errorf("chain[0] = %+v, want addr 0x3000, IsWrite=false", chain[0])
	}
	if chain[1].Addr != 0x3100 || !chain[1].IsWrite {
		t.Errorf("chain[1] = %+v, want addr 0x3100, IsWrite=true", chain[1])
	}
}

func TestPutUsedAdvancesUsedIndexAndRecordsElement(t *testing.T) {
	q, mem := newTestQueue(t, 4)
	if err := q.PutUsed(3, 128); err != nil {
		t.Fatalf("PutUsed: %v", err)
	}

	used := mem[usedAddr:]
	idx := binary.LittleEndian.Uint16(used[2:4])
	if idx != 1 {
		t.Errorf("used idx = %d, want 1", idx)
	}
	elemID := binary.LittleEndian.Uint32(used[4:8])
	elemLen := binary.LittleEndian.Uint32(used[8:12])
	if elemID != 3 || elemLen != 128 {
		t.Errorf("used elem = (id=%d, len=%d), want (3, 128)", elemID, elemLen)
	}
}

func TestReadDescriptorOutOfBoundsErrors(t *testing.T) {
	q, _ := newTestQueue(t, 4)
	if _, err := q.ReadDescriptor(4); err == nil {
		t.Error("expected an error reading a descriptor index >= Size")
	}
}

func TestOperationsFailBeforeReady(t *testing.T) {
	q := NewQueue(make(flatMemory, 0x100), 4)
	if _, _, err := q.PopAvailable(); err == nil {
		t.Error("expected PopAvailable to fail on a queue that isn't ready")
	}
	if _, err := q.ReadChain(0); err == nil {
		t.Error("expected ReadChain to fail on a queue that isn't ready")
	}
	if err := q.PutUsed(0, 0); err == nil {
		t.Error("expected PutUsed to fail on a queue that isn't ready")
	}
}

func TestReadGuestWriteGuestRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, 4)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := q.WriteGuest(0x3000, payload); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}
	got, err := q.ReadGuest(0x3000, uint32(len(payload)))
	if err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	for i, want := range payload {
		if got[i] != want {
			t.Errorf("ReadGuest[%d] = %#x, want %#x", i, got[i], want)
		}
	}
}
