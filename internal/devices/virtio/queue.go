// Package virtio implements the virtio-mmio v2 transport (register layout,
// split-queue descriptor-ring walking) and a handful of device front ends
// (block, console, network, entropy, 9p) behind a small capability
// interface, per spec.md §9's note that MMIO device kinds become a
// capability interface rather than an inheritance hierarchy.
//
// Adapted from tinyrange-cc's internal/devices/virtio/{mmio.go,queue.go}:
// the descriptor-ring mechanics (VirtQueue) are kept close to the
// teacher's shape since they are pure wire-format code with no
// hypervisor-specific dependency; the device-registration and ACPI
// machinery that only made sense for the teacher's own hv.VirtualMachine
// abstraction is dropped in favor of a transport that talks directly to
// devices.Bus.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	descFNext  = 1
	descFWrite = 2
)

// GuestMemory is the slice of guest physical memory a queue walks
// descriptor chains over; devices.Bus implements this directly.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is one entry of a queue's descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Payload is one buffer in a descriptor chain resolved to a guest address
// range, tagged with the direction the driver requested for it.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Queue is one split virtqueue: descriptor table, available ring, used
// ring, each living in guest memory at an address the driver configures
// through the MMIO transport.
type Queue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewQueue creates a queue bound to guest memory, with the given maximum
// size the driver may negotiate down to.
func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize, mem: mem}
}

func (q *Queue) Reset() {
	*q = Queue{MaxSize: q.MaxSize, mem: q.mem}
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.DescTableAddr, q.AvailRingAddr, q.UsedRingAddr = desc, avail, used
}

func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d invalid (max %d)", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

func (q *Queue) SetReady(ready bool) {
	if ready {
		q.Ready = true
		return
	}
	q.Reset()
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	return nil
}

func (q *Queue) readInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read at 0x%x", addr)
	}
	return nil
}

func (q *Queue) writeFrom(addr uint64, buf []byte) error {
	n, err := q.mem.WriteAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest write at 0x%x", addr)
	}
	return nil
}

// ReadDescriptor reads descriptor idx from the descriptor table.
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [16]byte
	if err := q.readInto(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopAvailable returns the next unconsumed descriptor-chain head from the
// available ring, or ok=false if the driver has posted nothing new.
func (q *Queue) PopAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	var hdr [4]byte
	if err := q.readInto(q.AvailRingAddr, hdr[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(hdr[2:4])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	ringIdx := q.lastAvailIdx % q.Size
	var buf [2]byte
	if err := q.readInto(q.AvailRingAddr+4+uint64(ringIdx)*2, buf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// ReadChain walks the descriptor chain starting at head into a slice of
// guest-address payloads, in driver-specified order.
func (q *Queue) ReadChain(head uint16) ([]Payload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	var out []Payload
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.ReadDescriptor(idx)
		if err != nil {
			return out, err
		}
		out = append(out, Payload{Addr: d.Addr, Length: d.Length, IsWrite: d.Flags&descFWrite != 0})
		if d.Flags&descFNext == 0 {
			break
		}
		idx = d.Next
	}
	return out, nil
}

// PutUsed records that the chain starting at head consumed/produced length
// bytes and advances the used ring index.
func (q *Queue) PutUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	base := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeFrom(base, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return q.writeFrom(q.UsedRingAddr+2, idxBuf[:])
}

// ReadGuest/WriteGuest read and write an arbitrary guest buffer, used by
// device front ends to move payload bytes in and out of a chain's
// individual descriptors.
func (q *Queue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	return buf, q.readInto(addr, buf)
}

func (q *Queue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeFrom(addr, data)
}
