package virtio

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// p9 implements enough of 9P2000.L to let a guest kernel mount a single
// host directory read/write via virtio-9p, per spec.md §9's "async
// virtio-9p handler" note: each request is handed to a bounded pool of
// blocking goroutines (golang.org/x/sync/semaphore) rather than processed
// inline, since file I/O can block far longer than a basic block's worth
// of virtual time.
//
// Grounded on the wire-format shape of tinyrange-cc's
// internal/devices/virtio/mmio.go queue-draining idiom, and on
// original_source's lib/io/src/hw/virtio/p9.rs for which 9P2000.L message
// types a minimal single-share mount needs.
const (
	p9TVersion = 100
	p9RVersion = 101
	p9TAttach  = 104
	p9RAttach  = 105
	p9RLError  = 7
	p9TWalk    = 110
	p9RWalk    = 111
	p9TLOpen   = 12
	p9RLOpen   = 13
	p9TReadDir = 40
	p9RReadDir = 41
	p9TRead    = 116
	p9RRead    = 117
	p9TWrite   = 118
	p9RWrite   = 119
	p9TClunk   = 120
	p9RClunk   = 121
	p9TGetAttr = 24
	p9RGetAttr = 25
	p9TStatFS  = 8
	p9RStatFS  = 9

	p9NoTag = 0xffff
	p9NoFid = 0xffffffff

	p9QTDir = 0x80

	maxBlockingTasks = 8
)

type p9Fid struct {
	path string
	f    *os.File
}

// NineP is the virtio-9p front end, serving a single host directory (the
// config's `[[share]]` tag/path) read-write to the guest.
type NineP struct {
	mu   sync.Mutex
	root string
	tag  string
	fids map[uint32]*p9Fid

	sem *semaphore.Weighted
}

// NewNineP creates a 9p front end exporting root under the given mount
// tag (the guest mounts with `-t 9p -o trans=virtio <tag>`).
func NewNineP(tag, root string) *NineP {
	return &NineP{
		root: root,
		tag:  tag,
		fids: make(map[uint32]*p9Fid),
		sem:  semaphore.NewWeighted(maxBlockingTasks),
	}
}

func (n *NineP) DeviceID() uint32        { return DeviceID9P }
func (n *NineP) NumQueues() int          { return 1 }
func (n *NineP) QueueMaxSize(int) uint16 { return 128 }
func (n *NineP) DeviceFeatures() uint64  { return 1 } // VIRTIO_9P_MOUNT_TAG

func (n *NineP) ReadConfig(offset uint64, size int) uint32 {
	// Config space is: u16 tag_len, tag_len bytes of tag (little-endian
	// length prefix, per the virtio-9p config layout).
	buf := make([]byte, 2+len(n.tag))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(n.tag)))
	copy(buf[2:], n.tag)
	if int(offset)+4 > len(buf) {
		var b [4]byte
		copy(b[:], buf[minInt(int(offset), len(buf)):])
		return binary.LittleEndian.Uint32(b[:])
	}
	return binary.LittleEndian.Uint32(buf[offset:])
}

func (n *NineP) WriteConfig(uint64, int, uint32) {}
func (n *NineP) Reset() {
	n.mu.Lock()
	for _, f := range n.fids {
		if f.f != nil {
			f.f.Close()
		}
	}
	n.fids = make(map[uint32]*p9Fid)
	n.mu.Unlock()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Notify hands each posted request to the blocking-task pool, since a 9p
// request (a file read, a directory listing) can block on host I/O for
// far longer than is acceptable inside the dispatcher's per-op loop.
func (n *NineP) Notify(_ int, q *Queue, raiseInterrupt func(uint32)) {
	var wg sync.WaitGroup
	any := false
	for {
		head, ok, err := q.PopAvailable()
		if err != nil || !ok {
			break
		}
		chain, err := q.ReadChain(head)
		if err != nil || len(chain) < 2 {
			q.PutUsed(head, 0)
			continue
		}
		any = true
		req, out := chain[0], chain[1]
		wg.Add(1)
		n.sem.Acquire(context.Background(), 1)
		go func(head uint16, req, out Payload) {
			defer wg.Done()
			defer n.sem.Release(1)
			reply := n.handle(q, req)
			q.WriteGuest(out.Addr, reply)
			q.PutUsed(head, uint32(len(reply)))
		}(head, req, out)
	}
	wg.Wait()
	if any {
		raiseInterrupt(IntVring)
	}
}

func (n *NineP) handle(q *Queue, req Payload) []byte {
	data, err := q.ReadGuest(req.Addr, req.Length)
	if err != nil || len(data) < 7 {
		return p9Error(p9NoTag, 5) // EIO
	}
	size := binary.LittleEndian.Uint32(data[0:4])
	mtype := data[4]
	tag := binary.LittleEndian.Uint16(data[5:7])
	body := data[7:]
	if uint32(len(data)) < size {
		return p9Error(tag, 5)
	}

	switch mtype {
	case p9TVersion:
		msize := binary.LittleEndian.Uint32(body[0:4])
		ver, _ := readP9String(body[4:])
		_ = ver
		return p9Pack(p9RVersion, tag, func(w *p9Writer) {
			w.u32(msize)
			w.str("9P2000.L")
		})
	case p9TAttach:
		fid := binary.LittleEndian.Uint32(body[0:4])
		n.mu.Lock()
		n.fids[fid] = &p9Fid{path: n.root}
		n.mu.Unlock()
		return p9Pack(p9RAttach, tag, func(w *p9Writer) { w.qid(n.root) })
	case p9TWalk:
		return n.walk(tag, body)
	case p9TLOpen:
		return n.lopen(tag, body)
	case p9TReadDir:
		return n.readdir(tag, body)
	case p9TRead:
		return n.read(tag, body)
	case p9TWrite:
		return n.write(tag, body)
	case p9TClunk:
		fid := binary.LittleEndian.Uint32(body[0:4])
		n.mu.Lock()
		if f, ok := n.fids[fid]; ok {
			if f.f != nil {
				f.f.Close()
			}
			delete(n.fids, fid)
		}
		n.mu.Unlock()
		return p9Pack(p9RClunk, tag, func(*p9Writer) {})
	case p9TGetAttr:
		return n.getattr(tag, body)
	case p9TStatFS:
		return p9Pack(p9RStatFS, tag, func(w *p9Writer) {
			for i := 0; i < 9; i++ {
				w.u64(0)
			}
		})
	default:
		return p9Error(tag, 38) // ENOSYS
	}
}

func (n *NineP) walk(tag uint16, body []byte) []byte {
	fid := binary.LittleEndian.Uint32(body[0:4])
	newfid := binary.LittleEndian.Uint32(body[4:8])
	nwname := binary.LittleEndian.Uint16(body[8:10])
	off := 10
	n.mu.Lock()
	base, ok := n.fids[fid]
	n.mu.Unlock()
	if !ok {
		return p9Error(tag, 2)
	}
	path := base.path
	var qids [][]byte
	for i := 0; i < int(nwname); i++ {
		name, adv := readP9String(body[off:])
		off += adv
		path = filepath.Join(path, name)
		qids = append(qids, qidBytes(path))
	}
	n.mu.Lock()
	n.fids[newfid] = &p9Fid{path: path}
	n.mu.Unlock()
	return p9Pack(p9RWalk, tag, func(w *p9Writer) {
		w.u16(uint16(len(qids)))
		for _, q := range qids {
			w.raw(q)
		}
	})
}

func (n *NineP) lopen(tag uint16, body []byte) []byte {
	fid := binary.LittleEndian.Uint32(body[0:4])
	n.mu.Lock()
	pf, ok := n.fids[fid]
	n.mu.Unlock()
	if !ok {
		return p9Error(tag, 2)
	}
	f, err := os.OpenFile(pf.path, os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(pf.path)
	}
	if err != nil {
		return p9Error(tag, 2)
	}
	pf.f = f
	return p9Pack(p9RLOpen, tag, func(w *p9Writer) {
		w.qid(pf.path)
		w.u32(0)
	})
}

func (n *NineP) readdir(tag uint16, body []byte) []byte {
	fid := binary.LittleEndian.Uint32(body[0:4])
	n.mu.Lock()
	pf, ok := n.fids[fid]
	n.mu.Unlock()
	if !ok {
		return p9Error(tag, 2)
	}
	entries, err := os.ReadDir(pf.path)
	if err != nil {
		return p9Error(tag, 2)
	}
	return p9Pack(p9RReadDir, tag, func(w *p9Writer) {
		buf := &p9Writer{}
		for i, e := range entries {
			buf.qid(filepath.Join(pf.path, e.Name()))
			buf.u64(uint64(i + 1))
			buf.u8(0)
			buf.str(e.Name())
		}
		w.u32(uint32(len(buf.b)))
		w.raw(buf.b)
	})
}

func (n *NineP) read(tag uint16, body []byte) []byte {
	fid := binary.LittleEndian.Uint32(body[0:4])
	offset := binary.LittleEndian.Uint64(body[4:12])
	count := binary.LittleEndian.Uint32(body[12:16])
	n.mu.Lock()
	pf, ok := n.fids[fid]
	n.mu.Unlock()
	if !ok || pf.f == nil {
		return p9Error(tag, 9) // EBADF
	}
	buf := make([]byte, count)
	read, _ := pf.f.ReadAt(buf, int64(offset))
	return p9Pack(p9RRead, tag, func(w *p9Writer) {
		w.u32(uint32(read))
		w.raw(buf[:read])
	})
}

func (n *NineP) write(tag uint16, body []byte) []byte {
	fid := binary.LittleEndian.Uint32(body[0:4])
	offset := binary.LittleEndian.Uint64(body[4:12])
	count := binary.LittleEndian.Uint32(body[12:16])
	data := body[16 : 16+count]
	n.mu.Lock()
	pf, ok := n.fids[fid]
	n.mu.Unlock()
	if !ok || pf.f == nil {
		return p9Error(tag, 9)
	}
	written, err := pf.f.WriteAt(data, int64(offset))
	if err != nil {
		return p9Error(tag, 5)
	}
	return p9Pack(p9RWrite, tag, func(w *p9Writer) { w.u32(uint32(written)) })
}

func (n *NineP) getattr(tag uint16, body []byte) []byte {
	fid := binary.LittleEndian.Uint32(body[0:4])
	n.mu.Lock()
	pf, ok := n.fids[fid]
	n.mu.Unlock()
	if !ok {
		return p9Error(tag, 2)
	}
	fi, err := os.Stat(pf.path)
	if err != nil {
		return p9Error(tag, 2)
	}
	return p9Pack(p9RGetAttr, tag, func(w *p9Writer) {
		w.u64(0x7ff) // valid mask: everything we fill in below
		w.qid(pf.path)
		mode := uint32(0o644)
		if fi.IsDir() {
			mode = 0o755 | 0o040000
		}
		w.u32(mode)
		for i := 0; i < 3; i++ {
			w.u32(0)
		} // uid, gid, nlink(lo)
		w.u64(1)
		w.u64(uint64(fi.Size()))
		for i := 0; i < 6; i++ {
			w.u64(0)
		} // blksize, blocks, atime, mtime, ctime, btime
	})
}

func qidBytes(path string) []byte {
	w := &p9Writer{}
	w.qid(path)
	return w.b
}

// p9Writer/p9Error/p9Pack/readP9String are the small wire-format helpers
// every handler above shares.
type p9Writer struct{ b []byte }

func (w *p9Writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *p9Writer) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.b = append(w.b, b[:]...) }
func (w *p9Writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.b = append(w.b, b[:]...) }
func (w *p9Writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.b = append(w.b, b[:]...) }
func (w *p9Writer) raw(p []byte) { w.b = append(w.b, p...) }
func (w *p9Writer) str(s string) { w.u16(uint16(len(s))); w.b = append(w.b, s...) }
func (w *p9Writer) qid(path string) {
	var qtype uint8
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		qtype = p9QTDir
	}
	w.u8(qtype)
	w.u32(0)
	w.u64(hashPath(path))
}

func hashPath(path string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	return h
}

func readP9String(b []byte) (string, int) {
	if len(b) < 2 {
		return "", len(b)
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if 2+n > len(b) {
		n = len(b) - 2
	}
	return string(b[2 : 2+n]), 2 + n
}

func p9Pack(mtype byte, tag uint16, fill func(w *p9Writer)) []byte {
	w := &p9Writer{}
	fill(w)
	total := 7 + len(w.b)
	out := make([]byte, 7, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(total))
	out[4] = mtype
	binary.LittleEndian.PutUint16(out[5:7], tag)
	return append(out, w.b...)
}

func p9Error(tag uint16, errno uint32) []byte {
	return p9Pack(p9RLError, tag, func(w *p9Writer) { w.u32(errno) })
}
