package block

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tinyrange/virtblk/internal/event"
	"github.com/tinyrange/virtblk/internal/ratelimit"
	"github.com/tinyrange/virtblk/internal/virtio"
	"github.com/tinyrange/virtblk/internal/vmem"
)

const (
	testDescTable  = 0x1000
	testAvailRing  = 0x2000
	testUsedRing   = 0x3000
	testHeaderAddr = 0x8000
	testStatusAddr = 0x9000
	testDataAddr   = 0x10000

	testCapacity = 0x100000 // 1 MiB, 2048 sectors
	testMaxSize  = 0x10000
)

type testDesc struct {
	addr   uint64
	length uint32
	flags  uint16
}

type chanNotifier struct {
	ch chan struct{}
}

func (n *chanNotifier) Notify() error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// testRing drives the guest side of one virtqueue over an in-memory
// region: it lays down descriptor chains, publishes them as available,
// and inspects the used ring afterwards.
type testRing struct {
	t        *testing.T
	mem      *vmem.RAM
	queue    *virtio.Queue
	notify   *chanNotifier
	availIdx uint16
	nextDesc uint16
}

func newTestRing(t *testing.T, size uint16) *testRing {
	t.Helper()
	mem := vmem.NewRAM(0, 1<<21)
	notify := &chanNotifier{ch: make(chan struct{}, 16)}
	q := virtio.NewQueue(mem, size, 0, nil, notify)
	q.SetAddresses(testDescTable, testAvailRing, testUsedRing)
	return &testRing{t: t, mem: mem, queue: q, notify: notify}
}

func (r *testRing) writeDesc(idx uint16, d testDesc, next uint16) {
	r.t.Helper()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], d.addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.length)
	binary.LittleEndian.PutUint16(buf[12:14], d.flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if err := vmem.Write(r.mem, testDescTable+uint64(idx)*16, buf[:]); err != nil {
		r.t.Fatalf("write descriptor %d: %v", idx, err)
	}
}

// buildChain lays the descriptors down as one linked chain and returns
// the head index. Continuation flags are added automatically.
func (r *testRing) buildChain(descs ...testDesc) uint16 {
	r.t.Helper()
	head := r.nextDesc
	for i, d := range descs {
		idx := r.nextDesc
		r.nextDesc++
		if i < len(descs)-1 {
			d.flags |= virtio.DescFNext
			r.writeDesc(idx, d, r.nextDesc)
		} else {
			r.writeDesc(idx, d, 0)
		}
	}
	return head
}

func (r *testRing) makeAvail(heads ...uint16) {
	r.t.Helper()
	for _, head := range heads {
		slot := testAvailRing + 4 + uint64(r.availIdx%r.queue.Size)*2
		if err := vmem.WriteUint16(r.mem, slot, head); err != nil {
			r.t.Fatalf("write avail entry: %v", err)
		}
		r.availIdx++
	}
	if err := vmem.WriteUint16(r.mem, testAvailRing+2, r.availIdx); err != nil {
		r.t.Fatalf("write avail idx: %v", err)
	}
}

// writeHeader places a request header into guest memory.
func (r *testRing) writeHeader(addr uint64, reqType uint32, sector uint64) {
	r.t.Helper()
	var buf [requestHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], reqType)
	binary.LittleEndian.PutUint64(buf[8:16], sector)
	if err := vmem.Write(r.mem, addr, buf[:]); err != nil {
		r.t.Fatalf("write request header: %v", err)
	}
}

// addRequest builds and publishes a standard header/data/status chain.
func (r *testRing) addRequest(reqType uint32, sector uint64, data ...testDesc) uint16 {
	r.t.Helper()
	r.writeHeader(testHeaderAddr, reqType, sector)
	descs := []testDesc{{addr: testHeaderAddr, length: requestHeaderSize}}
	descs = append(descs, data...)
	descs = append(descs, testDesc{addr: testStatusAddr, length: 1, flags: virtio.DescFWrite})
	head := r.buildChain(descs...)
	r.makeAvail(head)
	return head
}

// popChain pops the next available chain, failing the test on an empty
// ring.
func (r *testRing) popChain() *virtio.DescChain {
	r.t.Helper()
	chain, ok, err := r.queue.Pop()
	if err != nil {
		r.t.Fatalf("Pop: %v", err)
	}
	if !ok {
		r.t.Fatal("Pop: ring empty")
	}
	return chain
}

func (r *testRing) usedIdx() uint16 {
	r.t.Helper()
	idx, err := vmem.ReadUint16(r.mem, testUsedRing+2)
	if err != nil {
		r.t.Fatalf("read used idx: %v", err)
	}
	return idx
}

func (r *testRing) usedEntry(i uint16) (id uint32, length uint32) {
	r.t.Helper()
	base := testUsedRing + 4 + uint64(i%r.queue.Size)*8
	id, err := vmem.ReadUint32(r.mem, base)
	if err != nil {
		r.t.Fatalf("read used entry id: %v", err)
	}
	length, err = vmem.ReadUint32(r.mem, base+4)
	if err != nil {
		r.t.Fatalf("read used entry len: %v", err)
	}
	return id, length
}

func (r *testRing) status() uint8 {
	r.t.Helper()
	var buf [1]byte
	if err := vmem.Read(r.mem, testStatusAddr, buf[:]); err != nil {
		r.t.Fatalf("read status byte: %v", err)
	}
	return buf[0]
}

type submission struct {
	write  bool
	offset int64
	segs   []Segment
	token  uint16
}

// testBackend records submissions and hands back completions under test
// control. The submitted channel, when set, receives each token as the
// worker submits it.
type testBackend struct {
	mu          sync.Mutex
	capacity    uint64
	maxSize     uint32
	id          string
	idErr       error
	flushErr    error
	submitErr   error
	submissions []submission
	completions []Completion
	evt         *event.Event
	submitted   chan uint16
	closed      bool
}

func newTestBackend() *testBackend {
	return &testBackend{capacity: testCapacity, maxSize: testMaxSize, id: "test-disk"}
}

func (b *testBackend) Capacity() uint64 {
	return b.capacity
}

func (b *testBackend) MaxRequestSize() uint32 {
	return b.maxSize
}

func (b *testBackend) DeviceID() (string, error) {
	return b.id, b.idErr
}

func (b *testBackend) submit(write bool, offset int64, segs []Segment, token uint16) error {
	b.mu.Lock()
	err := b.submitErr
	if err == nil {
		b.submissions = append(b.submissions, submission{write: write, offset: offset, segs: segs, token: token})
	}
	b.mu.Unlock()
	if err == nil && b.submitted != nil {
		b.submitted <- token
	}
	return err
}

func (b *testBackend) SubmitRead(mem vmem.Memory, offset int64, segs []Segment, token uint16) error {
	return b.submit(false, offset, segs, token)
}

func (b *testBackend) SubmitWrite(mem vmem.Memory, offset int64, segs []Segment, token uint16) error {
	return b.submit(true, offset, segs, token)
}

func (b *testBackend) Flush() error {
	return b.flushErr
}

func (b *testBackend) complete(token uint16, err error) {
	b.mu.Lock()
	b.completions = append(b.completions, Completion{Token: token, Err: err})
	b.mu.Unlock()
}

func (b *testBackend) PollCompletions() ([]Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.completions
	b.completions = nil
	return out, nil
}

func (b *testBackend) CompletionEvent() *event.Event {
	return b.evt
}

func (b *testBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *testBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *testBackend) lastSubmission() submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.submissions) == 0 {
		return submission{}
	}
	return b.submissions[len(b.submissions)-1]
}

// newTestWorker wires a worker over the ring and backend with an
// unlimited rate limiter, for tests that drive the loop body directly.
func newTestWorker(t *testing.T, r *testRing, b *testBackend) *worker {
	t.Helper()
	limiter, err := ratelimit.NewUnlimited()
	if err != nil {
		t.Fatalf("NewUnlimited: %v", err)
	}
	t.Cleanup(func() { limiter.Close() })
	return &worker{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		mem:      r.mem,
		queue:    r.queue,
		backend:  b,
		deviceID: buildDeviceID(b),
		limiter:  limiter,
		pending:  make(map[uint16]*Request),
	}
}

func wantErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}
