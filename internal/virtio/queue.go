// Package virtio implements device-side access to split virtqueues: the
// descriptor table, the available ring the guest publishes buffers
// through, and the used ring the device reports completions through.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/virtblk/internal/event"
	"github.com/tinyrange/virtblk/internal/vmem"
)

const (
	// DescFNext marks a descriptor that continues into Next.
	DescFNext = 1
	// DescFWrite marks a descriptor the device may write (guest reads).
	DescFWrite = 2

	descSize = 16

	availFNoInterrupt = 1
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWriteOnly reports whether the buffer is device-writable.
func (d Descriptor) IsWriteOnly() bool {
	return d.Flags&DescFWrite != 0
}

// HasNext reports whether the chain continues after this descriptor.
func (d Descriptor) HasNext() bool {
	return d.Flags&DescFNext != 0
}

// Queue is one split virtqueue. It is owned by a single worker goroutine;
// the transport only touches the notify event and the ring addresses
// before activation.
type Queue struct {
	mem vmem.Memory

	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	Index         int

	// NotifyEvent is signaled by the transport when the guest kicks the
	// queue.
	NotifyEvent *event.Event

	// Notifier raises the guest-visible interrupt for used buffers.
	Notifier Notifier

	nextAvail uint16
	nextUsed  uint16
}

// NewQueue creates a queue of the given size over mem. Ring addresses are
// set by the transport before activation via SetAddresses.
func NewQueue(mem vmem.Memory, size uint16, index int, notify *event.Event, notifier Notifier) *Queue {
	return &Queue{
		mem:         mem,
		Size:        size,
		Index:       index,
		NotifyEvent: notify,
		Notifier:    notifier,
	}
}

// SetAddresses configures the guest addresses of the three rings.
func (q *Queue) SetAddresses(descTable, availRing, usedRing uint64) {
	q.DescTableAddr = descTable
	q.AvailRingAddr = availRing
	q.UsedRingAddr = usedRing
}

// ReadDescriptor reads the descriptor table entry at idx.
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [descSize]byte
	if err := vmem.Read(q.mem, q.DescTableAddr+uint64(idx)*descSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) availState() (flags uint16, idx uint16, err error) {
	var buf [4]byte
	if err := vmem.Read(q.mem, q.AvailRingAddr, buf[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4]), nil
}

// Pop returns the next available descriptor chain in the order the guest
// made chains available. ok is false when the ring is empty.
func (q *Queue) Pop() (chain *DescChain, ok bool, err error) {
	_, availIdx, err := q.availState()
	if err != nil {
		return nil, false, err
	}
	if q.nextAvail == availIdx {
		return nil, false, nil
	}
	ringIndex := q.nextAvail % q.Size
	head, err := vmem.ReadUint16(q.mem, q.AvailRingAddr+4+uint64(ringIndex)*2)
	if err != nil {
		return nil, false, err
	}
	q.nextAvail++
	return &DescChain{q: q, Head: head, next: head}, true, nil
}

// UndoPop rewinds the last Pop so the chain is re-examined on the next
// drain. Used when admission is deferred by the rate limiter.
func (q *Queue) UndoPop() {
	q.nextAvail--
}

// PushUsed publishes a completed chain to the used ring.
func (q *Queue) PushUsed(head uint16, written uint32) error {
	base := q.UsedRingAddr + 4 + uint64(q.nextUsed%q.Size)*8
	if err := vmem.WriteUint32(q.mem, base, uint32(head)); err != nil {
		return err
	}
	if err := vmem.WriteUint32(q.mem, base+4, written); err != nil {
		return err
	}
	q.nextUsed++
	return vmem.WriteUint16(q.mem, q.UsedRingAddr+2, q.nextUsed)
}

// SignalUsed raises the guest notification for consumed buffers unless
// the driver suppressed interrupts. A failed flags read falls back to
// notifying.
func (q *Queue) SignalUsed() error {
	flags, _, err := q.availState()
	if err == nil && flags&availFNoInterrupt != 0 {
		return nil
	}
	if q.Notifier == nil {
		return nil
	}
	return q.Notifier.Notify()
}

// DescChain walks one descriptor chain. The walk is bounded by the queue
// size so a self-referencing chain terminates with an error instead of
// looping.
type DescChain struct {
	q     *Queue
	Head  uint16
	next  uint16
	steps uint16
	done  bool
}

// Next returns the next descriptor in the chain. ok is false after the
// final descriptor has been returned.
func (c *DescChain) Next() (desc Descriptor, ok bool, err error) {
	if c.done {
		return Descriptor{}, false, nil
	}
	if c.steps >= c.q.Size {
		return Descriptor{}, false, fmt.Errorf("virtio: descriptor chain longer than queue size %d", c.q.Size)
	}
	desc, err = c.q.ReadDescriptor(c.next)
	if err != nil {
		return Descriptor{}, false, err
	}
	c.steps++
	if desc.HasNext() {
		c.next = desc.Next
	} else {
		c.done = true
	}
	return desc, true, nil
}
