package block

import (
	"log/slog"

	"github.com/tinyrange/virtblk/internal/event"
	"github.com/tinyrange/virtblk/internal/vmem"
)

// Segment is one guest data buffer of a request, already validated
// against the descriptor chain.
type Segment struct {
	Addr uint64
	Len  uint32
}

// Completion is one finished asynchronous submission. Err carries the
// backend failure, surfaced to the guest as an I/O-error status.
type Completion struct {
	Token uint16
	Err   error
}

// Backend is the storage implementation behind one virtqueue. Reads and
// writes are submitted asynchronously and complete through
// PollCompletions once CompletionEvent signals readiness; Flush is
// synchronous. Backend failures are surfaced to the guest per request and
// are never fatal to the device.
type Backend interface {
	// Capacity returns the device size in bytes.
	Capacity() uint64
	// MaxRequestSize returns the largest single data descriptor the
	// backend accepts, in bytes.
	MaxRequestSize() uint32
	// DeviceID returns the backend's identifier for GET_ID requests.
	DeviceID() (string, error)
	// SubmitRead starts reading into the guest segments at the given
	// byte offset. The token identifies the submission in completions.
	SubmitRead(mem vmem.Memory, offset int64, segs []Segment, token uint16) error
	// SubmitWrite starts writing the guest segments at the given byte
	// offset.
	SubmitWrite(mem vmem.Memory, offset int64, segs []Segment, token uint16) error
	// Flush persists completed writes.
	Flush() error
	// PollCompletions drains finished submissions.
	PollCompletions() ([]Completion, error)
	// CompletionEvent is signaled when PollCompletions has results.
	CompletionEvent() *event.Event
	// Close releases backend resources.
	Close() error
}

// buildDeviceID produces the fixed-width id returned to GET_ID requests:
// the backend id truncated or zero-padded to VIRTIO_BLK_ID_BYTES. A
// backend without an id yields all zeros.
func buildDeviceID(b Backend) []byte {
	id := make([]byte, VIRTIO_BLK_ID_BYTES)
	s, err := b.DeviceID()
	if err != nil {
		slog.Warn("virtio-blk: could not read device id, using default", "err", err)
		return id
	}
	copy(id, s)
	return id
}
