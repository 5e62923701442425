// Package block emulates the host side of a virtio block device: it
// parses guest descriptor chains into requests, executes them against a
// pluggable backend, and reports completion through the used ring, with
// one epoll-driven worker goroutine per virtqueue.
package block

import (
	"errors"
	"fmt"
)

// BlkDriverName identifies the device in logs and registrations.
const BlkDriverName = "virtio-blk"

// TYPE_BLOCK is the virtio device type for block devices.
const TYPE_BLOCK = 2

const (
	SECTOR_SHIFT = 9
	SECTOR_SIZE  = 1 << SECTOR_SHIFT
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN           = 0 // Read
	VIRTIO_BLK_T_OUT          = 1 // Write
	VIRTIO_BLK_T_FLUSH        = 4
	VIRTIO_BLK_T_GET_ID       = 8
	VIRTIO_BLK_T_DISCARD      = 11
	VIRTIO_BLK_T_WRITE_ZEROES = 13
)

// Virtio block status codes, written to the request's status byte.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1  // Max size of any single segment
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2  // Max number of segments
	VIRTIO_BLK_F_RO       = 1 << 5  // Read-only device
	VIRTIO_BLK_F_MQ       = 1 << 12 // Multiple queues
)

const virtioFeatureVersion1 = uint64(1) << 32

// VIRTIO_BLK_ID_BYTES is the fixed width of the device id the guest
// kernel reads with GET_ID.
const VIRTIO_BLK_ID_BYTES = 20

const (
	// configSpaceSize is the wire size of the device configuration space.
	configSpaceSize = 64
	// configMaxSeg is the advertised maximum number of segments per
	// request.
	configMaxSeg = 16
)

// Chain validation errors. Malformed guest input is never fatal; the
// offending request is finalized with an error status or dropped.
var (
	ErrDescriptorChainTooShort       = errors.New("virtio-blk: descriptor chain too short")
	ErrDescriptorLengthTooBig        = errors.New("virtio-blk: descriptor length too big")
	ErrDescriptorLengthTooSmall      = errors.New("virtio-blk: descriptor length too small")
	ErrUnexpectedWriteOnlyDescriptor = errors.New("virtio-blk: unexpected write-only descriptor")
	ErrUnexpectedReadOnlyDescriptor  = errors.New("virtio-blk: unexpected read-only descriptor")
)

var (
	// ErrInvalidOffset is returned when sector plus length exceeds the
	// backend capacity.
	ErrInvalidOffset = errors.New("virtio-blk: request beyond device capacity")
	// ErrInvalidInput is returned by construction with unusable arguments.
	ErrInvalidInput = errors.New("virtio-blk: invalid input")
	// ErrActivate is returned when activation cannot start the workers.
	ErrActivate = errors.New("virtio-blk: activation failed")
	// ErrInternal marks invariant violations that are fatal to the
	// affected worker or control path.
	ErrInternal = errors.New("virtio-blk: internal error")
)

// UnsupportedError reports a request code the device does not implement.
// It maps to the "unsupported" status byte and never kills the worker.
type UnsupportedError struct {
	Op uint32
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("virtio-blk: unsupported request type %d", e.Op)
}

// statusForError maps an execution result to the guest-visible status
// byte.
func statusForError(err error) uint8 {
	var unsupported *UnsupportedError
	switch {
	case err == nil:
		return VIRTIO_BLK_S_OK
	case errors.As(err, &unsupported):
		return VIRTIO_BLK_S_UNSUPP
	default:
		return VIRTIO_BLK_S_IOERR
	}
}
