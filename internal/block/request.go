package block

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/virtblk/internal/virtio"
	"github.com/tinyrange/virtblk/internal/vmem"
)

// requestHeaderSize is the fixed guest request header: type u32,
// reserved u32, sector u64, little-endian.
const requestHeaderSize = 16

// Request is one decoded descriptor chain. It lives from parse until its
// status byte is written and the chain is published to the used ring.
type Request struct {
	Type       uint32
	Sector     uint64
	Segments   []Segment
	StatusAddr uint64

	head     uint16
	totalLen uint32
}

// Head returns the chain head index, used as the in-flight token for
// asynchronous submissions.
func (r *Request) Head() uint16 {
	return r.head
}

// TotalLen returns the summed length of the data segments.
func (r *Request) TotalLen() uint32 {
	return r.totalLen
}

// ParseRequest decodes one descriptor chain into a Request, validating
// every descriptor before any data is touched. maxSize is the backend's
// per-descriptor size ceiling. All failures are guest-input errors; the
// caller finalizes or drops the chain and keeps the queue running.
//
// Chain shape: a readable header descriptor, data descriptors (readable
// for writes to the backend, writable for reads and GET_ID), and a
// trailing writable status descriptor. Only flush requests may omit the
// data descriptors.
func ParseRequest(mem vmem.Memory, chain *virtio.DescChain, maxSize uint32) (*Request, error) {
	hdr, ok, err := chain.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDescriptorChainTooShort
	}
	// The header must be readable by the device.
	if hdr.IsWriteOnly() {
		return nil, ErrUnexpectedWriteOnlyDescriptor
	}
	if hdr.Length < requestHeaderSize {
		return nil, ErrDescriptorLengthTooSmall
	}
	var buf [requestHeaderSize]byte
	if err := vmem.Read(mem, hdr.Addr, buf[:]); err != nil {
		return nil, err
	}
	req := &Request{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Sector: binary.LittleEndian.Uint64(buf[8:16]),
		head:   chain.Head,
	}

	desc, ok, err := chain.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDescriptorChainTooShort
	}

	if !desc.HasNext() {
		// The header is followed directly by the status descriptor.
		// Only flush may skip the data section.
		if req.Type != VIRTIO_BLK_T_FLUSH {
			return nil, ErrDescriptorChainTooShort
		}
	} else {
		for desc.HasNext() {
			switch {
			case req.Type == VIRTIO_BLK_T_OUT && desc.IsWriteOnly():
				return nil, ErrUnexpectedWriteOnlyDescriptor
			case req.Type == VIRTIO_BLK_T_IN && !desc.IsWriteOnly():
				return nil, ErrUnexpectedReadOnlyDescriptor
			case req.Type == VIRTIO_BLK_T_GET_ID && !desc.IsWriteOnly():
				return nil, ErrUnexpectedReadOnlyDescriptor
			}
			if desc.Length > maxSize {
				return nil, ErrDescriptorLengthTooBig
			}
			req.Segments = append(req.Segments, Segment{Addr: desc.Addr, Len: desc.Length})
			req.totalLen += desc.Length

			desc, ok, err = chain.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrDescriptorChainTooShort
			}
		}
	}

	// desc is now the status descriptor.
	if !desc.IsWriteOnly() {
		return nil, ErrUnexpectedReadOnlyDescriptor
	}
	if desc.Length < 1 {
		return nil, ErrDescriptorLengthTooSmall
	}
	req.StatusAddr = desc.Addr
	return req, nil
}

// CheckCapacity verifies the request fits the backend:
// sector*512 + total length <= capacity, with overflow checks.
func (r *Request) CheckCapacity(b Backend) error {
	if r.Sector > math.MaxUint64>>SECTOR_SHIFT {
		return ErrInvalidOffset
	}
	offset := r.Sector << SECTOR_SHIFT
	if uint64(r.totalLen) > b.Capacity() || offset > b.Capacity()-uint64(r.totalLen) {
		return ErrInvalidOffset
	}
	return nil
}

// Execute runs the request against the backend. deferred reports that the
// backend accepted an asynchronous submission under token; the caller
// must then track the request until the matching completion arrives.
// Immediate completions return deferred=false with the execution result.
func (r *Request) Execute(b Backend, mem vmem.Memory, deviceID []byte, token uint16) (deferred bool, err error) {
	switch r.Type {
	case VIRTIO_BLK_T_IN:
		if err := r.CheckCapacity(b); err != nil {
			return false, err
		}
		if err := b.SubmitRead(mem, int64(r.Sector<<SECTOR_SHIFT), r.Segments, token); err != nil {
			return false, fmt.Errorf("submit read: %w", err)
		}
		return true, nil

	case VIRTIO_BLK_T_OUT:
		if err := r.CheckCapacity(b); err != nil {
			return false, err
		}
		if err := b.SubmitWrite(mem, int64(r.Sector<<SECTOR_SHIFT), r.Segments, token); err != nil {
			return false, fmt.Errorf("submit write: %w", err)
		}
		return true, nil

	case VIRTIO_BLK_T_FLUSH:
		if err := b.Flush(); err != nil {
			return false, fmt.Errorf("flush: %w", err)
		}
		return false, nil

	case VIRTIO_BLK_T_GET_ID:
		// Parse guarantees a writable data descriptor exists.
		seg := r.Segments[0]
		id := deviceID
		if uint32(len(id)) > seg.Len {
			id = id[:seg.Len]
		}
		if err := vmem.Write(mem, seg.Addr, id); err != nil {
			return false, fmt.Errorf("write device id: %w", err)
		}
		return false, nil

	default:
		return false, &UnsupportedError{Op: r.Type}
	}
}
