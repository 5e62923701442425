// Package vmem abstracts guest physical memory for device emulation. All
// accessors validate the (address, length) pair before touching any byte;
// a hostile guest can provoke errors, never out-of-bounds access.
package vmem

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Memory provides host-resident access to guest physical memory. Offsets
// are guest physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Offset validates a (guest address, length) pair and converts the address
// into an io offset. It rejects ranges that would overflow.
func Offset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("vmem: negative length %d", length)
	}
	if addr > math.MaxInt64 || uint64(length) > math.MaxInt64-addr {
		return 0, fmt.Errorf("vmem: range [0x%x, +%d) overflows", addr, length)
	}
	return int64(addr), nil
}

// Read fills buf from guest memory at addr, failing on short reads.
func Read(m Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := Offset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := m.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("vmem: short read at 0x%x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

// Write copies buf into guest memory at addr, failing on short writes.
func Write(m Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := Offset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := m.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("vmem: short write at 0x%x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

// ReadUint16 reads a little-endian u16 from guest memory.
func ReadUint16(m Memory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := Read(m, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a little-endian u32 from guest memory.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := Read(m, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian u64 from guest memory.
func ReadUint64(m Memory, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := Read(m, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint16 writes a little-endian u16 into guest memory.
func WriteUint16(m Memory, addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return Write(m, addr, buf[:])
}

// WriteUint32 writes a little-endian u32 into guest memory.
func WriteUint32(m Memory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return Write(m, addr, buf[:])
}

// WriteByte writes a single byte into guest memory.
func WriteByte(m Memory, addr uint64, v byte) error {
	return Write(m, addr, []byte{v})
}
