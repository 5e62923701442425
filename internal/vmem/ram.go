package vmem

import "fmt"

// RAM is a contiguous host-resident guest memory region covering
// [base, base+size). Accesses outside the region fail; they are never
// truncated to a partial transfer.
type RAM struct {
	base uint64
	buf  []byte
}

// NewRAM allocates a zeroed region of the given size at base.
func NewRAM(base uint64, size int) *RAM {
	return &RAM{base: base, buf: make([]byte, size)}
}

// Base returns the guest physical base address of the region.
func (r *RAM) Base() uint64 {
	return r.base
}

// Size returns the region size in bytes.
func (r *RAM) Size() int {
	return len(r.buf)
}

func (r *RAM) slice(off int64, length int) ([]byte, error) {
	if off < 0 || uint64(off) < r.base {
		return nil, fmt.Errorf("vmem: address 0x%x below region base 0x%x", off, r.base)
	}
	start := uint64(off) - r.base
	if start > uint64(len(r.buf)) || uint64(length) > uint64(len(r.buf))-start {
		return nil, fmt.Errorf("vmem: range [0x%x, +%d) outside region of %d bytes", off, length, len(r.buf))
	}
	return r.buf[start : start+uint64(length)], nil
}

// ReadAt implements io.ReaderAt over the region.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	src, err := r.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt implements io.WriterAt over the region.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	dst, err := r.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}
