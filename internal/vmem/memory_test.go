package vmem

import (
	"math"
	"testing"
)

func TestRAMBounds(t *testing.T) {
	r := NewRAM(0x1000, 0x100)

	buf := make([]byte, 16)
	if err := Read(r, 0x1000, buf); err != nil {
		t.Fatalf("read at base: %v", err)
	}
	if err := Read(r, 0x10f0, buf); err != nil {
		t.Fatalf("read at end: %v", err)
	}
	if err := Read(r, 0x10f1, buf); err == nil {
		t.Fatal("read past the end succeeded")
	}
	if err := Read(r, 0xfff, buf); err == nil {
		t.Fatal("read below the base succeeded")
	}
	if err := Write(r, 0x10f1, buf); err == nil {
		t.Fatal("write past the end succeeded")
	}
}

func TestRAMRoundTrip(t *testing.T) {
	r := NewRAM(0, 0x1000)
	if err := Write(r, 0x10, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if err := Read(r, 0x10, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("read back %q", buf)
	}
}

func TestLittleEndianAccessors(t *testing.T) {
	r := NewRAM(0, 0x100)

	if err := WriteUint32(r, 0, 0x11223344); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	var b [4]byte
	if err := Read(r, 0, b[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b != [4]byte{0x44, 0x33, 0x22, 0x11} {
		t.Fatalf("bytes = %x, want little endian", b)
	}

	if err := WriteUint16(r, 8, 0xbeef); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}
	v16, err := ReadUint16(r, 8)
	if err != nil || v16 != 0xbeef {
		t.Fatalf("ReadUint16 = 0x%x, %v", v16, err)
	}

	if err := Write(r, 0x10, []byte{1, 0, 0, 0, 0, 0, 0, 0x80}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v64, err := ReadUint64(r, 0x10)
	if err != nil || v64 != 0x8000000000000001 {
		t.Fatalf("ReadUint64 = 0x%x, %v", v64, err)
	}

	if err := WriteByte(r, 0x20, 0xab); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if v, _ := ReadUint16(r, 0x20); v&0xff != 0xab {
		t.Fatalf("byte = 0x%x", v&0xff)
	}
}

func TestOffsetOverflow(t *testing.T) {
	if _, err := Offset(math.MaxUint64, 1); err == nil {
		t.Fatal("overflowing range accepted")
	}
	if _, err := Offset(math.MaxInt64, 1); err == nil {
		t.Fatal("range past MaxInt64 accepted")
	}
	if _, err := Offset(0, -1); err == nil {
		t.Fatal("negative length accepted")
	}
	off, err := Offset(0x1000, 0x100)
	if err != nil || off != 0x1000 {
		t.Fatalf("Offset = %d, %v", off, err)
	}
}
