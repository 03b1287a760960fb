package bitstream

import (
	"bytes"
	"testing"
)

func TestReadMatchesBitLayout(t *testing.T) {
	// 0b1011_0110, 0b0000_0001 little bit-endian within each byte.
	data := []byte{0xB6, 0x01}
	r := New(bytes.NewReader(data), int64(len(data)))

	v, err := r.Read(3)
	if err != nil || v != 0b110 {
		t.Fatalf("Read(3) = %v, %v; want 0b110", v, err)
	}
	v, err = r.Read(5)
	if err != nil || v != 0b10110 {
		t.Fatalf("Read(5) = %v, %v; want 0b10110", v, err)
	}
	v, err = r.Read(8)
	if err != nil || v != 1 {
		t.Fatalf("Read(8) = %v, %v; want 1", v, err)
	}
	if !r.Eof() {
		t.Fatalf("expected EOF")
	}
}

func TestSeekToBitMidByte(t *testing.T) {
	data := []byte{0xFF, 0x00, 0xAA}
	r := New(bytes.NewReader(data), int64(len(data)))
	if err := r.SeekToBit(10); err != nil {
		t.Fatal(err)
	}
	if got := r.Tell(); got != 10 {
		t.Fatalf("Tell() = %d, want 10", got)
	}
	v, err := r.Read(6)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("Read(6) = %#x, want 0 (remaining bits of 0x00)", v)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	data := []byte{0xAB, 0xCD, 0xEF}
	r := New(bytes.NewReader(data), int64(len(data)))
	r.Read(4)
	c := r.Clone()
	r.Read(4)
	if r.Tell() == c.Tell() {
		t.Fatalf("clone should not track original's further reads")
	}
	if c.Tell() != 4 {
		t.Fatalf("clone Tell() = %d, want 4", c.Tell())
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	data := []byte{0x5A}
	r := New(bytes.NewReader(data), int64(len(data)))
	a, _ := r.Peek(4)
	b, _ := r.Peek(4)
	if a != b {
		t.Fatalf("Peek not idempotent: %v != %v", a, b)
	}
}
