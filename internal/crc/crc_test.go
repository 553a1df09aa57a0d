package crc

import "testing"

func TestCRC16SlicingIndependence(t *testing.T) {
	a := []byte("hello, ")
	b := []byte("world")
	whole := CRC16(append(append([]byte{}, a...), b...))
	split := UpdateCRC16(CRC16(a), b)
	if whole != split {
		t.Fatalf("crc16 slicing mismatch: whole=%#x split=%#x", whole, split)
	}
}

func TestCRC32SlicingIndependence(t *testing.T) {
	a := []byte("hello, ")
	b := []byte("world")
	whole := CRC32(append(append([]byte{}, a...), b...))
	split := UpdateCRC32(CRC32(a), b)
	if whole != split {
		t.Fatalf("crc32 slicing mismatch: whole=%#x split=%#x", whole, split)
	}
}

func TestCRC16KnownVector(t *testing.T) {
	// "123456789" is the standard CRC-16/XMODEM check value -> 0x31C3
	// (poly 0x1021, init 0, no augmentation). The two-zero-byte
	// finalization ZMODEM frames use (CRC16Final) is a distinct,
	// protocol-specific convention layered on top of this plain CRC.
	got := CRC16([]byte("123456789"))
	if got != 0x31C3 {
		t.Fatalf("crc16(123456789) = %#x, want 0x31c3", got)
	}
}
