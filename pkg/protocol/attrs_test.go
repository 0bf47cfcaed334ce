// Unit tests for attribute blob decoding
package protocol

import (
	"encoding/binary"
	"testing"
)

// stringBlob builds a string attribute: u32 LE length, 4 reserved
// bytes, payload, 4 reserved bytes.
func stringBlob(s string) []byte {
	blob := make([]byte, 8+len(s)+4)
	binary.LittleEndian.PutUint32(blob[0:4], uint32(len(s)))
	copy(blob[8:], s)
	return blob
}

func TestDecodeAttrString(t *testing.T) {
	name, err := DecodeAttrString(stringBlob("Alice"))
	if err != nil {
		t.Fatalf("Failed to decode string attribute: %v", err)
	}
	if name != "Alice" {
		t.Errorf("Expected 'Alice', got '%s'", name)
	}
}

func TestDecodeAttrStringUTF8(t *testing.T) {
	name, err := DecodeAttrString(stringBlob("泰坦巨像"))
	if err != nil {
		t.Fatalf("Failed to decode UTF-8 string attribute: %v", err)
	}
	if name != "泰坦巨像" {
		t.Errorf("Expected '泰坦巨像', got '%s'", name)
	}
}

func TestDecodeAttrStringMissingTrailer(t *testing.T) {
	// The trailing 4 reserved bytes may be absent in truncated blobs.
	blob := stringBlob("Bob")[:8+3]
	name, err := DecodeAttrString(blob)
	if err != nil {
		t.Fatalf("Failed to decode trailerless blob: %v", err)
	}
	if name != "Bob" {
		t.Errorf("Expected 'Bob', got '%s'", name)
	}
}

func TestDecodeAttrStringTooShort(t *testing.T) {
	if _, err := DecodeAttrString([]byte{0x05, 0x00}); err == nil {
		t.Fatal("Expected error for short blob, got nil")
	}
}

func TestDecodeAttrStringLengthOverrun(t *testing.T) {
	blob := make([]byte, 12)
	binary.LittleEndian.PutUint32(blob[0:4], 100)
	if _, err := DecodeAttrString(blob); err == nil {
		t.Fatal("Expected error for overrunning length, got nil")
	}
}

func TestDecodeAttrUint32(t *testing.T) {
	v, err := DecodeAttrUint32([]byte{0x00, 0x00, 0x30, 0x39})
	if err != nil {
		t.Fatalf("Failed to decode numeric attribute: %v", err)
	}
	if v != 12345 {
		t.Errorf("Expected 12345, got %d", v)
	}
}

func TestDecodeAttrUint32TooShort(t *testing.T) {
	if _, err := DecodeAttrUint32([]byte{0x01, 0x02}); err == nil {
		t.Fatal("Expected error for short numeric attribute, got nil")
	}
}
