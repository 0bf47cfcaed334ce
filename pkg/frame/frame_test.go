// Unit tests for the outer envelope parser
package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

type recordingNotify struct {
	bodies [][]byte
}

func (r *recordingNotify) HandleNotify(body []byte) {
	cp := make([]byte, len(body))
	copy(cp, body)
	r.bodies = append(r.bodies, cp)
}

func newTestParser(t *testing.T) (*Parser, *recordingNotify) {
	t.Helper()
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	t.Cleanup(codec.Close)
	rec := &recordingNotify{}
	return NewParser(codec, rec, 0, zap.NewNop()), rec
}

// buildFrame assembles size | typeAndFlags | body.
func buildFrame(typeAndFlags uint16, body []byte) []byte {
	fr := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(fr[0:4], uint32(len(fr)))
	binary.BigEndian.PutUint16(fr[4:6], typeAndFlags)
	copy(fr[6:], body)
	return fr
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("Failed to create zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestParserNotify(t *testing.T) {
	p, rec := newTestParser(t)

	body := []byte("notify body")
	p.HandleFrame(buildFrame(uint16(TypeNotify), body))

	if len(rec.bodies) != 1 {
		t.Fatalf("Expected 1 notify, got %d", len(rec.bodies))
	}
	if !bytes.Equal(rec.bodies[0], body) {
		t.Errorf("Notify body corrupted")
	}
}

func TestParserCompressedNotify(t *testing.T) {
	p, rec := newTestParser(t)

	body := []byte("the same bytes either way")
	p.HandleFrame(buildFrame(uint16(TypeNotify), body))
	p.HandleFrame(buildFrame(uint16(TypeNotify)|compressedFlag, compress(t, body)))

	if len(rec.bodies) != 2 {
		t.Fatalf("Expected 2 notifies, got %d", len(rec.bodies))
	}
	if !bytes.Equal(rec.bodies[0], rec.bodies[1]) {
		t.Errorf("Compressed and plain frames decoded differently")
	}
}

func TestParserContainerUnwrap(t *testing.T) {
	p, rec := newTestParser(t)

	body := []byte("wrapped notify")
	nested := buildFrame(uint16(TypeNotify), body)

	for _, typ := range []MessageType{TypeCall, TypeEcho, TypeFrameUp, TypeFrameDown} {
		p.HandleFrame(buildFrame(uint16(typ), nested))
	}

	if len(rec.bodies) != 4 {
		t.Fatalf("Expected 4 unwrapped notifies, got %d", len(rec.bodies))
	}
	for i, got := range rec.bodies {
		if !bytes.Equal(got, body) {
			t.Errorf("Container %d delivered wrong body", i)
		}
	}
}

func TestParserCompressedContainer(t *testing.T) {
	p, rec := newTestParser(t)

	body := []byte("notify inside compressed echo")
	nested := buildFrame(uint16(TypeNotify), body)
	p.HandleFrame(buildFrame(uint16(TypeEcho)|compressedFlag, compress(t, nested)))

	if len(rec.bodies) != 1 {
		t.Fatalf("Expected 1 notify from compressed container, got %d", len(rec.bodies))
	}
	if !bytes.Equal(rec.bodies[0], body) {
		t.Errorf("Compressed container delivered wrong body")
	}
}

func TestParserCorruptCompression(t *testing.T) {
	p, rec := newTestParser(t)

	p.HandleFrame(buildFrame(uint16(TypeNotify)|compressedFlag, []byte("not zstd at all")))
	if len(rec.bodies) != 0 {
		t.Errorf("Corrupt frame must not reach the handler")
	}

	// The next frame on the flow still parses.
	body := []byte("after the bad one")
	p.HandleFrame(buildFrame(uint16(TypeNotify), body))
	if len(rec.bodies) != 1 || !bytes.Equal(rec.bodies[0], body) {
		t.Errorf("Flow poisoned by a single corrupt frame")
	}
}

func TestParserReturnIsNoop(t *testing.T) {
	p, rec := newTestParser(t)

	p.HandleFrame(buildFrame(uint16(TypeReturn), []byte("ignored")))
	if len(rec.bodies) != 0 {
		t.Errorf("Return frames must not reach the notify handler")
	}
	if got := p.ReturnFrames.Load(); got != 1 {
		t.Errorf("Expected ReturnFrames=1, got %d", got)
	}
}

func TestParserUnknownTypeDropped(t *testing.T) {
	p, rec := newTestParser(t)

	p.HandleFrame(buildFrame(0x0123, []byte("mystery")))
	if len(rec.bodies) != 0 {
		t.Errorf("Unknown type must be dropped")
	}
	if got := p.UnknownTypes.Load(); got != 1 {
		t.Errorf("Expected UnknownTypes=1, got %d", got)
	}
}

func TestParserNestingBound(t *testing.T) {
	p, rec := newTestParser(t)

	// Wrap a Notify in more containers than the parser tolerates.
	fr := buildFrame(uint16(TypeNotify), []byte("too deep"))
	for i := 0; i < DefaultMaxNesting+1; i++ {
		fr = buildFrame(uint16(TypeCall), fr)
	}
	p.HandleFrame(fr)

	if len(rec.bodies) != 0 {
		t.Errorf("Over-nested notify must be dropped")
	}
	if got := p.DepthExceeded.Load(); got != 1 {
		t.Errorf("Expected DepthExceeded=1, got %d", got)
	}
}

func TestParserNestedSizeBounds(t *testing.T) {
	p, rec := newTestParser(t)

	// A container whose nested size field overruns the body.
	bogus := make([]byte, 6)
	binary.BigEndian.PutUint32(bogus[0:4], 100)
	binary.BigEndian.PutUint16(bogus[4:6], uint16(TypeNotify))
	p.HandleFrame(buildFrame(uint16(TypeCall), bogus))

	if len(rec.bodies) != 0 {
		t.Errorf("Overrunning nested frame must be dropped")
	}
	if got := p.CorruptFrames.Load(); got != 1 {
		t.Errorf("Expected CorruptFrames=1, got %d", got)
	}
}
