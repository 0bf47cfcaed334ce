// Package frame decodes the outer application envelope: a big-endian
// u32 length, a u16 type-and-flags word, and a body. The high bit of
// the type word marks a zstd-compressed body; the low 15 bits select
// the message type. Container types wrap exactly one nested frame.
package frame

import (
	"encoding/binary"
	"sync/atomic"

	"go.uber.org/zap"
)

// MessageType is the low 15 bits of the envelope type word.
type MessageType uint16

const (
	TypeNone MessageType = iota
	TypeCall
	TypeNotify
	TypeReturn
	TypeEcho
	TypeFrameUp
	TypeFrameDown
)

const (
	headerSize     = 6
	compressedFlag = 0x8000
	typeMask       = 0x7fff

	// DefaultMaxNesting bounds container recursion. Real captures nest
	// at most once; the bound guards against corrupt or hostile data.
	DefaultMaxNesting = 4
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeCall:
		return "Call"
	case TypeNotify:
		return "Notify"
	case TypeReturn:
		return "Return"
	case TypeEcho:
		return "Echo"
	case TypeFrameUp:
		return "FrameUp"
	case TypeFrameDown:
		return "FrameDown"
	default:
		return "Unknown"
	}
}

// NotifyHandler receives the body of a Notify envelope after any
// decompression has been applied.
type NotifyHandler interface {
	HandleNotify(body []byte)
}

// Parser decodes outer frames and routes Notify bodies to a handler.
// Per-frame failures are counted and swallowed; nothing here may kill
// the capture loop.
type Parser struct {
	codec      *Codec
	notify     NotifyHandler
	maxNesting int
	logger     *zap.Logger

	// Statistics
	FramesSeen      atomic.Uint64
	NotifyFrames    atomic.Uint64
	ReturnFrames    atomic.Uint64
	ContainerFrames atomic.Uint64
	UnknownTypes    atomic.Uint64
	DepthExceeded   atomic.Uint64
	CorruptFrames   atomic.Uint64
}

// NewParser creates an outer frame parser. maxNesting <= 0 selects the
// default recursion bound.
func NewParser(codec *Codec, notify NotifyHandler, maxNesting int, logger *zap.Logger) *Parser {
	if maxNesting <= 0 {
		maxNesting = DefaultMaxNesting
	}
	return &Parser{
		codec:      codec,
		notify:     notify,
		maxNesting: maxNesting,
		logger:     logger,
	}
}

// HandleFrame processes one complete outer frame, including the 4-byte
// length prefix the reassembler already validated.
func (p *Parser) HandleFrame(fr []byte) {
	p.process(fr, 0)
}

func (p *Parser) process(fr []byte, depth int) {
	p.FramesSeen.Add(1)
	if len(fr) < headerSize {
		p.CorruptFrames.Add(1)
		return
	}

	typeAndFlags := binary.BigEndian.Uint16(fr[4:6])
	msgType := MessageType(typeAndFlags & typeMask)
	body := fr[headerSize:]

	if typeAndFlags&compressedFlag != 0 {
		out, err := p.codec.Decompress(body)
		if err != nil {
			// Drop this frame only; the flow keeps going.
			p.logger.Debug("dropping undecompressable frame",
				zap.String("type", msgType.String()),
				zap.Error(err),
			)
			return
		}
		body = out
	}

	switch msgType {
	case TypeNotify:
		p.NotifyFrames.Add(1)
		p.notify.HandleNotify(body)
	case TypeReturn:
		// Acknowledged but carries nothing we decode.
		p.ReturnFrames.Add(1)
	case TypeCall, TypeEcho, TypeFrameUp, TypeFrameDown:
		p.ContainerFrames.Add(1)
		p.unwrap(body, depth+1)
	default:
		p.UnknownTypes.Add(1)
	}
}

// unwrap re-enters the parser on the single nested frame a container
// body carries. The nested frame's own size field bounds the slice so
// trailing garbage cannot leak into the parse.
func (p *Parser) unwrap(body []byte, depth int) {
	if depth > p.maxNesting {
		p.DepthExceeded.Add(1)
		p.logger.Debug("container nesting over limit, dropping",
			zap.Int("depth", depth))
		return
	}
	if len(body) < headerSize {
		p.CorruptFrames.Add(1)
		return
	}
	size := int(binary.BigEndian.Uint32(body))
	if size < headerSize || size > len(body) {
		p.CorruptFrames.Add(1)
		return
	}
	p.process(body[:size], depth)
}
