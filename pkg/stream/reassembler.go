// Package stream reassembles per-flow TCP payload bytes into
// length-delimited application frames.
//
// The reassembler is deliberately loose: it performs no sequence-number
// tracking and trusts the order bytes were observed on the wire. When
// framing diverges (truncated or interleaved captures) it resynchronizes
// one byte at a time until a plausible length prefix is found again.
package stream

import (
	"encoding/binary"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Frame size limits. A declared size below the header size can never be
// a real frame; anything above MaxFrameBytes is treated as garbage.
const (
	minFrameSize = 6

	DefaultMaxFrameBytes      = 2 * 1024 * 1024
	DefaultMaxFlowBufferBytes = 4 * 1024 * 1024
	DefaultFlowIdleTimeout    = 2 * time.Minute
)

// FlowKey identifies one direction of a TCP connection. Each direction
// is reassembled independently.
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

// FrameHandler receives one complete application frame, including its
// 4-byte length prefix. The slice is only valid for the duration of the
// call.
type FrameHandler func(frame []byte)

// Config holds reassembler tuning knobs.
type Config struct {
	MaxFrameBytes      int
	MaxFlowBufferBytes int
	FlowIdleTimeout    time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:      DefaultMaxFrameBytes,
		MaxFlowBufferBytes: DefaultMaxFlowBufferBytes,
		FlowIdleTimeout:    DefaultFlowIdleTimeout,
	}
}

type flowBuffer struct {
	data     []byte
	lastSeen time.Time
}

// Reassembler accumulates payload bytes per flow and emits
// length-delimited frames to a handler. It is owned by a single
// goroutine; only the counters may be read concurrently.
type Reassembler struct {
	cfg     Config
	handler FrameHandler
	logger  *zap.Logger

	flows    map[FlowKey]*flowBuffer
	lastReap time.Time

	// Statistics
	FramesEmitted atomic.Uint64
	BytesResynced atomic.Uint64
	FlowsDropped  atomic.Uint64
	FlowsReaped   atomic.Uint64
}

// NewReassembler creates a reassembler delivering frames to handler.
func NewReassembler(cfg Config, handler FrameHandler, logger *zap.Logger) *Reassembler {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.MaxFlowBufferBytes <= 0 {
		cfg.MaxFlowBufferBytes = DefaultMaxFlowBufferBytes
	}
	if cfg.FlowIdleTimeout <= 0 {
		cfg.FlowIdleTimeout = DefaultFlowIdleTimeout
	}
	return &Reassembler{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		flows:   make(map[FlowKey]*flowBuffer),
	}
}

// Push appends payload bytes to the flow identified by key and emits
// every complete frame that can be carved off the front of the buffer.
func (r *Reassembler) Push(key FlowKey, payload []byte, now time.Time) {
	if len(payload) == 0 {
		return
	}

	buf, ok := r.flows[key]
	if !ok {
		buf = &flowBuffer{}
		r.flows[key] = buf
	}
	buf.data = append(buf.data, payload...)
	buf.lastSeen = now

	if len(buf.data) > r.cfg.MaxFlowBufferBytes {
		// A buffer this large means we lost sync long ago and will
		// never recover; throw the whole flow away.
		r.FlowsDropped.Add(1)
		r.logger.Warn("flow buffer over cap, dropping flow",
			zap.Int("buffered", len(buf.data)),
			zap.Uint16("src_port", key.SrcPort),
			zap.Uint16("dst_port", key.DstPort),
		)
		delete(r.flows, key)
		return
	}

	r.scan(buf)
	r.maybeReap(now)
}

// scan walks the buffer emitting frames. On an implausible length
// prefix it advances exactly one byte and retries, which is what lets
// the reassembler lock back on after a capture gap.
func (r *Reassembler) scan(buf *flowBuffer) {
	data := buf.data
	offset := 0

	for {
		if len(data)-offset < 4 {
			break
		}
		size := int(binary.BigEndian.Uint32(data[offset:]))
		if size < minFrameSize || size > r.cfg.MaxFrameBytes {
			offset++
			r.BytesResynced.Add(1)
			continue
		}
		if len(data)-offset < size {
			// Wait for more bytes.
			break
		}
		r.handler(data[offset : offset+size])
		r.FramesEmitted.Add(1)
		offset += size
	}

	// Retain only the unconsumed tail.
	if offset > 0 {
		buf.data = append(buf.data[:0], data[offset:]...)
	}
}

// Reset drops every flow buffer. Called when the capture device is
// switched so no state crosses devices.
func (r *Reassembler) Reset() {
	r.flows = make(map[FlowKey]*flowBuffer)
}

// FlowCount returns the number of live flow buffers.
func (r *Reassembler) FlowCount() int {
	return len(r.flows)
}

// maybeReap reclaims flows that produced no data for the idle timeout.
// Piggybacks on Push so reclamation stays on the owning goroutine.
func (r *Reassembler) maybeReap(now time.Time) {
	if now.Sub(r.lastReap) < r.cfg.FlowIdleTimeout/2 {
		return
	}
	r.lastReap = now
	for key, buf := range r.flows {
		if now.Sub(buf.lastSeen) > r.cfg.FlowIdleTimeout {
			delete(r.flows, key)
			r.FlowsReaped.Add(1)
		}
	}
}
