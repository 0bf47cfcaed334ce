package capture

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/properafk/properafk/pkg/stream"
)

// PayloadHandler receives one directed flow's payload slice. The slice
// is only valid for the duration of the call.
type PayloadHandler func(key stream.FlowKey, payload []byte, ts time.Time)

// Demux parses Ethernet-II / IPv4 / TCP and hands payload bytes to the
// reassembler keyed by the directed 4-tuple. Decoding layers are reused
// across packets; the demux belongs to the capture goroutine.
type Demux struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	ip4     layers.IPv4
	tcp     layers.TCP
	payload gopacket.Payload
	decoded []gopacket.LayerType
	out     PayloadHandler

	// Statistics
	PacketsSeen  atomic.Uint64
	NonTCP       atomic.Uint64
	EmptyPayload atomic.Uint64
	DecodeErrors atomic.Uint64
}

// NewDemux creates a demultiplexer delivering payloads to out.
func NewDemux(out PayloadHandler) *Demux {
	d := &Demux{out: out}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth, &d.ip4, &d.tcp, &d.payload,
	)
	// Non-IPv4 EtherTypes and non-TCP protocols are dropped, not
	// errors.
	d.parser.IgnoreUnsupported = true
	return d
}

// HandlePacket decodes one link-layer frame.
func (d *Demux) HandlePacket(data []byte, ts time.Time) {
	d.PacketsSeen.Add(1)

	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		d.DecodeErrors.Add(1)
		return
	}

	sawIP4, sawTCP := false, false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP4 = true
		case layers.LayerTypeTCP:
			sawTCP = true
		}
	}
	if !sawIP4 || !sawTCP {
		d.NonTCP.Add(1)
		return
	}

	// The IP total length is authoritative: captures pad short frames
	// to the Ethernet minimum, and that padding is not payload.
	payloadLen := int(d.ip4.Length) - int(d.ip4.IHL)*4 - int(d.tcp.DataOffset)*4
	if payloadLen <= 0 {
		d.EmptyPayload.Add(1)
		return
	}
	payload := d.tcp.Payload
	if payloadLen < len(payload) {
		payload = payload[:payloadLen]
	}
	if len(payload) == 0 {
		d.EmptyPayload.Add(1)
		return
	}

	srcIP, ok := netip.AddrFromSlice(d.ip4.SrcIP)
	if !ok {
		d.DecodeErrors.Add(1)
		return
	}
	dstIP, ok := netip.AddrFromSlice(d.ip4.DstIP)
	if !ok {
		d.DecodeErrors.Add(1)
		return
	}

	d.out(stream.FlowKey{
		SrcIP:   srcIP,
		DstIP:   dstIP,
		SrcPort: uint16(d.tcp.SrcPort),
		DstPort: uint16(d.tcp.DstPort),
	}, payload, ts)
}
