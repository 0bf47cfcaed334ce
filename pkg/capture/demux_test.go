// Unit tests for the flow demultiplexer
package capture

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/properafk/properafk/pkg/stream"
)

type demuxResult struct {
	key     stream.FlowKey
	payload []byte
}

func buildTCPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		PSH:     true,
		ACK:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("Failed to set checksum layer: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("Failed to serialize packet: %v", err)
	}
	return buf.Bytes()
}

func TestDemuxExtractsPayload(t *testing.T) {
	var results []demuxResult
	d := NewDemux(func(key stream.FlowKey, payload []byte, ts time.Time) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		results = append(results, demuxResult{key: key, payload: cp})
	})

	payload := []byte("application bytes")
	pkt := buildTCPPacket(t, "192.168.1.10", "10.0.0.50", 50000, 443, payload)
	d.HandlePacket(pkt, time.Now())

	if len(results) != 1 {
		t.Fatalf("Expected 1 payload, got %d", len(results))
	}
	if !bytes.Equal(results[0].payload, payload) {
		t.Errorf("Payload corrupted: %q", results[0].payload)
	}

	key := results[0].key
	if key.SrcIP.String() != "192.168.1.10" || key.DstIP.String() != "10.0.0.50" {
		t.Errorf("Flow key addresses wrong: %v -> %v", key.SrcIP, key.DstIP)
	}
	if key.SrcPort != 50000 || key.DstPort != 443 {
		t.Errorf("Flow key ports wrong: %d -> %d", key.SrcPort, key.DstPort)
	}
}

func TestDemuxDirectionsAreDistinctFlows(t *testing.T) {
	var results []demuxResult
	d := NewDemux(func(key stream.FlowKey, payload []byte, ts time.Time) {
		results = append(results, demuxResult{key: key})
	})

	d.HandlePacket(buildTCPPacket(t, "192.168.1.10", "10.0.0.50", 50000, 443, []byte("a")), time.Now())
	d.HandlePacket(buildTCPPacket(t, "10.0.0.50", "192.168.1.10", 443, 50000, []byte("b")), time.Now())

	if len(results) != 2 {
		t.Fatalf("Expected 2 payloads, got %d", len(results))
	}
	if results[0].key == results[1].key {
		t.Errorf("Opposite directions must key to distinct flows")
	}
}

func TestDemuxDropsEmptyPayload(t *testing.T) {
	called := false
	d := NewDemux(func(stream.FlowKey, []byte, time.Time) { called = true })

	// A bare ACK carries no payload.
	d.HandlePacket(buildTCPPacket(t, "192.168.1.10", "10.0.0.50", 50000, 443, nil), time.Now())

	if called {
		t.Errorf("Payloadless segment must be dropped")
	}
	if got := d.EmptyPayload.Load(); got != 1 {
		t.Errorf("Expected EmptyPayload=1, got %d", got)
	}
}

func TestDemuxDropsNonIPv4(t *testing.T) {
	called := false
	d := NewDemux(func(stream.FlowKey, []byte, time.Time) { called = true })

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		SourceProtAddress: []byte{192, 168, 1, 10},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 1},
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		t.Fatalf("Failed to serialize ARP packet: %v", err)
	}
	d.HandlePacket(buf.Bytes(), time.Now())

	if called {
		t.Errorf("Non-IPv4 frame must be dropped")
	}
	if got := d.NonTCP.Load(); got != 1 {
		t.Errorf("Expected NonTCP=1, got %d", got)
	}
}

func TestDemuxTruncatesEthernetPadding(t *testing.T) {
	var results []demuxResult
	d := NewDemux(func(key stream.FlowKey, payload []byte, ts time.Time) {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		results = append(results, demuxResult{payload: cp})
	})

	payload := []byte{0x01, 0x02}
	pkt := buildTCPPacket(t, "192.168.1.10", "10.0.0.50", 50000, 443, payload)
	// Simulate link-layer padding appended after the IP datagram.
	padded := append(append([]byte{}, pkt...), 0x00, 0x00, 0x00, 0x00)
	d.HandlePacket(padded, time.Now())

	if len(results) != 1 {
		t.Fatalf("Expected 1 payload, got %d", len(results))
	}
	if !bytes.Equal(results[0].payload, payload) {
		t.Errorf("Padding leaked into payload: %x", results[0].payload)
	}
}
