package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

// SourceConfig holds the knobs for opening one capture device.
type SourceConfig struct {
	SnapLen     int32
	BufferBytes int
	Promiscuous bool
	Filter      string
}

// DefaultSourceConfig returns the standard capture parameters: full
// snaplen, a 10 MiB kernel ring, promiscuous mode, and a tcp filter.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		SnapLen:     65535,
		BufferBytes: 10 * 1024 * 1024,
		Promiscuous: true,
		Filter:      "tcp",
	}
}

// Source owns one open capture handle. A device switch is modeled as
// Close followed by OpenSource on the new device; per-flow state is the
// reassembler's to drop.
type Source struct {
	device string
	handle *pcap.Handle
	logger *zap.Logger

	// Statistics
	PacketsCaptured atomic.Uint64
	ReadErrors      atomic.Uint64
}

// OpenSource activates a capture handle on the named device.
func OpenSource(device string, cfg SourceConfig, logger *zap.Logger) (*Source, error) {
	inactive, err := pcap.NewInactiveHandle(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendMissing, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(cfg.SnapLen)); err != nil {
		return nil, fmt.Errorf("failed to set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("failed to set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	if err := inactive.SetBufferSize(cfg.BufferBytes); err != nil {
		return nil, fmt.Errorf("failed to set buffer size: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate capture on %s: %w", device, err)
	}

	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter %q: %w", cfg.Filter, err)
		}
	}

	logger.Info("capture source opened",
		zap.String("device", device),
		zap.Int32("snaplen", cfg.SnapLen),
		zap.Int("buffer_bytes", cfg.BufferBytes),
		zap.String("filter", cfg.Filter),
	)

	return &Source{
		device: device,
		handle: handle,
		logger: logger,
	}, nil
}

// Device returns the name of the open device.
func (s *Source) Device() string {
	return s.device
}

// Run pumps captured frames into fn until the context is canceled or
// the handle dies. The read timeout set at open time bounds how long a
// cancellation can go unnoticed.
func (s *Source) Run(ctx context.Context, fn func(data []byte, ts time.Time)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, ci, err := s.handle.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.ReadErrors.Add(1)
			return fmt.Errorf("capture read failed on %s: %w", s.device, err)
		}
		s.PacketsCaptured.Add(1)
		fn(data, ci.Timestamp)
	}
}

// Close releases the capture handle.
func (s *Source) Close() {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
}
