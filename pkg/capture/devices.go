// Package capture opens link-layer devices in promiscuous mode and
// demultiplexes observed TCP payload bytes by flow.
package capture

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/pcap"
)

var (
	// ErrBackendMissing means the platform capture layer (libpcap or
	// Npcap) is not installed or not usable.
	ErrBackendMissing = errors.New("capture backend not available")
	// ErrNoDevices means enumeration returned nothing.
	ErrNoDevices = errors.New("no capture devices found")
	// ErrBadDevice means a device index was outside the enumeration
	// snapshot.
	ErrBadDevice = errors.New("capture device index out of range")
)

// Device describes one capture device. Index is stable within a single
// enumeration snapshot; Name is the OS identifier used to open it.
type Device struct {
	Index       int
	Name        string
	Description string
	Addresses   []net.IP
	Loopback    bool
}

// ListDevices enumerates the available link-layer capture devices.
func ListDevices() ([]Device, error) {
	ifaces, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendMissing, err)
	}
	if len(ifaces) == 0 {
		return nil, ErrNoDevices
	}

	devices := make([]Device, 0, len(ifaces))
	for i, iface := range ifaces {
		dev := Device{
			Index:       i,
			Name:        iface.Name,
			Description: iface.Description,
		}
		for _, addr := range iface.Addresses {
			if addr.IP == nil {
				continue
			}
			dev.Addresses = append(dev.Addresses, addr.IP)
			if addr.IP.IsLoopback() {
				dev.Loopback = true
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// DeviceByIndex resolves an index against an enumeration snapshot.
func DeviceByIndex(devices []Device, index int) (Device, error) {
	if index < 0 || index >= len(devices) {
		return Device{}, fmt.Errorf("%w: %d of %d devices", ErrBadDevice, index, len(devices))
	}
	return devices[index], nil
}

// DefaultDevice picks the first non-loopback device carrying an IPv4
// address, which is where game traffic shows up on a typical host.
func DefaultDevice(devices []Device) (Device, error) {
	for _, dev := range devices {
		if dev.Loopback {
			continue
		}
		for _, ip := range dev.Addresses {
			if ip.To4() != nil {
				return dev, nil
			}
		}
	}
	return Device{}, ErrNoDevices
}
