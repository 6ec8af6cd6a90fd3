package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pvl-labs/usbip-broker/internal/models"
)

type EventKind int

const (
	DeviceAttached EventKind = iota
	DeviceDetached
)

// DeviceEvent is an OS attach/detach notification. For detach events only
// the descriptor's BusID is meaningful.
type DeviceEvent struct {
	Kind       EventKind
	Descriptor models.DeviceDescriptor
}

// Source delivers attach/detach events to the agent. The agent never polls;
// everything it knows about local devices arrives through this channel.
type Source interface {
	Events() <-chan DeviceEvent
	Close() error
}

// StaticSource is a Source seeded with a fixed device list. Attach and
// Detach inject further events, which is how tests and the hotplug glue
// feed the agent.
type StaticSource struct {
	ch chan DeviceEvent
}

func NewStaticSource(descs ...models.DeviceDescriptor) *StaticSource {
	s := &StaticSource{ch: make(chan DeviceEvent, 16+len(descs))}
	for _, d := range descs {
		s.ch <- DeviceEvent{Kind: DeviceAttached, Descriptor: d}
	}
	return s
}

func (s *StaticSource) Events() <-chan DeviceEvent { return s.ch }

func (s *StaticSource) Attach(d models.DeviceDescriptor) {
	s.ch <- DeviceEvent{Kind: DeviceAttached, Descriptor: d}
}

func (s *StaticSource) Detach(busID string) {
	s.ch <- DeviceEvent{Kind: DeviceDetached, Descriptor: models.DeviceDescriptor{BusID: busID}}
}

func (s *StaticSource) Close() error {
	close(s.ch)
	return nil
}

// EnumerateDevices scans sysfs for attached USB devices and builds their
// descriptors. root is usually /sys/bus/usb/devices. Interfaces (entries
// with a colon in the name) and hubs without vendor files are skipped.
func EnumerateDevices(root string) ([]models.DeviceDescriptor, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	var descs []models.DeviceDescriptor
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, ":") {
			continue
		}
		dir := filepath.Join(root, name)
		vendor, err := readHexAttr(dir, "idVendor")
		if err != nil {
			continue
		}
		product, err := readHexAttr(dir, "idProduct")
		if err != nil {
			continue
		}

		class, _ := readHexAttr(dir, "bDeviceClass")
		descs = append(descs, models.DeviceDescriptor{
			BusID:     name,
			VendorID:  vendor,
			ProductID: product,
			Serial:    readStrAttr(dir, "serial"),
			Class:     uint8(class),
			Speed:     speedFromSysfs(readStrAttr(dir, "speed")),
			Product:   readStrAttr(dir, "product"),
		})
	}
	return descs, nil
}

func readHexAttr(dir, name string) (uint16, error) {
	raw := readStrAttr(dir, name)
	if raw == "" {
		return 0, fmt.Errorf("missing attribute %s", name)
	}
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("bad attribute %s=%q: %w", name, raw, err)
	}
	return uint16(v), nil
}

func readStrAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// speedFromSysfs maps the sysfs speed attribute (Mbps as text) onto the
// USB speed classes.
func speedFromSysfs(raw string) models.Speed {
	switch raw {
	case "1.5":
		return models.SpeedLow
	case "12":
		return models.SpeedFull
	case "480":
		return models.SpeedHigh
	case "5000", "10000", "20000":
		return models.SpeedSuper
	default:
		return models.SpeedUnknown
	}
}
