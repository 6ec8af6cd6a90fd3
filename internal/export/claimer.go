package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

// Claimer detaches a device from its local driver binding for the duration
// of a session and restores it afterwards. The agent core only talks to
// this interface so it stays platform independent.
type Claimer interface {
	Claim(ctx context.Context, busID string) error
	Release(ctx context.Context, busID string) error
}

// SysfsClaimer rebinds devices between their native driver and the
// usbip-host stub driver through the usual sysfs attribute writes.
type SysfsClaimer struct {
	root string // usually /sys/bus/usb
}

func NewSysfsClaimer(root string) *SysfsClaimer {
	if root == "" {
		root = "/sys/bus/usb"
	}
	return &SysfsClaimer{root: root}
}

func (s *SysfsClaimer) Claim(_ context.Context, busID string) error {
	matchPath := filepath.Join(s.root, "drivers", "usbip-host", "match_busid")
	if err := unix.Access(matchPath, unix.W_OK); err != nil {
		return fmt.Errorf("usbip-host driver not available at %s: %w", matchPath, err)
	}

	if err := writeAttr(matchPath, "add "+busID); err != nil {
		return fmt.Errorf("failed to register busid match: %w", err)
	}
	// Unbind from the native driver; a device with no driver is fine.
	unbind := filepath.Join(s.root, "devices", busID, "driver", "unbind")
	if err := writeAttr(unbind, busID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to unbind native driver: %w", err)
	}
	if err := writeAttr(filepath.Join(s.root, "drivers", "usbip-host", "bind"), busID); err != nil {
		return fmt.Errorf("failed to bind usbip-host: %w", err)
	}
	return nil
}

func (s *SysfsClaimer) Release(_ context.Context, busID string) error {
	if err := writeAttr(filepath.Join(s.root, "drivers", "usbip-host", "unbind"), busID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to unbind usbip-host: %w", err)
	}
	if err := writeAttr(filepath.Join(s.root, "drivers", "usbip-host", "match_busid"), "del "+busID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to drop busid match: %w", err)
	}
	// Let the kernel reattach whatever driver normally owns the device.
	if err := writeAttr(filepath.Join(s.root, "drivers_probe"), busID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reprobe device: %w", err)
	}
	return nil
}

func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}

// FakeClaimer tracks claims in memory. It backs tests and the "fake" claim
// backend for deployments without the usbip-host kernel module.
type FakeClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool

	Claims   []string
	Releases []string
}

func NewFakeClaimer() *FakeClaimer {
	return &FakeClaimer{claimed: make(map[string]bool)}
}

func (f *FakeClaimer) Claim(_ context.Context, busID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[busID] {
		return srvErrors.NewDeviceBusyError(busID, "")
	}
	f.claimed[busID] = true
	f.Claims = append(f.Claims, busID)
	return nil
}

func (f *FakeClaimer) Release(_ context.Context, busID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.claimed[busID] {
		return srvErrors.NewAlreadyFreeError(busID)
	}
	delete(f.claimed, busID)
	f.Releases = append(f.Releases, busID)
	return nil
}

// Claimed reports whether busID is currently held.
func (f *FakeClaimer) Claimed(busID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[busID]
}
