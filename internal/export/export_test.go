package export_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvl-labs/usbip-broker/internal/export"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/transport"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

func TestExport(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Export Suite")
}

// writeFixture creates a file with parents, used to lay out fake sysfs trees.
func writeFixture(path, content string) {
	Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
}

var _ = Describe("SysfsClaimer", func() {
	var (
		root    string
		claimer *export.SysfsClaimer
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		for _, attr := range []string{
			"drivers/usbip-host/match_busid",
			"drivers/usbip-host/bind",
			"drivers/usbip-host/unbind",
			"devices/1-1/driver/unbind",
			"drivers_probe",
		} {
			writeFixture(filepath.Join(root, attr), "")
		}
		claimer = export.NewSysfsClaimer(root)
	})

	read := func(attr string) string {
		data, err := os.ReadFile(filepath.Join(root, attr))
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	It("should rebind the device onto usbip-host on claim", func() {
		Expect(claimer.Claim(context.Background(), "1-1")).To(Succeed())

		Expect(read("drivers/usbip-host/match_busid")).To(Equal("add 1-1"))
		Expect(read("devices/1-1/driver/unbind")).To(Equal("1-1"))
		Expect(read("drivers/usbip-host/bind")).To(Equal("1-1"))
	})

	It("should hand the device back to the kernel on release", func() {
		Expect(claimer.Claim(context.Background(), "1-1")).To(Succeed())
		Expect(claimer.Release(context.Background(), "1-1")).To(Succeed())

		Expect(read("drivers/usbip-host/unbind")).To(Equal("1-1"))
		Expect(read("drivers/usbip-host/match_busid")).To(Equal("del 1-1"))
		Expect(read("drivers_probe")).To(Equal("1-1"))
	})

	It("should fail when the usbip-host driver is absent", func() {
		empty := GinkgoT().TempDir()
		Expect(export.NewSysfsClaimer(empty).Claim(context.Background(), "1-1")).
			To(MatchError(ContainSubstring("usbip-host driver not available")))
	})

	It("should tolerate a device that has no native driver", func() {
		// No devices/2-7/driver/unbind entry exists.
		Expect(claimer.Claim(context.Background(), "2-7")).To(Succeed())
		Expect(read("drivers/usbip-host/bind")).To(Equal("2-7"))
	})
})

var _ = Describe("FakeClaimer", func() {
	It("should refuse a double claim and track releases", func() {
		f := export.NewFakeClaimer()
		ctx := context.Background()

		Expect(f.Claim(ctx, "1-1")).To(Succeed())
		Expect(srvErrors.IsBusyError(f.Claim(ctx, "1-1"))).To(BeTrue())
		Expect(f.Claimed("1-1")).To(BeTrue())

		Expect(f.Release(ctx, "1-1")).To(Succeed())
		Expect(f.Claimed("1-1")).To(BeFalse())
		Expect(srvErrors.IsAlreadyFreeError(f.Release(ctx, "1-1"))).To(BeTrue())
	})
})

var _ = Describe("EnumerateDevices", func() {
	It("should build descriptors from sysfs attributes", func() {
		root := GinkgoT().TempDir()
		dev := filepath.Join(root, "1-1.4")
		writeFixture(filepath.Join(dev, "idVendor"), "18d1\n")
		writeFixture(filepath.Join(dev, "idProduct"), "4ee7\n")
		writeFixture(filepath.Join(dev, "serial"), "R58M123ABC\n")
		writeFixture(filepath.Join(dev, "speed"), "480\n")
		writeFixture(filepath.Join(dev, "bDeviceClass"), "00\n")
		writeFixture(filepath.Join(dev, "product"), "Pixel 7\n")

		// Interface entries and attribute-less nodes are skipped.
		writeFixture(filepath.Join(root, "1-1.4:1.0", "bInterfaceClass"), "ff\n")
		Expect(os.MkdirAll(filepath.Join(root, "usb1"), 0o755)).To(Succeed())

		descs, err := export.EnumerateDevices(root)
		Expect(err).NotTo(HaveOccurred())
		Expect(descs).To(ConsistOf(models.DeviceDescriptor{
			BusID:     "1-1.4",
			VendorID:  0x18d1,
			ProductID: 0x4ee7,
			Serial:    "R58M123ABC",
			Speed:     models.SpeedHigh,
			Product:   "Pixel 7",
		}))
	})

	It("should fail on a missing root", func() {
		_, err := export.EnumerateDevices("/does/not/exist")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LoopbackBackend", func() {
	It("should echo per endpoint", func() {
		b := export.NewLoopbackBackend()
		ctx := context.Background()

		_, err := b.HandleTransfer(ctx, "1-1", export.Transfer{
			Endpoint: 0x02, Dir: transport.DirOut, Payload: []byte("ep2"),
		})
		Expect(err).NotTo(HaveOccurred())
		_, err = b.HandleTransfer(ctx, "1-1", export.Transfer{
			Endpoint: 0x03, Dir: transport.DirOut, Payload: []byte("ep3"),
		})
		Expect(err).NotTo(HaveOccurred())

		comp, err := b.HandleTransfer(ctx, "1-1", export.Transfer{
			Endpoint: 0x02, Dir: transport.DirIn,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(comp.Payload).To(Equal([]byte("ep2")))
		Expect(comp.Status).To(Equal(transport.StatusOK))

		// Separate devices do not share buffers.
		comp, err = b.HandleTransfer(ctx, "2-1", export.Transfer{
			Endpoint: 0x02, Dir: transport.DirIn,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(comp.Payload).To(BeEmpty())
	})
})
