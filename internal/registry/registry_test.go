package registry_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/registry"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

func TestRegistry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry Suite")
}

var _ = Describe("Registry", func() {
	var (
		r    *registry.Registry
		desc models.DeviceDescriptor
	)

	BeforeEach(func() {
		r = registry.New()
		r.RegisterAgent("agent-1", "127.0.0.1:8701")
		desc = models.DeviceDescriptor{
			BusID:     "1-1.4",
			VendorID:  0x18d1,
			ProductID: 0x4ee7,
			Serial:    "R58M123ABC",
			Speed:     models.SpeedHigh,
			Product:   "Pixel 7",
		}
	})

	Describe("Register", func() {
		It("should key devices by agent and bus id", func() {
			id, err := r.Register("agent-1", desc)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("agent-1:1-1.4"))

			dev, err := r.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.State).To(Equal(models.DeviceStateFree))
			Expect(dev.Descriptor.VendorID).To(Equal(uint16(0x18d1)))
		})

		It("should reject registrations from unknown agents", func() {
			_, err := r.Register("ghost", desc)
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())
		})

		It("should be idempotent for the same physical device", func() {
			id1, err := r.Register("agent-1", desc)
			Expect(err).NotTo(HaveOccurred())

			desc.Serial = "replaced"
			id2, err := r.Register("agent-1", desc)
			Expect(err).NotTo(HaveOccurred())
			Expect(id2).To(Equal(id1))

			Expect(r.List(registry.ListFilter{})).To(HaveLen(1))
			dev, _ := r.Get(id1)
			Expect(dev.Descriptor.Serial).To(Equal("replaced"))
		})

		It("should bring an unreachable device back to free on reconnect", func() {
			id, _ := r.Register("agent-1", desc)
			Expect(r.Deregister(id)).To(Succeed())

			dev, _ := r.Get(id)
			Expect(dev.State).To(Equal(models.DeviceStateUnreachable))

			_, err := r.Register("agent-1", desc)
			Expect(err).NotTo(HaveOccurred())
			dev, _ = r.Get(id)
			Expect(dev.State).To(Equal(models.DeviceStateFree))
			Expect(dev.UnreachableSince.IsZero()).To(BeTrue())
		})
	})

	Describe("Deregister", func() {
		It("should keep the record around for the grace period", func() {
			id, _ := r.Register("agent-1", desc)
			Expect(r.Deregister(id)).To(Succeed())

			// Still visible, just unreachable.
			dev, err := r.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.State).To(Equal(models.DeviceStateUnreachable))

			Expect(r.PurgeStale(time.Hour)).To(BeEmpty())
			Expect(r.PurgeStale(0)).To(ConsistOf(id))

			_, err = r.Get(id)
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())
		})

		It("should return NotFound for unknown devices", func() {
			err := r.Deregister("agent-1:nope")
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())
		})
	})

	Describe("List", func() {
		It("should filter by state and agent", func() {
			r.RegisterAgent("agent-2", "127.0.0.1:8702")
			id1, _ := r.Register("agent-1", desc)
			other := desc
			other.BusID = "2-1"
			_, err := r.Register("agent-2", other)
			Expect(err).NotTo(HaveOccurred())

			Expect(r.List(registry.ListFilter{})).To(HaveLen(2))
			Expect(r.List(registry.ListFilter{HostAgentID: "agent-1"})).To(HaveLen(1))

			Expect(r.Deregister(id1)).To(Succeed())
			free := r.List(registry.ListFilter{State: models.DeviceStateFree})
			Expect(free).To(HaveLen(1))
			Expect(free[0].HostAgentID).To(Equal("agent-2"))
		})
	})

	Describe("WithDevice", func() {
		It("should serialize concurrent mutations per device", func() {
			id, _ := r.Register("agent-1", desc)

			var wg sync.WaitGroup
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = r.WithDevice(id, func(dev *models.Device) error {
						dev.LastToken++
						return nil
					})
				}()
			}
			wg.Wait()

			dev, _ := r.Get(id)
			Expect(dev.LastToken).To(Equal(uint64(50)))
		})

		It("should surface NotFound without running fn", func() {
			ran := false
			err := r.WithDevice("agent-1:missing", func(dev *models.Device) error {
				ran = true
				return nil
			})
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())
			Expect(ran).To(BeFalse())
		})
	})

	Describe("Subscribe", func() {
		It("should deliver availability transitions", func() {
			events, cancel := r.Subscribe()
			defer cancel()

			id, _ := r.Register("agent-1", desc)

			var ev registry.Event
			Eventually(events).Should(Receive(&ev))
			Expect(ev.DeviceID).To(Equal(id))
			Expect(ev.State).To(Equal(models.DeviceStateFree))

			Expect(r.Deregister(id)).To(Succeed())
			Eventually(events).Should(Receive(&ev))
			Expect(ev.State).To(Equal(models.DeviceStateUnreachable))
		})
	})

	Describe("StaleAgents", func() {
		It("should report agents past the heartbeat deadline", func() {
			Expect(r.StaleAgents(time.Hour)).To(BeEmpty())
			Expect(r.StaleAgents(0)).To(ConsistOf("agent-1"))

			Expect(r.HeartbeatAgent("agent-1")).To(Succeed())
			Expect(r.StaleAgents(time.Minute)).To(BeEmpty())
		})
	})
})
