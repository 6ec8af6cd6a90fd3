package importer_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvl-labs/usbip-broker/internal/config"
	"github.com/pvl-labs/usbip-broker/internal/export"
	"github.com/pvl-labs/usbip-broker/internal/handlers"
	"github.com/pvl-labs/usbip-broker/internal/importer"
	"github.com/pvl-labs/usbip-broker/internal/lease"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/registry"
	"github.com/pvl-labs/usbip-broker/internal/server"
	"github.com/pvl-labs/usbip-broker/internal/services"
	"github.com/pvl-labs/usbip-broker/internal/transport"
	"github.com/pvl-labs/usbip-broker/pkg/client"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

func TestImporter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Importer Suite")
}

// The suite wires a real broker, a real export agent with a fake claimer
// and a loopback device, and drives it all through the import agent.
var _ = Describe("Import agent", func() {
	const (
		agentID  = "host-1"
		busID    = "1-1"
		deviceID = agentID + ":" + busID
	)

	var (
		ctx     context.Context
		cancel  context.CancelFunc
		ts      *httptest.Server
		c       *client.Client
		claimer *export.FakeClaimer
		source  *export.StaticSource
		bus     *importer.MemoryBus
		imp     *importer.Agent
		tcfg    config.Transport
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		reg := registry.New()
		coor := lease.NewCoordinator(reg)
		broker := services.NewBroker(reg, coor, services.BrokerOptions{
			SweepInterval:   100 * time.Millisecond,
			AgentStaleAfter: time.Minute,
			PurgeGrace:      time.Minute,
		})
		srv, err := server.NewServer(&config.Broker{Mode: config.ModeProd}, nil, func(api *gin.RouterGroup) {
			handlers.New(broker).Register(api)
		})
		Expect(err).NotTo(HaveOccurred())
		ts = httptest.NewServer(srv.Handler())
		c = client.New(ts.URL, "")

		tcfg = config.Transport{
			HeartbeatInterval: 50 * time.Millisecond,
			MissLimit:         3,
			IOTimeout:         2 * time.Second,
		}
		claimer = export.NewFakeClaimer()
		source = export.NewStaticSource(models.DeviceDescriptor{
			BusID:     busID,
			VendorID:  0x18d1,
			ProductID: 0x4ee7,
			Speed:     models.SpeedHigh,
		})
		exp := export.NewAgent(export.Options{
			Config: config.Export{
				BrokerURL:         ts.URL,
				AgentID:           agentID,
				DataAddr:          "127.0.0.1:0",
				HeartbeatInterval: 50 * time.Millisecond,
				NumWorkers:        2,
			},
			Transport: tcfg,
			Broker:    client.New(ts.URL, ""),
			Claimer:   claimer,
			Backend:   export.NewLoopbackBackend(),
			Source:    source,
		})
		go func() {
			defer GinkgoRecover()
			_ = exp.Run(ctx)
		}()

		// The device shows up once the export agent has registered it.
		Eventually(func() int {
			devices, err := c.ListDevices(ctx, "free")
			if err != nil {
				return 0
			}
			return len(devices)
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(1))

		bus = importer.NewMemoryBus()
		imp = importer.NewAgent(config.Import{
			BrokerURL:   ts.URL,
			ConsumerID:  "worker-1",
			DefaultTTL:  30 * time.Second,
			DialTimeout: time.Second,
		}, tcfg, client.New(ts.URL, ""), bus)
	})

	AfterEach(func() {
		cancel()
		ts.Close()
	})

	Describe("Attach", func() {
		It("should expose the remote device and relay transfers in order", func() {
			handle, err := imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())
			defer imp.Detach(ctx, handle)

			Expect(claimer.Claimed(busID)).To(BeTrue())
			Expect(bus.Devices()).To(HaveLen(1))
			got, ok := bus.Lookup(deviceID)
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(handle))

			Eventually(func() string {
				dev, err := c.GetDevice(ctx, deviceID)
				if err != nil {
					return ""
				}
				return dev.State
			}).Should(Equal("bound"))

			// Loopback device: OUT writes a buffer, IN reads it back.
			comp, err := handle.Submit(ctx, importer.Transfer{
				Type:     transport.TransferBulk,
				Endpoint: 0x02,
				Dir:      transport.DirOut,
				Payload:  []byte("adb shell input keyevent 26"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(comp.Status).To(Equal(transport.StatusOK))

			comp, err = handle.Submit(ctx, importer.Transfer{
				Type:     transport.TransferBulk,
				Endpoint: 0x02,
				Dir:      transport.DirIn,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(comp.Payload).To(Equal([]byte("adb shell input keyevent 26")))
		})

		It("should return Busy while another consumer holds the device", func() {
			handle, err := imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())
			defer imp.Detach(ctx, handle)

			rival := importer.NewAgent(config.Import{
				BrokerURL:   ts.URL,
				ConsumerID:  "worker-2",
				DefaultTTL:  30 * time.Second,
				DialTimeout: time.Second,
			}, tcfg, client.New(ts.URL, ""), importer.NewMemoryBus())

			_, err = rival.Attach(ctx, deviceID, 0)
			Expect(srvErrors.IsBusyError(err)).To(BeTrue())
		})

		It("should return NotFound for unknown devices", func() {
			_, err := imp.Attach(ctx, agentID+":ghost", 0)
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())
		})
	})

	Describe("Detach", func() {
		It("should free the device and release the OS claim", func() {
			handle, err := imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.Detach(ctx, handle)).To(Succeed())

			Expect(bus.Devices()).To(BeEmpty())
			Eventually(func() bool {
				return claimer.Claimed(busID)
			}).Should(BeFalse())
			Eventually(func() string {
				dev, err := c.GetDevice(ctx, deviceID)
				if err != nil {
					return ""
				}
				return dev.State
			}).Should(Equal("free"))

			// The device is attachable again.
			handle, err = imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.Detach(ctx, handle)).To(Succeed())
		})
	})

	Describe("physical removal mid-session", func() {
		It("should surface DeviceRemoved, not a transport error", func() {
			handle, err := imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())

			source.Detach(busID)

			Eventually(handle.Done(), 5*time.Second).Should(BeClosed())
			Expect(srvErrors.IsDeviceRemovedError(handle.Err())).To(BeTrue())

			// Record survives unreachable for the grace period, lease is gone.
			Eventually(func() string {
				dev, err := c.GetDevice(ctx, deviceID)
				if err != nil {
					return ""
				}
				return dev.State
			}).Should(Equal("unreachable"))
			_, err = c.GetLease(ctx, deviceID)
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())

			Eventually(bus.Devices).Should(BeEmpty())
			_, err = handle.Submit(ctx, importer.Transfer{Endpoint: 0x02, Dir: transport.DirIn})
			Expect(srvErrors.IsDeviceRemovedError(err)).To(BeTrue())
		})
	})

	Describe("administrative revocation mid-session", func() {
		It("should tear the session down within a heartbeat interval", func() {
			handle, err := imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(c.RevokeLease(ctx, deviceID, "operator request")).To(Succeed())

			Eventually(handle.Done(), 2*time.Second).Should(BeClosed())
			Expect(srvErrors.IsLeaseLostError(handle.Err())).To(BeTrue())
			Eventually(func() bool {
				return claimer.Claimed(busID)
			}, 2*time.Second).Should(BeFalse())
		})
	})

	Describe("AttachWithRetry", func() {
		It("should win the device once the holder lets go", func() {
			handle, err := imp.Attach(ctx, deviceID, 0)
			Expect(err).NotTo(HaveOccurred())

			rival := importer.NewAgent(config.Import{
				BrokerURL:   ts.URL,
				ConsumerID:  "worker-2",
				DefaultTTL:  30 * time.Second,
				DialTimeout: time.Second,
			}, tcfg, client.New(ts.URL, ""), importer.NewMemoryBus())

			type result struct {
				handle *importer.Handle
				err    error
			}
			won := make(chan result, 1)
			go func() {
				defer GinkgoRecover()
				h, err := rival.AttachWithRetry(ctx, deviceID, 0, 10*time.Second)
				won <- result{h, err}
			}()

			time.Sleep(200 * time.Millisecond)
			Expect(imp.Detach(ctx, handle)).To(Succeed())

			var r result
			Eventually(won, 10*time.Second).Should(Receive(&r))
			Expect(r.err).NotTo(HaveOccurred())
			Expect(rival.Detach(ctx, r.handle)).To(Succeed())
		})
	})
})
