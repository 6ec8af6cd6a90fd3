package lease_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pvl-labs/usbip-broker/internal/lease"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/registry"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

func TestLease(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lease Coordinator Suite")
}

var _ = Describe("Coordinator", func() {
	var (
		reg      *registry.Registry
		coor     *lease.Coordinator
		deviceID string
	)

	BeforeEach(func() {
		reg = registry.New()
		coor = lease.NewCoordinator(reg)
		reg.RegisterAgent("agent-1", "127.0.0.1:8701")
		var err error
		deviceID, err = reg.Register("agent-1", models.DeviceDescriptor{BusID: "1-1"})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Acquire", func() {
		It("should lease a free device and mark it leased", func() {
			l, err := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Token).To(Equal(uint64(1)))
			Expect(l.ConsumerID).To(Equal("consumer-a"))

			dev, _ := reg.Get(deviceID)
			Expect(dev.State).To(Equal(models.DeviceStateLeased))
		})

		It("should return Busy while another consumer holds the lease", func() {
			_, err := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = coor.Acquire(deviceID, "consumer-b", 30*time.Second)
			Expect(srvErrors.IsBusyError(err)).To(BeTrue())
		})

		It("should grant exactly one of many concurrent acquisitions", func() {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
				busy int
			)
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := coor.Acquire(deviceID, "consumer", 30*time.Second)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case srvErrors.IsBusyError(err):
						busy++
					}
				}()
			}
			wg.Wait()

			Expect(wins).To(Equal(1))
			Expect(busy).To(Equal(19))
		})

		It("should return NotFound for unknown devices", func() {
			_, err := coor.Acquire("agent-1:ghost", "consumer-a", time.Second)
			Expect(srvErrors.IsNotFoundError(err)).To(BeTrue())
		})

		It("should reject non-positive TTLs", func() {
			_, err := coor.Acquire(deviceID, "consumer-a", 0)
			Expect(err).To(MatchError(lease.ErrInvalidTTL))
		})

		It("should refuse unreachable devices", func() {
			Expect(reg.Deregister(deviceID)).To(Succeed())
			_, err := coor.Acquire(deviceID, "consumer-a", time.Second)
			Expect(srvErrors.IsUnreachableError(err)).To(BeTrue())
		})

		It("should issue strictly increasing tokens across lease lifetimes", func() {
			var tokens []uint64
			for range 3 {
				l, err := coor.Acquire(deviceID, "consumer-a", time.Second)
				Expect(err).NotTo(HaveOccurred())
				tokens = append(tokens, l.Token)
				Expect(coor.Release(deviceID, l.Token)).To(Succeed())
			}
			Expect(tokens).To(Equal([]uint64{1, 2, 3}))
		})
	})

	Describe("Renew", func() {
		It("should extend the deadline and report the remaining time", func() {
			l, _ := coor.Acquire(deviceID, "consumer-a", 30*time.Second)

			remaining, err := coor.Renew(deviceID, l.Token)
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(Equal(30 * time.Second))

			// Renewal is idempotent per call; a second renew is fine.
			_, err = coor.Renew(deviceID, l.Token)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject stale tokens", func() {
			l, _ := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			_, err := coor.Renew(deviceID, l.Token+1)
			Expect(srvErrors.IsInvalidTokenError(err)).To(BeTrue())
		})

		It("should never resurrect an expired lease", func() {
			l, _ := coor.Acquire(deviceID, "consumer-a", 10*time.Millisecond)
			time.Sleep(30 * time.Millisecond)

			_, err := coor.Renew(deviceID, l.Token)
			Expect(srvErrors.IsExpiredError(err)).To(BeTrue())
		})
	})

	Describe("Release", func() {
		It("should free the device", func() {
			l, _ := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			Expect(coor.Release(deviceID, l.Token)).To(Succeed())

			dev, _ := reg.Get(deviceID)
			Expect(dev.State).To(Equal(models.DeviceStateFree))

			_, err := coor.Acquire(deviceID, "consumer-b", time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a token from an earlier lease", func() {
			l1, _ := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			Expect(coor.Release(deviceID, l1.Token)).To(Succeed())
			l2, _ := coor.Acquire(deviceID, "consumer-b", 30*time.Second)

			err := coor.Release(deviceID, l1.Token)
			Expect(srvErrors.IsInvalidTokenError(err)).To(BeTrue())
			Expect(l2.Token).To(BeNumerically(">", l1.Token))
		})
	})

	Describe("Revoke", func() {
		It("should force-release regardless of holder and notify", func() {
			var (
				mu      sync.Mutex
				revoked []models.RevokeReason
			)
			coor.OnRevoked(func(id string, l models.Lease, reason models.RevokeReason) {
				mu.Lock()
				revoked = append(revoked, reason)
				mu.Unlock()
			})

			_, err := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(coor.Revoke(deviceID, models.RevokeReasonAdmin)).To(Succeed())

			dev, _ := reg.Get(deviceID)
			Expect(dev.State).To(Equal(models.DeviceStateFree))
			mu.Lock()
			defer mu.Unlock()
			Expect(revoked).To(ConsistOf(models.RevokeReasonAdmin))
		})

		It("should report AlreadyFree when no lease exists", func() {
			err := coor.Revoke(deviceID, models.RevokeReasonAdmin)
			Expect(srvErrors.IsAlreadyFreeError(err)).To(BeTrue())
		})
	})

	Describe("Sweep", func() {
		It("should expire overdue leases and free their devices", func() {
			expired := make(chan models.RevokeReason, 1)
			coor.OnRevoked(func(id string, l models.Lease, reason models.RevokeReason) {
				expired <- reason
			})

			_, err := coor.Acquire(deviceID, "consumer-a", 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				return coor.Sweep()
			}, time.Second, 10*time.Millisecond).Should(Equal(1))

			Eventually(expired).Should(Receive(Equal(models.RevokeReasonExpired)))
			dev, _ := reg.Get(deviceID)
			Expect(dev.State).To(Equal(models.DeviceStateFree))
		})

		It("should leave renewed leases alone", func() {
			l, err := coor.Acquire(deviceID, "consumer-a", time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(coor.Sweep()).To(BeZero())

			_, err = coor.Renew(deviceID, l.Token)
			Expect(err).NotTo(HaveOccurred())
			Expect(coor.Sweep()).To(BeZero())
		})
	})

	Describe("MarkBound", func() {
		It("should transition a leased device to bound", func() {
			l, _ := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			Expect(coor.MarkBound(deviceID, l.Token)).To(Succeed())

			dev, _ := reg.Get(deviceID)
			Expect(dev.State).To(Equal(models.DeviceStateBound))

			// Release from bound still frees.
			Expect(coor.Release(deviceID, l.Token)).To(Succeed())
			dev, _ = reg.Get(deviceID)
			Expect(dev.State).To(Equal(models.DeviceStateFree))
		})

		It("should reject a mismatched token", func() {
			l, _ := coor.Acquire(deviceID, "consumer-a", 30*time.Second)
			err := coor.MarkBound(deviceID, l.Token+7)
			Expect(srvErrors.IsInvalidTokenError(err)).To(BeTrue())
		})
	})
})
