package importer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/config"
	"github.com/pvl-labs/usbip-broker/internal/transport"
	"github.com/pvl-labs/usbip-broker/pkg/client"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

// Agent attaches remote devices as local virtual devices. Each attach
// acquires a lease, opens a session to the owning export agent, and keeps
// the lease renewed until detach.
type Agent struct {
	consumerID string
	cfg        config.Import
	tcfg       config.Transport
	broker     *client.Client
	bus        VirtualBus
	log        *zap.SugaredLogger

	mu       sync.Mutex
	attached map[string]*attachment
}

type attachment struct {
	handle *Handle
	token  uint64
	cancel context.CancelFunc
}

func NewAgent(cfg config.Import, tcfg config.Transport, broker *client.Client, bus VirtualBus) *Agent {
	consumerID := cfg.ConsumerID
	if consumerID == "" {
		consumerID = uuid.NewString()
	}
	return &Agent{
		consumerID: consumerID,
		cfg:        cfg,
		tcfg:       tcfg,
		broker:     broker,
		bus:        bus,
		log:        zap.S().Named("import_agent").With("consumer", consumerID),
		attached:   make(map[string]*attachment),
	}
}

func (a *Agent) ConsumerID() string { return a.consumerID }

// Attach leases deviceID, opens its session, and exposes it on the virtual
// bus. ttl zero means the configured default.
func (a *Agent) Attach(ctx context.Context, deviceID string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = a.cfg.DefaultTTL
	}

	lease, err := a.broker.AcquireLease(ctx, deviceID, a.consumerID, ttl)
	if err != nil {
		return nil, err
	}

	handle, err := a.openSession(ctx, deviceID, lease.DataAddr, lease.Token)
	if err != nil {
		// Best effort; TTL expiry is the fallback if this fails too.
		if relErr := a.broker.ReleaseLease(ctx, deviceID, lease.Token); relErr != nil {
			a.log.Debugw("failed to release lease after session error",
				"device", deviceID, "error", relErr)
		}
		return nil, err
	}

	dev, err := a.broker.GetDevice(ctx, deviceID)
	if err != nil {
		handle.close(nil)
		return nil, err
	}
	if err := a.bus.Attach(dev, handle); err != nil {
		handle.close(nil)
		if relErr := a.broker.ReleaseLease(ctx, deviceID, lease.Token); relErr != nil {
			a.log.Debugw("failed to release lease after bus error",
				"device", deviceID, "error", relErr)
		}
		return nil, err
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.attached[deviceID] = &attachment{handle: handle, token: lease.Token, cancel: cancel}
	a.mu.Unlock()

	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	go a.renewLoop(renewCtx, deviceID, lease.Token, interval)
	go a.watchHandle(deviceID, handle)

	a.log.Infow("device attached", "device", deviceID, "token", lease.Token, "ttl", ttl)
	return handle, nil
}

// AttachWithRetry retries Attach with exponential backoff while the device
// is busy. Any other failure is permanent.
func (a *Agent) AttachWithRetry(ctx context.Context, deviceID string, ttl, maxWait time.Duration) (*Handle, error) {
	return backoff.Retry(ctx, func() (*Handle, error) {
		h, err := a.Attach(ctx, deviceID, ttl)
		if err != nil && !srvErrors.IsBusyError(err) {
			return nil, backoff.Permanent(err)
		}
		return h, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxWait))
}

// Detach closes the handle, releases the lease, and removes the device
// from the virtual bus.
func (a *Agent) Detach(ctx context.Context, h *Handle) error {
	deviceID := h.DeviceID()
	a.mu.Lock()
	att, ok := a.attached[deviceID]
	delete(a.attached, deviceID)
	a.mu.Unlock()
	if !ok || att.handle != h {
		return srvErrors.NewDeviceNotFoundError(deviceID)
	}

	att.cancel()
	h.close(nil)
	if err := a.bus.Detach(deviceID); err != nil {
		a.log.Debugw("device already off the bus", "device", deviceID, "error", err)
	}
	if err := a.broker.ReleaseLease(ctx, deviceID, att.token); err != nil {
		// Network partition or already revoked; TTL expiry cleans up.
		a.log.Warnw("failed to release lease on detach", "device", deviceID, "error", err)
		return err
	}
	a.log.Infow("device detached", "device", deviceID)
	return nil
}

// openSession dials the export agent and performs the hello exchange.
func (a *Agent) openSession(ctx context.Context, deviceID, dataAddr string, token uint64) (*Handle, error) {
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", dataAddr)
	if err != nil {
		return nil, srvErrors.NewUnreachableError("export agent "+dataAddr, 0, err)
	}

	sess := transport.NewSession(conn, transport.SessionOptions{
		HeartbeatInterval: a.tcfg.HeartbeatInterval,
		MissLimit:         a.tcfg.MissLimit,
		WriteTimeout:      a.tcfg.IOTimeout,
	})

	payload, err := transport.EncodeHello(transport.Hello{
		DeviceID:   deviceID,
		ConsumerID: a.consumerID,
		Token:      token,
	})
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Write(&transport.Frame{Type: transport.FrameHello, Payload: payload}); err != nil {
		return nil, srvErrors.NewUnreachableError("export agent "+dataAddr, 0, err)
	}

	ack, err := sess.Read()
	if err != nil {
		return nil, srvErrors.NewUnreachableError("export agent "+dataAddr, 0, err)
	}
	switch ack.Type {
	case transport.FrameHelloAck:
	case transport.FrameFault:
		sess.Close()
		return nil, faultFromFrame(deviceID, ack.Status)
	default:
		sess.Close()
		return nil, fmt.Errorf("unexpected frame %d during handshake", ack.Type)
	}

	h := newHandle(deviceID, sess)
	go h.run()
	go sess.RunHeartbeat(context.Background())
	return h, nil
}

// renewLoop keeps the lease alive while the handle is open. A failed
// renewal means someone else may hold the device, so the handle is faulted
// immediately rather than left running on a stale lease.
func (a *Agent) renewLoop(ctx context.Context, deviceID string, token uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, interval)
			_, err := a.broker.RenewLease(rctx, deviceID, token)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			if srvErrors.IsUnreachableError(err) {
				// Broker blip; the lease may still be fine. Try again next
				// tick, the TTL has slack for two more.
				a.log.Warnw("lease renewal unreachable", "device", deviceID, "error", err)
				continue
			}
			a.log.Errorw("lease lost", "device", deviceID, "error", err)
			a.faultAttachment(deviceID, srvErrors.NewLeaseLostError(deviceID, err))
			return
		}
	}
}

// watchHandle cleans up agent state when a handle dies on its own, for
// example a device-removed fault from the export side.
func (a *Agent) watchHandle(deviceID string, h *Handle) {
	<-h.Done()
	a.mu.Lock()
	att, ok := a.attached[deviceID]
	if ok && att.handle == h {
		delete(a.attached, deviceID)
	} else {
		ok = false
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	att.cancel()
	if err := a.bus.Detach(deviceID); err != nil {
		a.log.Debugw("device already off the bus", "device", deviceID, "error", err)
	}
}

// faultAttachment tears the attachment down with err as the handle's
// terminal fault.
func (a *Agent) faultAttachment(deviceID string, err error) {
	a.mu.Lock()
	att, ok := a.attached[deviceID]
	delete(a.attached, deviceID)
	a.mu.Unlock()
	if !ok {
		return
	}

	att.cancel()
	att.handle.close(err)
	if busErr := a.bus.Detach(deviceID); busErr != nil {
		a.log.Debugw("device already off the bus", "device", deviceID, "error", busErr)
	}
}
