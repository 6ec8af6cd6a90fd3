package export

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/config"
	"github.com/pvl-labs/usbip-broker/internal/models"
	"github.com/pvl-labs/usbip-broker/internal/transport"
	"github.com/pvl-labs/usbip-broker/pkg/client"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
	"github.com/pvl-labs/usbip-broker/pkg/scheduler"
)

// Agent runs on the machine physically holding the devices. It registers
// them with the broker, answers session opens from import agents, claims
// the device for the session's lifetime, and relays transfers to the
// device backend.
type Agent struct {
	id      string
	cfg     config.Export
	tcfg    config.Transport
	broker  *client.Client
	claimer Claimer
	backend Backend
	source  Source
	pool    *scheduler.Pool[string]
	log     *zap.SugaredLogger

	// dataAddr is the listener address actually bound, set by Run.
	dataAddr string

	mu       sync.Mutex
	devices  map[string]models.DeviceDescriptor // keyed by busID
	sessions map[string]*liveSession
}

type liveSession struct {
	sess   *transport.Session
	busID  string
	cancel context.CancelFunc
}

type Options struct {
	Config    config.Export
	Transport config.Transport
	Broker    *client.Client
	Claimer   Claimer
	Backend   Backend
	Source    Source
}

func NewAgent(opts Options) *Agent {
	id := opts.Config.AgentID
	if id == "" {
		id = uuid.NewString()
	}
	return &Agent{
		id:       id,
		cfg:      opts.Config,
		tcfg:     opts.Transport,
		broker:   opts.Broker,
		claimer:  opts.Claimer,
		backend:  opts.Backend,
		source:   opts.Source,
		pool:     scheduler.NewPool[string](opts.Config.NumWorkers),
		log:      zap.S().Named("export_agent").With("agent", id),
		devices:  make(map[string]models.DeviceDescriptor),
		sessions: make(map[string]*liveSession),
	}
}

func (a *Agent) ID() string { return a.id }

// Run registers the agent, then serves sessions and device events until ctx
// ends. The session listener address actually bound is advertised to the
// broker, so DataAddr may use port 0.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.DataAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer a.pool.Close()

	a.dataAddr = ln.Addr().String()
	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.broker.RegisterAgent(ctx, a.id, a.dataAddr)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute)); err != nil {
		return err
	}
	a.log.Infow("agent registered", "data_addr", a.dataAddr)

	go a.acceptLoop(ctx, ln)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case <-ticker.C:
			a.heartbeat(ctx)
		case ev, ok := <-a.source.Events():
			if !ok {
				a.shutdown()
				return nil
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, ev DeviceEvent) {
	switch ev.Kind {
	case DeviceAttached:
		desc := ev.Descriptor
		// The ID is derived from (agent, bus path), so sessions can match
		// this device before the broker round trip completes.
		a.mu.Lock()
		a.devices[desc.BusID] = desc
		a.mu.Unlock()

		fut := a.pool.Submit(func(ctx context.Context) (string, error) {
			return a.broker.RegisterDevice(ctx, a.id, desc)
		})
		go func() {
			deviceID, err := fut.Wait(ctx)
			if err != nil {
				a.log.Errorw("failed to register device", "bus_id", desc.BusID, "error", err)
				return
			}
			a.log.Infow("device registered", "bus_id", desc.BusID, "device", deviceID)
		}()

	case DeviceDetached:
		a.deviceRemoved(ctx, ev.Descriptor.BusID)
	}
}

// deviceRemoved handles a physical detach: kill any live session with a
// device-removed fault, then report the removal so the broker revokes the
// lease and purges the record.
func (a *Agent) deviceRemoved(ctx context.Context, busID string) {
	a.mu.Lock()
	desc, known := a.devices[busID]
	delete(a.devices, busID)
	a.mu.Unlock()
	if !known {
		a.log.Debugw("detach for unknown device", "bus_id", busID)
		return
	}
	deviceID := desc.Key(a.id)

	a.teardown(ctx, deviceID, transport.FaultDeviceRemoved)
	if err := a.broker.ReportRemoved(ctx, deviceID); err != nil {
		a.log.Errorw("failed to report removal", "device", deviceID, "error", err)
	}
	a.log.Warnw("device removed", "bus_id", busID, "device", deviceID)
}

func (a *Agent) heartbeat(ctx context.Context) {
	directives, err := a.broker.Heartbeat(ctx, a.id)
	if err != nil {
		a.log.Warnw("heartbeat failed", "error", err)
		if srvErrors.IsNotFoundError(err) {
			a.reregister(ctx)
		}
		return
	}
	for _, d := range directives {
		reason := transport.FaultLeaseRevoked
		if d.Reason == string(models.RevokeReasonDeviceRemoved) {
			reason = transport.FaultDeviceRemoved
		}
		a.log.Infow("teardown directive", "device", d.DeviceID, "reason", d.Reason)
		a.teardown(ctx, d.DeviceID, reason)
	}
}

// reregister recovers from a broker restart: the broker state is in memory
// only, so re-announce the agent and every known device.
func (a *Agent) reregister(ctx context.Context) {
	a.mu.Lock()
	known := make([]models.DeviceDescriptor, 0, len(a.devices))
	for _, desc := range a.devices {
		known = append(known, desc)
	}
	a.mu.Unlock()

	if err := a.broker.RegisterAgent(ctx, a.id, a.dataAddr); err != nil {
		a.log.Errorw("re-registration failed", "error", err)
		return
	}
	for _, desc := range known {
		if _, err := a.broker.RegisterDevice(ctx, a.id, desc); err != nil {
			a.log.Errorw("failed to re-register device", "bus_id", desc.BusID, "error", err)
		}
	}
	a.log.Infow("re-registered with broker", "devices", len(known))
}

func (a *Agent) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				a.log.Errorw("accept failed", "error", err)
			}
			return
		}
		go a.serveSession(ctx, conn)
	}
}

// serveSession validates the hello against the broker's lease record,
// claims the device and relays transfers until the session ends.
func (a *Agent) serveSession(ctx context.Context, conn net.Conn) {
	sess := transport.NewSession(conn, transport.SessionOptions{
		HeartbeatInterval: a.tcfg.HeartbeatInterval,
		MissLimit:         a.tcfg.MissLimit,
		WriteTimeout:      a.tcfg.IOTimeout,
	})

	hello, err := a.handshake(ctx, sess)
	if err != nil {
		a.log.Warnw("session rejected", "remote", conn.RemoteAddr(), "error", err)
		sess.Fault(transport.FaultLeaseRevoked)
		return
	}

	a.mu.Lock()
	busID := ""
	for b, desc := range a.devices {
		if desc.Key(a.id) == hello.DeviceID {
			busID = b
			break
		}
	}
	a.mu.Unlock()
	if busID == "" {
		a.log.Warnw("session for unknown device", "device", hello.DeviceID)
		sess.Fault(transport.FaultDeviceRemoved)
		return
	}

	if err := a.claimer.Claim(ctx, busID); err != nil {
		a.log.Errorw("failed to claim device", "bus_id", busID, "error", err)
		sess.Fault(transport.FaultLeaseRevoked)
		return
	}
	if err := a.broker.MarkBound(ctx, hello.DeviceID, hello.Token); err != nil {
		a.log.Warnw("failed to mark device bound", "device", hello.DeviceID, "error", err)
	}
	if err := sess.Write(&transport.Frame{Type: transport.FrameHelloAck}); err != nil {
		_ = a.claimer.Release(ctx, busID)
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.sessions[hello.DeviceID] = &liveSession{sess: sess, busID: busID, cancel: cancel}
	a.mu.Unlock()
	go sess.RunHeartbeat(sessCtx)

	a.log.Infow("session open",
		"device", hello.DeviceID, "consumer", hello.ConsumerID, "remote", conn.RemoteAddr())
	a.relay(sessCtx, sess, busID)

	cancel()
	a.mu.Lock()
	if cur, ok := a.sessions[hello.DeviceID]; ok && cur.sess == sess {
		delete(a.sessions, hello.DeviceID)
	}
	a.mu.Unlock()
	if err := a.claimer.Release(ctx, busID); err != nil {
		a.log.Warnw("failed to release claim", "bus_id", busID, "error", err)
	}
	a.log.Infow("session closed", "device", hello.DeviceID, "error", sess.Err())
}

func (a *Agent) handshake(ctx context.Context, sess *transport.Session) (transport.Hello, error) {
	f, err := sess.Read()
	if err != nil {
		return transport.Hello{}, err
	}
	if f.Type != transport.FrameHello {
		return transport.Hello{}, errors.New("expected hello frame")
	}
	hello, err := transport.DecodeHello(f.Payload)
	if err != nil {
		return transport.Hello{}, err
	}

	lease, err := a.broker.GetLease(ctx, hello.DeviceID)
	if err != nil {
		return transport.Hello{}, err
	}
	if lease.Token != hello.Token || lease.ConsumerID != hello.ConsumerID {
		return transport.Hello{}, srvErrors.NewInvalidTokenError(hello.DeviceID, hello.Token)
	}
	return hello, nil
}

// relay executes transfers strictly in arrival order, which preserves the
// per-endpoint submission order end to end.
func (a *Agent) relay(ctx context.Context, sess *transport.Session, busID string) {
	for {
		f, err := sess.Read()
		if err != nil {
			return
		}
		if f.Type != transport.FrameSubmit {
			continue
		}

		comp, err := a.backend.HandleTransfer(ctx, busID, Transfer{
			Type:     f.Transfer,
			Endpoint: f.Endpoint,
			Dir:      f.Dir,
			Payload:  f.Payload,
		})
		status := comp.Status
		if err != nil {
			a.log.Errorw("transfer failed",
				"bus_id", busID, "endpoint", f.Endpoint, "seq", f.Seq, "error", err)
			status = transport.StatusError
		}
		reply := &transport.Frame{
			Type:     transport.FrameComplete,
			Transfer: f.Transfer,
			Endpoint: f.Endpoint,
			Dir:      f.Dir,
			Status:   status,
			Seq:      f.Seq,
			Payload:  comp.Payload,
		}
		if err := sess.Write(reply); err != nil {
			return
		}
	}
}

// teardown faults the live session for deviceID, if any. The claim release
// happens in the session goroutine's cleanup.
func (a *Agent) teardown(_ context.Context, deviceID string, reason uint8) {
	a.mu.Lock()
	ls, ok := a.sessions[deviceID]
	a.mu.Unlock()
	if !ok {
		return
	}

	ls.sess.Fault(reason)
	ls.cancel()
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	open := make([]*liveSession, 0, len(a.sessions))
	for _, ls := range a.sessions {
		open = append(open, ls)
	}
	a.sessions = make(map[string]*liveSession)
	a.mu.Unlock()

	for _, ls := range open {
		ls.sess.Fault(transport.FaultShutdown)
		ls.cancel()
	}
}
