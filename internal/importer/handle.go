package importer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/transport"
	srvErrors "github.com/pvl-labs/usbip-broker/pkg/errors"
)

// Transfer is a USB transfer submitted by local consumer software.
type Transfer struct {
	Type     transport.TransferType
	Endpoint uint8
	Dir      transport.Direction
	Payload  []byte
}

// Completion is the remote device's answer to a Transfer.
type Completion struct {
	Status  uint8
	Payload []byte
}

type pendingKey struct {
	endpoint uint8
	dir      transport.Direction
	seq      uint64
}

type seqKey struct {
	endpoint uint8
	dir      transport.Direction
}

// Handle is the local face of one attached remote device. Transfers
// submitted on the same endpoint and direction carry increasing sequence
// numbers and are written to the session in that order.
type Handle struct {
	deviceID string
	sess     *transport.Session
	log      *zap.SugaredLogger

	// wmu spans sequence allocation and the session write, so concurrent
	// Submits reach the wire in sequence order.
	wmu sync.Mutex

	mu      sync.Mutex
	seq     map[seqKey]uint64
	pending map[pendingKey]chan *transport.Frame
	fault   error
	closed  bool

	done chan struct{}
}

func newHandle(deviceID string, sess *transport.Session) *Handle {
	return &Handle{
		deviceID: deviceID,
		sess:     sess,
		log:      zap.S().Named("import_handle").With("device", deviceID),
		seq:      make(map[seqKey]uint64),
		pending:  make(map[pendingKey]chan *transport.Frame),
		done:     make(chan struct{}),
	}
}

func (h *Handle) DeviceID() string { return h.deviceID }

// Done is closed once the handle is detached or faulted.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the handle ended: DeviceRemoved for a physical detach,
// LeaseLost when the lease expired or was revoked, Unreachable for
// transport failures. Nil while the handle is live or after a clean detach.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault
}

// Submit sends one transfer and blocks until its completion arrives, ctx
// ends, or the session faults.
func (h *Handle) Submit(ctx context.Context, t Transfer) (Completion, error) {
	h.wmu.Lock()
	h.mu.Lock()
	if h.closed {
		err := h.fault
		h.mu.Unlock()
		h.wmu.Unlock()
		if err == nil {
			err = srvErrors.NewUnreachableError("device "+h.deviceID, 0, nil)
		}
		return Completion{}, err
	}
	sk := seqKey{t.Endpoint, t.Dir}
	h.seq[sk]++
	seq := h.seq[sk]
	ch := make(chan *transport.Frame, 1)
	pk := pendingKey{t.Endpoint, t.Dir, seq}
	h.pending[pk] = ch
	h.mu.Unlock()

	err := h.sess.Write(&transport.Frame{
		Type:     transport.FrameSubmit,
		Transfer: t.Type,
		Endpoint: t.Endpoint,
		Dir:      t.Dir,
		Seq:      seq,
		Payload:  t.Payload,
	})
	h.wmu.Unlock()
	if err != nil {
		h.dropPending(pk)
		return Completion{}, srvErrors.NewUnreachableError("device "+h.deviceID, 0, err)
	}

	select {
	case f := <-ch:
		return Completion{Status: f.Status, Payload: f.Payload}, nil
	case <-ctx.Done():
		h.dropPending(pk)
		return Completion{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		ferr := h.fault
		h.mu.Unlock()
		if ferr == nil {
			ferr = srvErrors.NewUnreachableError("device "+h.deviceID, 0, nil)
		}
		return Completion{}, ferr
	}
}

func (h *Handle) dropPending(pk pendingKey) {
	h.mu.Lock()
	delete(h.pending, pk)
	h.mu.Unlock()
}

// run dispatches completions to their waiters and turns fault frames into
// the handle's terminal error. It owns the session's read side.
func (h *Handle) run() {
	for {
		f, err := h.sess.Read()
		if err != nil {
			h.close(faultFromSession(h.deviceID, h.sess.Err()))
			return
		}

		switch f.Type {
		case transport.FrameComplete:
			pk := pendingKey{f.Endpoint, f.Dir, f.Seq}
			h.mu.Lock()
			ch, ok := h.pending[pk]
			delete(h.pending, pk)
			h.mu.Unlock()
			if !ok {
				h.log.Debugw("completion for cancelled transfer",
					"endpoint", f.Endpoint, "seq", f.Seq)
				continue
			}
			ch <- f

		case transport.FrameFault:
			h.close(faultFromFrame(h.deviceID, f.Status))
			return
		}
	}
}

// close ends the handle. err nil means a clean local detach; in-flight
// submits are woken either way.
func (h *Handle) close(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.fault = err
	h.pending = make(map[pendingKey]chan *transport.Frame)
	h.mu.Unlock()

	close(h.done)
	h.sess.Close()
	if err != nil {
		h.log.Warnw("handle faulted", "error", err)
	}
}

func faultFromFrame(deviceID string, status uint8) error {
	switch status {
	case transport.FaultDeviceRemoved:
		return srvErrors.NewDeviceRemovedError(deviceID)
	case transport.FaultLeaseRevoked:
		return srvErrors.NewLeaseLostError(deviceID, errors.New("lease revoked by broker"))
	default:
		return srvErrors.NewUnreachableError("device "+deviceID, 0, nil)
	}
}

func faultFromSession(deviceID string, err error) error {
	if err == nil {
		return nil
	}
	return srvErrors.NewUnreachableError("device "+deviceID, 0, err)
}
