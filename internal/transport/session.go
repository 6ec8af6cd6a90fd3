package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pvl-labs/usbip-broker/internal/metrics"
)

var (
	ErrHeartbeatTimeout = errors.New("session heartbeat timed out")
	ErrSessionClosed    = errors.New("session closed")
)

type SessionOptions struct {
	HeartbeatInterval time.Duration
	MissLimit         int
	WriteTimeout      time.Duration
}

func (o *SessionOptions) normalize() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.MissLimit <= 0 {
		o.MissLimit = 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Session wraps a data-plane connection with frame I/O and liveness
// supervision. Writes are serialized under a single mutex so frames leave
// the socket in submission order; TCP preserves that order end to end.
type Session struct {
	conn net.Conn
	opts SessionOptions
	log  *zap.SugaredLogger

	wmu      sync.Mutex
	lastRecv atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	errVal    atomic.Value
}

func NewSession(conn net.Conn, opts SessionOptions) *Session {
	opts.normalize()
	s := &Session{
		conn: conn,
		opts: opts,
		log:  zap.S().Named("session"),
		done: make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	metrics.SessionsActive.Inc()
	return s
}

// Write sends f on the session. Callers from multiple goroutines may
// interleave frames but each frame is written atomically.
func (s *Session) Write(f *Frame) error {
	select {
	case <-s.done:
		return s.Err()
	default:
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := WriteFrame(s.conn, f); err != nil {
		s.CloseWithError(err)
		return err
	}
	metrics.FramesRelayedTotal.WithLabelValues(directionLabel(f.Dir)).Inc()
	return nil
}

// Read returns the next non-heartbeat frame. Heartbeats only refresh the
// liveness clock and are consumed here.
func (s *Session) Read() (*Frame, error) {
	for {
		limit := s.opts.HeartbeatInterval * time.Duration(s.opts.MissLimit+1)
		if err := s.conn.SetReadDeadline(time.Now().Add(limit)); err != nil {
			return nil, err
		}
		f, err := ReadFrame(s.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				err = ErrHeartbeatTimeout
			}
			s.CloseWithError(err)
			return nil, s.Err()
		}
		s.lastRecv.Store(time.Now().UnixNano())
		if f.Type == FrameHeartbeat {
			continue
		}
		return f, nil
	}
}

// RunHeartbeat emits heartbeat frames every interval and tears the session
// down after MissLimit intervals without any inbound traffic. It returns
// when the session or the context ends.
func (s *Session) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	deadline := s.opts.HeartbeatInterval * time.Duration(s.opts.MissLimit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastRecv.Load()))
			if idle > deadline {
				s.log.Warnw("peer missed heartbeats, closing session", "idle", idle)
				s.CloseWithError(ErrHeartbeatTimeout)
				return
			}
			if err := s.Write(&Frame{Type: FrameHeartbeat}); err != nil {
				return
			}
		}
	}
}

// Fault sends a terminal fault frame and closes the session.
func (s *Session) Fault(reason uint8) {
	_ = s.Write(&Frame{Type: FrameFault, Status: reason})
	s.CloseWithError(ErrSessionClosed)
}

func (s *Session) CloseWithError(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.errVal.Store(err)
		}
		close(s.done)
		_ = s.conn.Close()
		metrics.SessionsActive.Dec()
	})
}

func (s *Session) Close() { s.CloseWithError(ErrSessionClosed) }

// Done is closed once the session ends for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, nil while it is still live.
func (s *Session) Err() error {
	if v := s.errVal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func directionLabel(d Direction) string {
	if d == DirIn {
		return "in"
	}
	return "out"
}
