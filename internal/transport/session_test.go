package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns two connected sessions over a loopback TCP socket.
func tcpPair(t *testing.T, opts SessionOptions) (*Session, *Session) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}

	client := NewSession(dialed, opts)
	server := NewSession(serverConn, opts)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSessionPreservesSubmissionOrder(t *testing.T) {
	client, server := tcpPair(t, SessionOptions{})

	const n = 50
	go func() {
		for i := 1; i <= n; i++ {
			frame := &Frame{
				Type:     FrameSubmit,
				Transfer: TransferBulk,
				Endpoint: 0x02,
				Dir:      DirOut,
				Seq:      uint64(i),
			}
			if err := client.Write(frame); err != nil {
				return
			}
		}
	}()

	for i := 1; i <= n; i++ {
		f, err := server.Read()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), f.Seq)
	}
}

func TestSessionReadSkipsHeartbeats(t *testing.T) {
	client, server := tcpPair(t, SessionOptions{})

	require.NoError(t, client.Write(&Frame{Type: FrameHeartbeat}))
	require.NoError(t, client.Write(&Frame{Type: FrameHeartbeat}))
	require.NoError(t, client.Write(&Frame{Type: FrameSubmit, Seq: 9}))

	f, err := server.Read()
	require.NoError(t, err)
	assert.Equal(t, FrameSubmit, f.Type)
	assert.Equal(t, uint64(9), f.Seq)
}

func TestSessionHeartbeatKeepsPeersAlive(t *testing.T) {
	opts := SessionOptions{HeartbeatInterval: 20 * time.Millisecond, MissLimit: 3}
	client, server := tcpPair(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.RunHeartbeat(ctx)
	go server.RunHeartbeat(ctx)
	// Both ends keep a read loop running, as the agents do; heartbeats are
	// consumed there and refresh the liveness clock.
	go func() { _, _ = client.Read() }()
	go func() { _, _ = server.Read() }()

	time.Sleep(10 * opts.HeartbeatInterval)
	assert.NoError(t, client.Err())
	assert.NoError(t, server.Err())
}

func TestSessionTearsDownOnMissedHeartbeats(t *testing.T) {
	opts := SessionOptions{HeartbeatInterval: 20 * time.Millisecond, MissLimit: 2}
	client, server := tcpPair(t, opts)
	_ = server // peer stays completely silent

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.RunHeartbeat(ctx)

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("session survived missed heartbeats")
	}
	assert.ErrorIs(t, client.Err(), ErrHeartbeatTimeout)
}

func TestSessionFaultReachesPeer(t *testing.T) {
	client, server := tcpPair(t, SessionOptions{})

	go client.Fault(FaultDeviceRemoved)

	f, err := server.Read()
	require.NoError(t, err)
	assert.Equal(t, FrameFault, f.Type)
	assert.Equal(t, FaultDeviceRemoved, f.Status)

	// The faulting side is closed for further writes.
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("faulting side did not close")
	}
	assert.Error(t, client.Write(&Frame{Type: FrameSubmit}))
}
