package vsock

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pairBackend hands out socketpair halves so tests hold the host end of
// every connection the muxer dials.
type pairBackend struct {
	hostEnds map[uint32]int
	dialErr  error
}

func newPairBackend() *pairBackend {
	return &pairBackend{hostEnds: make(map[uint32]int)}
}

func (b *pairBackend) Fd() int { return -1 }

func (b *pairBackend) Accept() (Stream, error) { return nil, unix.EAGAIN }

func (b *pairBackend) Connect(port uint32) (Stream, error) {
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	b.hostEnds[port] = fds[1]
	return NewFdStream(fds[0]), nil
}

func (b *pairBackend) Close() error {
	for _, fd := range b.hostEnds {
		unix.Close(fd)
	}
	b.hostEnds = nil
	return nil
}

func newTestMuxer(t *testing.T) (*muxer, *pairBackend) {
	t.Helper()
	m, err := newMuxer(testCID, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	backend := newPairBackend()
	require.NoError(t, m.AddBackend(backend, true))
	return m, backend
}

func guestRequest(srcPort, dstPort uint32) *Packet {
	return &Packet{
		SrcCID:   testCID,
		DstCID:   CIDHost,
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Type:     TypeStream,
		Op:       OpRequest,
		BufAlloc: 65536,
	}
}

func recvOne(t *testing.T, m *muxer) *Packet {
	t.Helper()
	var p Packet
	ok, err := m.RecvPkt(&p, MaxPayload)
	require.NoError(t, err)
	require.True(t, ok, "expected a pending packet")
	return &p
}

func TestMuxerGuestConnect(t *testing.T) {
	m, backend := newTestMuxer(t)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	p := recvOne(t, m)
	require.Equal(t, uint16(OpResponse), p.Op)
	require.Equal(t, uint32(1234), p.SrcPort)
	require.Equal(t, uint32(5000), p.DstPort)
	require.Contains(t, backend.hostEnds, uint32(1234))

	// Guest data lands on the host end of the pair.
	require.NoError(t, m.SendPkt(&Packet{
		SrcPort: 5000, DstPort: 1234, Type: TypeStream, Op: OpRW,
		BufAlloc: 65536, Payload: []byte("knock"),
	}))
	buf := make([]byte, 16)
	n, err := unix.Read(backend.hostEnds[1234], buf)
	require.NoError(t, err)
	require.Equal(t, "knock", string(buf[:n]))
}

func TestMuxerHostDataFlowsToGuest(t *testing.T) {
	m, backend := newTestMuxer(t)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)

	_, err := unix.Write(backend.hostEnds[1234], []byte("hello guest"))
	require.NoError(t, err)
	m.ProcessEvents()

	p := recvOne(t, m)
	require.Equal(t, uint16(OpRW), p.Op)
	require.Equal(t, "hello guest", string(p.Payload))
}

func TestMuxerDialFailureRst(t *testing.T) {
	m, backend := newTestMuxer(t)
	backend.dialErr = unix.ECONNREFUSED

	require.NoError(t, m.SendPkt(guestRequest(5000, 404)))
	p := recvOne(t, m)
	require.Equal(t, uint16(OpRst), p.Op)
	require.Equal(t, uint32(404), p.SrcPort)
	require.Equal(t, uint32(5000), p.DstPort)
}

func TestMuxerUnknownConnectionRst(t *testing.T) {
	m, _ := newTestMuxer(t)

	require.NoError(t, m.SendPkt(&Packet{
		SrcPort: 9, DstPort: 10, Type: TypeStream, Op: OpRW, Payload: []byte("x"),
	}))
	p := recvOne(t, m)
	require.Equal(t, uint16(OpRst), p.Op)

	// A stray RST produces nothing.
	require.NoError(t, m.SendPkt(&Packet{SrcPort: 9, DstPort: 10, Type: TypeStream, Op: OpRst}))
	var q Packet
	ok, err := m.RecvPkt(&q, MaxPayload)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMuxerGuestCloseRetiresConnection(t *testing.T) {
	m, _ := newTestMuxer(t)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)
	require.Len(t, m.conns, 1)

	require.NoError(t, m.SendPkt(&Packet{
		SrcPort: 5000, DstPort: 1234, Type: TypeStream, Op: OpShutdown,
		Flags: ShutdownRcv | ShutdownSend, BufAlloc: 65536,
	}))
	p := recvOne(t, m)
	require.Equal(t, uint16(OpRst), p.Op)
	require.Empty(t, m.conns, "connection must retire after its final RST")
}

func TestMuxerGuestRstRemovesConnection(t *testing.T) {
	m, _ := newTestMuxer(t)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)
	require.Len(t, m.conns, 1)

	require.NoError(t, m.SendPkt(&Packet{
		SrcPort: 5000, DstPort: 1234, Type: TypeStream, Op: OpRst, BufAlloc: 65536,
	}))
	require.Empty(t, m.conns, "a guest reset must drop the connection at once")

	var p Packet
	ok, err := m.RecvPkt(&p, MaxPayload)
	require.NoError(t, err)
	require.False(t, ok, "a guest reset is not answered")
}

func TestMuxerReconnectAfterGuestRst(t *testing.T) {
	m, err := newMuxer(testCID, 0, 1)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.AddBackend(newPairBackend(), true))

	// With a limit of one, the port pair is only reusable if the reset
	// actually released its slot.
	for round := 0; round < 3; round++ {
		require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
		require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)
		require.NoError(t, m.SendPkt(&Packet{
			SrcPort: 5000, DstPort: 1234, Type: TypeStream, Op: OpRst,
		}))
		require.Empty(t, m.conns)
	}
}

func TestMuxerDuplicateRequestResets(t *testing.T) {
	m, _ := newTestMuxer(t)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	require.Equal(t, uint16(OpRst), recvOne(t, m).Op)
}

func TestMuxerConnectionLimit(t *testing.T) {
	m, err := newMuxer(testCID, 0, 2)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.AddBackend(newPairBackend(), true))

	for i := uint32(0); i < 2; i++ {
		require.NoError(t, m.SendPkt(guestRequest(5000+i, 1234)))
		require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)
	}
	require.NoError(t, m.SendPkt(guestRequest(5002, 1234)))
	require.Equal(t, uint16(OpRst), recvOne(t, m).Op)
}

func TestMuxerKillqReapsExpiredConnections(t *testing.T) {
	m, _ := newTestMuxer(t)

	require.NoError(t, m.SendPkt(guestRequest(5000, 1234)))
	require.Equal(t, uint16(OpResponse), recvOne(t, m).Op)

	// Half shutdown arms the teardown clock but keeps the conn alive.
	require.NoError(t, m.SendPkt(&Packet{
		SrcPort: 5000, DstPort: 1234, Type: TypeStream, Op: OpShutdown,
		Flags: ShutdownSend, BufAlloc: 65536,
	}))
	require.Len(t, m.conns, 1)

	c := m.conns[connKey{localPort: 1234, peerPort: 5000}]
	require.NotNil(t, c)
	c.expiry = time.Now().Add(-time.Second)
	m.killq[0].expiry = c.expiry

	m.sweepKillq()
	require.Equal(t, uint16(OpRst), recvOne(t, m).Op)
	require.Empty(t, m.conns)
}

func TestMuxerHostInitiatedHandshake(t *testing.T) {
	m, _ := newTestMuxer(t)

	path := filepath.Join(t.TempDir(), "vsock.sock")
	uds, err := NewUnixBackend(path)
	require.NoError(t, err)
	require.NoError(t, m.AddBackend(uds, false))

	// Host side dials the listener and asks for guest port 1234.
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: path}))
	_, err = unix.Write(fd, []byte("CONNECT 1234\n"))
	require.NoError(t, err)

	// First pass accepts, second reads the handshake line.
	deadline := time.Now().Add(2 * time.Second)
	for !m.HasPendingRx() && time.Now().Before(deadline) {
		m.ProcessEvents()
		time.Sleep(time.Millisecond)
	}

	p := recvOne(t, m)
	require.Equal(t, uint16(OpRequest), p.Op)
	require.Equal(t, uint32(1234), p.DstPort)
	require.GreaterOrEqual(t, p.SrcPort, uint32(localPortBase))
}

func TestMuxerBadHandshakeDropsStream(t *testing.T) {
	m, _ := newTestMuxer(t)

	path := filepath.Join(t.TempDir(), "vsock.sock")
	uds, err := NewUnixBackend(path)
	require.NoError(t, err)
	require.NoError(t, m.AddBackend(uds, false))

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Connect(fd, &unix.SockaddrUnix{Name: path}))
	_, err = unix.Write(fd, []byte("GET / HTTP/1.0\n"))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		m.ProcessEvents()
		time.Sleep(time.Millisecond)
	}
	require.False(t, m.HasPendingRx())
	require.Empty(t, m.conns)
	require.Len(t, m.listeners, 1, "only the backend listener remains")
}

func TestReadConnectLine(t *testing.T) {
	for _, tc := range []struct {
		in   string
		port uint32
		ok   bool
	}{
		{"CONNECT 1234\n", 1234, true},
		{"CONNECT 0\n", 0, true},
		{"CONNECT 1234\r\n", 1234, true},
		{"CONNECT nope\n", 0, false},
		{"CONNECT 99999999999\n", 0, false},
		{"HELLO 1\n", 0, false},
		{"CONNECT 1", 0, false},
	} {
		s := newFakeStream()
		s.readBuf.WriteString(tc.in)
		port, err := readConnectLine(s)
		if tc.ok {
			require.NoError(t, err, "input %q", tc.in)
			require.Equal(t, tc.port, port)
		} else {
			require.Error(t, err, fmt.Sprintf("input %q", tc.in))
		}
	}
}
