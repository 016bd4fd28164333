package vsock

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/embervm/ember/internal/debug"
)

// DefaultMaxConnections caps the live connections one device will carry.
const DefaultMaxConnections = 1024

// Host-initiated connections get local ports from the ephemeral range so
// they never collide with well-known service ports.
const localPortBase = 1 << 30

type listenerKind int

const (
	listenerConn listenerKind = iota
	listenerBackend
	listenerLocalStream
)

// listener is what one fd registered on the muxer's epoll stands for.
type listener struct {
	kind    listenerKind
	key     connKey // listenerConn
	backend Backend // listenerBackend
	stream  Stream  // listenerLocalStream, handshake not yet read
}

// muxerRx is one entry of the guest-bound queue: either a connection
// with something pending or a standalone reset for a dead key.
type muxerRx struct {
	isRst bool
	key   connKey
}

type killEntry struct {
	key    connKey
	expiry time.Time
}

// muxer multiplexes all host streams of one vsock device onto the
// guest's RX queue and routes guest TX packets back out. It owns a
// nested epoll fd; the device's pump registers that fd upstream and
// calls ProcessEvents when it fires. All methods run on the pump
// goroutine.
type muxer struct {
	log debug.Debug
	cid uint64

	epfd      int
	watermark int
	maxConns  int

	conns     map[connKey]*conn
	listeners map[int]listener

	backends       []Backend
	defaultBackend Backend

	rxq   []muxerRx
	killq []killEntry

	localPorts    map[uint32]struct{}
	localPortLast uint32
}

func newMuxer(cid uint64, watermark, maxConns int) (*muxer, error) {
	if watermark <= 0 {
		watermark = DefaultTxBufWatermark
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("vsock: epoll_create1: %w", err)
	}
	return &muxer{
		log:           debug.WithSource("vsock-muxer"),
		cid:           cid,
		epfd:          epfd,
		watermark:     watermark,
		maxConns:      maxConns,
		conns:         make(map[connKey]*conn),
		listeners:     make(map[int]listener),
		localPorts:    make(map[uint32]struct{}),
		localPortLast: localPortBase,
	}, nil
}

// Fd is the nested epoll descriptor the pump watches.
func (m *muxer) Fd() int { return m.epfd }

// AddBackend registers a backend's listener. The first backend added, or
// the one added with isDefault, serves guest-initiated connections.
func (m *muxer) AddBackend(b Backend, isDefault bool) error {
	if fd := b.Fd(); fd >= 0 {
		if _, dup := m.listeners[fd]; dup {
			return fmt.Errorf("vsock: backend fd %d already registered", fd)
		}
		if err := m.epollAdd(fd, unix.EPOLLIN); err != nil {
			return err
		}
		m.listeners[fd] = listener{kind: listenerBackend, backend: b}
	}
	m.backends = append(m.backends, b)
	if isDefault || m.defaultBackend == nil {
		m.defaultBackend = b
	}
	return nil
}

func (m *muxer) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("vsock: epoll add fd %d: %w", fd, err)
	}
	return nil
}

func (m *muxer) epollMod(fd int, events uint32) {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		m.log.Writef("epoll mod fd %d: %v", fd, err)
	}
}

func (m *muxer) epollDel(fd int) {
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		m.log.Writef("epoll del fd %d: %v", fd, err)
	}
}

// ProcessEvents drains the nested epoll without blocking and services
// whatever fired.
func (m *muxer) ProcessEvents() {
	var events [32]unix.EpollEvent
	for {
		n, err := unix.EpollWait(m.epfd, events[:], 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			m.log.Writef("epoll wait: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			m.handleEvent(int(events[i].Fd), events[i].Events)
		}
		if n < len(events) {
			break
		}
	}
	m.sweepKillq()
}

func (m *muxer) handleEvent(fd int, events uint32) {
	l, ok := m.listeners[fd]
	if !ok {
		// Stale event for an fd removed earlier this pass.
		return
	}
	switch l.kind {
	case listenerBackend:
		m.acceptAll(l.backend)
	case listenerLocalStream:
		m.handleHandshake(fd, l.stream)
	case listenerConn:
		m.handleConnEvent(l.key, events)
	}
}

// acceptAll takes every pending host connection off a backend listener.
// Each accepted stream waits on a "CONNECT <port>\n" handshake line
// before it gets a connection.
func (m *muxer) acceptAll(b Backend) {
	for {
		stream, err := b.Accept()
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				m.log.Writef("accept: %v", err)
			}
			return
		}
		fd := stream.Fd()
		if err := m.epollAdd(fd, unix.EPOLLIN); err != nil {
			m.log.Writef("register local stream: %v", err)
			stream.Close()
			continue
		}
		m.listeners[fd] = listener{kind: listenerLocalStream, stream: stream}
	}
}

// handleHandshake reads the destination-port line off a freshly accepted
// host stream and turns it into a host-initiated connection.
func (m *muxer) handleHandshake(fd int, stream Stream) {
	port, err := readConnectLine(stream)
	if err != nil {
		m.log.Writef("handshake: %v", err)
		m.epollDel(fd)
		delete(m.listeners, fd)
		stream.Close()
		return
	}
	m.epollDel(fd)
	delete(m.listeners, fd)

	localPort, ok := m.allocateLocalPort()
	if !ok || len(m.conns) >= m.maxConns {
		m.log.Writef("connection limit reached, dropping local stream")
		stream.Close()
		if ok {
			m.freeLocalPort(localPort)
		}
		return
	}
	key := connKey{localPort: localPort, peerPort: port}
	c := newLocalInitConn(key, m.cid, stream, m.watermark)
	if err := m.addConn(key, c); err != nil {
		m.log.Writef("add connection %s: %v", key, err)
		m.freeLocalPort(localPort)
		stream.Close()
		return
	}
	m.pushRx(c)
}

// readConnectLine parses the "CONNECT <port>\n" handshake. The line
// arrives in one small read on any reasonable peer; a peer that cannot
// manage that gets dropped rather than buffered across events.
func readConnectLine(stream Stream) (uint32, error) {
	var buf [32]byte
	n, err := stream.Read(buf[:])
	if err != nil {
		return 0, fmt.Errorf("read handshake: %w", err)
	}
	line := buf[:n]
	nl := bytes.IndexByte(line, '\n')
	if nl < 0 {
		return 0, fmt.Errorf("handshake missing newline: %q", line)
	}
	line = bytes.TrimSuffix(line[:nl], []byte("\r"))
	rest, ok := bytes.CutPrefix(line, []byte("CONNECT "))
	if !ok {
		return 0, fmt.Errorf("bad handshake: %q", line)
	}
	port, err := strconv.ParseUint(string(rest), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad handshake port %q: %w", rest, err)
	}
	return uint32(port), nil
}

func (m *muxer) handleConnEvent(key connKey, events uint32) {
	c, ok := m.conns[key]
	if !ok {
		return
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 && events&unix.EPOLLIN == 0 {
		c.kill(true)
		m.pushRx(c)
		m.syncConn(c)
		return
	}
	if events&unix.EPOLLIN != 0 {
		c.hasUnreadData = true
		m.pushRx(c)
	}
	if events&unix.EPOLLOUT != 0 {
		if _, err := c.flushTxBuf(); err != nil {
			m.log.Writef("flush %s: %v", key, err)
		}
		if c.hasPendingRx() {
			m.pushRx(c)
		}
	}
	m.syncConn(c)
}

// syncConn refreshes the epoll interest of a live connection and
// deregisters one that died before its final packets drain.
func (m *muxer) syncConn(c *conn) {
	fd := c.stream.Fd()
	if c.killed() {
		if _, reg := m.listeners[fd]; reg {
			m.epollDel(fd)
			delete(m.listeners, fd)
		}
		return
	}
	var ev uint32
	if c.wantsRx() {
		ev |= unix.EPOLLIN
	}
	if c.wantsTx() {
		ev |= unix.EPOLLOUT
	}
	m.epollMod(fd, ev)
}

func (m *muxer) addConn(key connKey, c *conn) error {
	if err := m.epollAdd(c.stream.Fd(), unix.EPOLLIN); err != nil {
		return err
	}
	m.listeners[c.stream.Fd()] = listener{kind: listenerConn, key: key}
	m.conns[key] = c
	return nil
}

func (m *muxer) removeConn(key connKey) {
	c, ok := m.conns[key]
	if !ok {
		return
	}
	fd := c.stream.Fd()
	if _, reg := m.listeners[fd]; reg {
		m.epollDel(fd)
		delete(m.listeners, fd)
	}
	delete(m.conns, key)
	m.freeLocalPort(key.localPort)
	c.close()
}

func (m *muxer) allocateLocalPort() (uint32, bool) {
	for i := 0; i < 1<<16; i++ {
		m.localPortLast++
		if m.localPortLast < localPortBase {
			m.localPortLast = localPortBase + 1
		}
		if _, used := m.localPorts[m.localPortLast]; !used {
			m.localPorts[m.localPortLast] = struct{}{}
			return m.localPortLast, true
		}
	}
	return 0, false
}

func (m *muxer) freeLocalPort(port uint32) {
	delete(m.localPorts, port)
}

// pushRx queues a connection for RX service, once.
func (m *muxer) pushRx(c *conn) {
	if c.inRxq {
		return
	}
	c.inRxq = true
	m.rxq = append(m.rxq, muxerRx{key: c.key})
}

// pushRst queues a bare reset for a key with no connection behind it.
func (m *muxer) pushRst(key connKey) {
	m.rxq = append(m.rxq, muxerRx{isRst: true, key: key})
}

// sweepKillq resets connections whose teardown deadline passed without
// the guest finishing the close.
func (m *muxer) sweepKillq() {
	now := time.Now()
	for len(m.killq) > 0 && !m.killq[0].expiry.After(now) {
		e := m.killq[0]
		m.killq = m.killq[1:]
		c, ok := m.conns[e.key]
		if !ok || c.expiry.IsZero() || c.expiry.After(now) {
			continue
		}
		if !c.killed() {
			c.kill(true)
			m.pushRx(c)
			m.syncConn(c)
		}
	}
}

// SendPkt routes one guest TX packet.
func (m *muxer) SendPkt(p *Packet) error {
	if p.Type != TypeStream {
		m.log.Writef("non-stream packet type %d", p.Type)
		m.pushRst(connKey{localPort: p.DstPort, peerPort: p.SrcPort})
		return nil
	}
	key := connKey{localPort: p.DstPort, peerPort: p.SrcPort}
	c, ok := m.conns[key]
	if !ok {
		switch p.Op {
		case OpRequest:
			m.handleConnRequest(key, p)
		case OpRst:
			// Reset for a connection already gone; nothing to do.
		default:
			m.log.Writef("%s for unknown connection %s", opString(p.Op), key)
			m.pushRst(key)
		}
		return nil
	}

	if p.Op == OpRequest {
		// Duplicate request on a live key.
		c.kill(true)
		m.pushRx(c)
		m.syncConn(c)
		return nil
	}
	if p.Op == OpRst {
		// Guest reset; the connection dies on the spot and its key
		// frees up for reuse. No reply is owed.
		m.removeConn(key)
		return nil
	}
	if err := c.sendPkt(p); err != nil {
		return err
	}
	if c.killed() && !c.expiry.IsZero() {
		// Guest finished the close; no RST owed means retire now.
		if c.indications == 0 {
			m.removeConn(key)
			return nil
		}
	}
	if c.hasPendingRx() {
		m.pushRx(c)
	}
	if !c.expiry.IsZero() {
		m.ensureReaped(c)
	}
	m.syncConn(c)
	return nil
}

// ensureReaped makes sure a closing connection sits on the kill queue.
func (m *muxer) ensureReaped(c *conn) {
	for _, e := range m.killq {
		if e.key == c.key {
			return
		}
	}
	m.killq = append(m.killq, killEntry{key: c.key, expiry: c.expiry})
}

// handleConnRequest dials the backend for a guest-initiated connection.
func (m *muxer) handleConnRequest(key connKey, p *Packet) {
	if m.defaultBackend == nil {
		m.log.Writef("no backend for connection to port %d", p.DstPort)
		m.pushRst(key)
		return
	}
	if len(m.conns) >= m.maxConns {
		m.log.Writef("connection limit reached, rejecting port %d", p.DstPort)
		m.pushRst(key)
		return
	}
	stream, err := m.defaultBackend.Connect(p.DstPort)
	if err != nil {
		m.log.Writef("backend connect port %d: %v", p.DstPort, err)
		m.pushRst(key)
		return
	}
	c := newPeerInitConn(key, m.cid, stream, m.watermark, p.BufAlloc, p.FwdCnt)
	if err := m.addConn(key, c); err != nil {
		m.log.Writef("add connection %s: %v", key, err)
		stream.Close()
		m.pushRst(key)
		return
	}
	m.pushRx(c)
}

// RecvPkt produces the next guest-bound packet. It returns false when
// nothing is pending.
func (m *muxer) RecvPkt(p *Packet, maxPayload int) (bool, error) {
	m.sweepKillq()
	for len(m.rxq) > 0 {
		entry := m.rxq[0]
		m.rxq = m.rxq[1:]

		if entry.isRst {
			p.SrcCID = CIDHost
			p.DstCID = m.cid
			p.SrcPort = entry.key.localPort
			p.DstPort = entry.key.peerPort
			p.Type = TypeStream
			p.Op = OpRst
			p.Flags = 0
			p.BufAlloc = 0
			p.FwdCnt = 0
			p.Payload = nil
			return true, nil
		}

		c, ok := m.conns[entry.key]
		if !ok {
			continue
		}
		c.inRxq = false
		ok, err := c.recvPkt(p, maxPayload)
		if err != nil {
			return false, err
		}
		if !ok {
			m.syncConn(c)
			continue
		}
		if p.Op == OpRst && c.doneAfterRst() {
			m.removeConn(entry.key)
			return true, nil
		}
		if c.hasPendingRx() {
			m.pushRx(c)
		}
		m.syncConn(c)
		return true, nil
	}
	return false, nil
}

// HasPendingRx reports whether RecvPkt has anything to deliver.
func (m *muxer) HasPendingRx() bool { return len(m.rxq) > 0 }

// Close tears down every connection, listener, and the nested epoll fd.
func (m *muxer) Close() error {
	for key := range m.conns {
		m.removeConn(key)
	}
	for fd, l := range m.listeners {
		if l.kind == listenerLocalStream {
			l.stream.Close()
		}
		delete(m.listeners, fd)
	}
	for _, b := range m.backends {
		if err := b.Close(); err != nil {
			m.log.Writef("backend close: %v", err)
		}
	}
	m.backends = nil
	m.defaultBackend = nil
	if m.epfd >= 0 {
		unix.Close(m.epfd)
		m.epfd = -1
	}
	return nil
}
