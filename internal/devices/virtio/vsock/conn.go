package vsock

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/embervm/ember/internal/debug"
)

// DefaultTxBufWatermark bounds the bytes buffered toward a host stream
// that will not drain. A connection that crosses it is reset.
const DefaultTxBufWatermark = 64 * 1024

// creditUpdateThreshold is how many freshly-forwarded bytes accumulate
// before the guest gets an unsolicited credit update.
const creditUpdateThreshold = 4 * 1024

// killTimeout is how long a closing connection may linger before the
// muxer reaps it.
const killTimeout = 1 * time.Second

type connState int

const (
	// connLocalInit: host initiated, REQUEST not yet answered by the guest.
	connLocalInit connState = iota
	// connPeerInit: guest sent REQUEST, our RESPONSE is pending.
	connPeerInit
	connEstablished
	// connLocalClosed: we sent SHUTDOWN, draining until RST or timeout.
	connLocalClosed
	// connPeerClosed: guest shut its side down.
	connPeerClosed
	connKilled
)

// rxIndication marks control packets the connection owes the guest.
type rxIndication uint8

const (
	rxRequest rxIndication = 1 << iota
	rxResponse
	rxRst
	rxShutdown
	rxCreditUpdate
)

type connKey struct {
	localPort uint32 // host side
	peerPort  uint32 // guest side
}

func (k connKey) String() string {
	return fmt.Sprintf("%d<->%d", k.localPort, k.peerPort)
}

// conn is one guest<->host stream connection. All access is serialized
// by the device pump; there is no internal locking.
type conn struct {
	log    debug.Debug
	key    connKey
	stream Stream

	guestCID uint64
	state    connState

	// Credit we advertise to the guest.
	bufAlloc uint32
	// Bytes flushed into the host stream; wraps.
	fwdCnt uint32
	// fwdCnt at the last credit update we sent.
	lastCreditFwdCnt uint32

	// Credit the guest advertised.
	peerBufAlloc uint32
	peerFwdCnt   uint32
	// Bytes delivered to the guest; wraps.
	rxCnt uint32

	// Guest data the host stream would not take yet.
	txBuf             []byte
	txWatermark       int
	pendingCloseWrite bool

	indications rxIndication
	// Set while the stream fd reported readable data we have not yet
	// moved into guest buffers.
	hasUnreadData bool

	// Deadline for half-closed teardown; zero while fully alive.
	expiry time.Time

	// Already queued in the muxer's rx queue.
	inRxq bool
}

// wantsRx reports whether the muxer should watch the stream for
// readable data. Reads pause while already-seen data waits for guest
// buffers or the guest is out of credit.
func (c *conn) wantsRx() bool {
	return c.state == connEstablished && !c.hasUnreadData && c.peerAvailCredit() > 0
}

// wantsTx reports whether the muxer should watch for writability.
func (c *conn) wantsTx() bool {
	return len(c.txBuf) > 0 || c.pendingCloseWrite
}

func newConn(key connKey, guestCID uint64, stream Stream, watermark int) *conn {
	if watermark <= 0 {
		watermark = DefaultTxBufWatermark
	}
	return &conn{
		log:         debug.WithSource(fmt.Sprintf("vsock-conn %s", key)),
		key:         key,
		stream:      stream,
		guestCID:    guestCID,
		bufAlloc:    uint32(watermark),
		txWatermark: watermark,
	}
}

// newPeerInitConn starts a guest-initiated connection: the backend stream
// is already dialed and the guest is owed a RESPONSE.
func newPeerInitConn(key connKey, guestCID uint64, stream Stream, watermark int, peerBufAlloc, peerFwdCnt uint32) *conn {
	c := newConn(key, guestCID, stream, watermark)
	c.state = connPeerInit
	c.peerBufAlloc = peerBufAlloc
	c.peerFwdCnt = peerFwdCnt
	c.indications |= rxResponse
	return c
}

// newLocalInitConn starts a host-initiated connection: the guest is owed
// a REQUEST and no credit is known yet.
func newLocalInitConn(key connKey, guestCID uint64, stream Stream, watermark int) *conn {
	c := newConn(key, guestCID, stream, watermark)
	c.state = connLocalInit
	c.indications |= rxRequest
	return c
}

// peerAvailCredit is how many bytes the guest can still absorb.
func (c *conn) peerAvailCredit() int {
	return int(int64(c.peerBufAlloc) - int64(c.rxCnt-c.peerFwdCnt))
}

func (c *conn) updatePeerCredit(p *Packet) {
	c.peerBufAlloc = p.BufAlloc
	c.peerFwdCnt = p.FwdCnt
}

// hasPendingRx reports whether recvPkt would produce a packet right now.
func (c *conn) hasPendingRx() bool {
	if c.indications != 0 {
		return true
	}
	return c.state == connEstablished && c.hasUnreadData && c.peerAvailCredit() > 0
}

// kill moves the connection to its terminal state and owes the guest a
// RST unless withRst is false (the guest reset us first).
func (c *conn) kill(withRst bool) {
	if c.state == connKilled {
		return
	}
	c.state = connKilled
	c.indications = 0
	if withRst {
		c.indications = rxRst
	}
}

func (c *conn) killed() bool { return c.state == connKilled }

// doneAfterRst reports whether the connection has nothing left but its
// final RST, so delivering it retires the connection.
func (c *conn) doneAfterRst() bool { return c.state == connKilled }

// armExpiry starts the teardown clock once.
func (c *conn) armExpiry(now time.Time) {
	if c.expiry.IsZero() {
		c.expiry = now.Add(killTimeout)
	}
}

func (c *conn) fillHeader(p *Packet) {
	p.SrcCID = CIDHost
	p.DstCID = c.guestCID
	p.SrcPort = c.key.localPort
	p.DstPort = c.key.peerPort
	p.Type = TypeStream
	p.BufAlloc = c.bufAlloc
	p.FwdCnt = c.fwdCnt
	p.Flags = 0
	p.Payload = nil
}

// recvPkt produces the connection's next guest-bound packet. Control
// indications drain first, then stream data up to the guest's credit.
// The bool result is false when nothing is pending.
func (c *conn) recvPkt(p *Packet, maxPayload int) (bool, error) {
	c.fillHeader(p)

	switch {
	case c.indications&rxRst != 0:
		c.indications &^= rxRst
		p.Op = OpRst
		return true, nil
	case c.indications&rxRequest != 0:
		c.indications &^= rxRequest
		p.Op = OpRequest
		return true, nil
	case c.indications&rxResponse != 0:
		c.indications &^= rxResponse
		c.state = connEstablished
		p.Op = OpResponse
		return true, nil
	case c.indications&rxShutdown != 0:
		c.indications &^= rxShutdown
		p.Op = OpShutdown
		p.Flags = ShutdownRcv | ShutdownSend
		return true, nil
	case c.indications&rxCreditUpdate != 0:
		c.indications &^= rxCreditUpdate
		c.lastCreditFwdCnt = c.fwdCnt
		p.Op = OpCreditUpdate
		return true, nil
	}

	if c.state != connEstablished || !c.hasUnreadData {
		return false, nil
	}
	credit := c.peerAvailCredit()
	if credit <= 0 {
		return false, nil
	}
	if maxPayload <= 0 || maxPayload > MaxPayload {
		maxPayload = MaxPayload
	}
	if credit < maxPayload {
		maxPayload = credit
	}

	buf := make([]byte, maxPayload)
	n, err := c.stream.Read(buf)
	switch {
	case err == nil && n == 0:
		// EOF from the host side.
		c.hasUnreadData = false
		c.state = connPeerClosed
		c.armExpiry(time.Now())
		p.Op = OpShutdown
		p.Flags = ShutdownRcv | ShutdownSend
		return true, nil
	case errors.Is(err, unix.EAGAIN):
		c.hasUnreadData = false
		return false, nil
	case err != nil:
		c.log.Writef("stream read: %v", err)
		c.kill(true)
		return c.recvPkt(p, maxPayload)
	}
	if n < len(buf) {
		// Short read means the socket is drained for now.
		c.hasUnreadData = false
	}
	c.rxCnt += uint32(n)
	p.Op = OpRW
	p.Payload = buf[:n]
	return true, nil
}

// sendPkt applies one guest-originated packet.
func (c *conn) sendPkt(p *Packet) error {
	c.updatePeerCredit(p)

	switch p.Op {
	case OpRW:
		if c.state != connEstablished && c.state != connPeerClosed {
			c.log.Writef("RW in state %d, resetting", c.state)
			c.kill(true)
			return nil
		}
		return c.sendBytes(p.Payload)
	case OpResponse:
		if c.state != connLocalInit {
			c.log.Writef("unexpected RESPONSE, resetting")
			c.kill(true)
			return nil
		}
		c.state = connEstablished
		return nil
	case OpShutdown:
		// Both directions down means the guest is done; answer with RST
		// and retire. A half shutdown stops only our sends.
		if p.Flags&ShutdownSend != 0 && p.Flags&ShutdownRcv != 0 {
			c.kill(true)
			c.armExpiry(time.Now())
			return nil
		}
		if p.Flags&ShutdownSend != 0 {
			c.closeStreamWrite()
		}
		return nil
	case OpRst:
		c.kill(false)
		return nil
	case OpCreditUpdate:
		// Credit already folded in above.
		return nil
	case OpCreditRequest:
		c.indications |= rxCreditUpdate
		return nil
	default:
		c.log.Writef("unsupported op %s, resetting", opString(p.Op))
		c.kill(true)
		return nil
	}
}

// sendBytes moves guest payload toward the host stream, buffering what
// the socket will not take. Crossing the watermark resets the connection
// rather than letting a stuck host peer absorb unbounded memory.
func (c *conn) sendBytes(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(c.txBuf) == 0 {
		n, err := c.stream.Write(data)
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			c.log.Writef("stream write: %v", err)
			c.kill(true)
			return nil
		}
		c.advanceFwdCnt(n)
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
	}
	if len(c.txBuf)+len(data) > c.txWatermark {
		c.log.Writef("tx buffer above %d bytes, resetting", c.txWatermark)
		c.kill(true)
		return nil
	}
	c.txBuf = append(c.txBuf, data...)
	return nil
}

// flushTxBuf drains buffered guest data after the stream became
// writable. It reports whether anything is still buffered.
func (c *conn) flushTxBuf() (bool, error) {
	for len(c.txBuf) > 0 {
		n, err := c.stream.Write(c.txBuf)
		c.advanceFwdCnt(n)
		c.txBuf = c.txBuf[n:]
		if errors.Is(err, unix.EAGAIN) {
			return true, nil
		}
		if err != nil {
			c.log.Writef("stream flush: %v", err)
			c.kill(true)
			return false, nil
		}
	}
	if c.pendingCloseWrite {
		c.closeStreamWrite()
	}
	return false, nil
}

func (c *conn) advanceFwdCnt(n int) {
	if n <= 0 {
		return
	}
	c.fwdCnt += uint32(n)
	if c.fwdCnt-c.lastCreditFwdCnt >= creditUpdateThreshold {
		c.indications |= rxCreditUpdate
	}
}

// closeStreamWrite half-closes toward the host once buffered data is out.
func (c *conn) closeStreamWrite() {
	if len(c.txBuf) > 0 {
		c.pendingCloseWrite = true
		return
	}
	c.pendingCloseWrite = false
	if err := c.stream.CloseWrite(); err != nil {
		c.log.Writef("close write: %v", err)
	}
	if c.state == connEstablished {
		c.state = connLocalClosed
	}
	c.armExpiry(time.Now())
}

func (c *conn) close() {
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			c.log.Writef("close: %v", err)
		}
	}
}
