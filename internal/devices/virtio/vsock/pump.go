package vsock

import (
	"github.com/embervm/ember/internal/debug"
	"github.com/embervm/ember/internal/devices/virtio"
	"github.com/embervm/ember/internal/epoll"
)

// Event cookies for the pump's registrations.
const (
	slotRxQueue = iota
	slotTxQueue
	slotEventQueue
	slotMuxer
)

// pump services the device after activation: guest doorbells on one
// side, the muxer's nested epoll on the other. It owns the queues and
// the muxer outright; nothing else touches them once it starts.
type pump struct {
	log debug.Debug

	rxq *virtio.QueueConfig
	txq *virtio.QueueConfig
	evq *virtio.QueueConfig

	muxer *muxer
}

var _ epoll.Subscriber = (*pump)(nil)

func newPump(rxq, txq, evq *virtio.QueueConfig, mux *muxer) *pump {
	return &pump{
		log:   debug.WithSource("vsock-pump"),
		rxq:   rxq,
		txq:   txq,
		evq:   evq,
		muxer: mux,
	}
}

func (p *pump) Init(ops *epoll.EventOps) {
	register := func(fd int, slot uint32) {
		if err := ops.Add(fd, slot, epoll.EventIn); err != nil {
			p.log.Writef("register slot %d: %v", slot, err)
		}
	}
	register(p.rxq.DoorbellFd(), slotRxQueue)
	register(p.txq.DoorbellFd(), slotTxQueue)
	register(p.evq.DoorbellFd(), slotEventQueue)
	register(p.muxer.Fd(), slotMuxer)
}

func (p *pump) Process(ev epoll.Event, ops *epoll.EventOps) {
	switch ev.Data {
	case slotRxQueue:
		if err := p.rxq.ConsumeEvent(); err != nil {
			p.log.Writef("rx doorbell: %v", err)
		}
		p.processRx()
	case slotTxQueue:
		if err := p.txq.ConsumeEvent(); err != nil {
			p.log.Writef("tx doorbell: %v", err)
		}
		p.processTx()
		// TX work frees credit and can unblock queued RX.
		p.processRx()
	case slotEventQueue:
		if err := p.evq.ConsumeEvent(); err != nil {
			p.log.Writef("event doorbell: %v", err)
		}
		// The event queue only matters across device reset, which the
		// transport handles; nothing to deliver here.
	case slotMuxer:
		p.muxer.ProcessEvents()
		p.processTx()
		p.processRx()
	default:
		p.log.Writef("event for unknown slot %d", ev.Data)
	}
}

// processTx drains guest packets from the TX ring into the muxer.
func (p *pump) processTx() {
	q := p.txq.Queue
	used := false
	for {
		head, ok, err := q.Pop()
		if err != nil {
			p.log.Writef("tx ring: %v", err)
			return
		}
		if !ok {
			break
		}
		data, err := q.ReadChain(head)
		if err != nil {
			p.log.Writef("tx chain %d: %v", head, err)
		} else if pkt, perr := DecodePacket(data); perr != nil {
			p.log.Writef("tx packet: %v", perr)
		} else if serr := p.muxer.SendPkt(pkt); serr != nil {
			p.log.Writef("mux send: %v", serr)
		}
		if err := q.PushUsed(head, 0); err != nil {
			p.log.Writef("tx used: %v", err)
			return
		}
		used = true
	}
	if used {
		if err := p.txq.NotifyGuest(); err != nil {
			p.log.Writef("tx interrupt: %v", err)
		}
	}
}

// processRx moves pending muxer packets into guest RX buffers. When the
// ring runs out of buffers the remainder stays queued in the muxer and
// the next RX doorbell resumes delivery.
func (p *pump) processRx() {
	q := p.rxq.Queue
	used := false
	for p.muxer.HasPendingRx() {
		head, ok, err := q.Peek()
		if err != nil {
			p.log.Writef("rx ring: %v", err)
			break
		}
		if !ok {
			break
		}
		capacity, err := q.WritableCapacity(head)
		if err != nil {
			p.log.Writef("rx chain %d: %v", head, err)
			break
		}
		if capacity < HeaderSize {
			p.log.Writef("rx buffer of %d bytes too small for a header", capacity)
			q.Advance()
			if err := q.PushUsed(head, 0); err != nil {
				p.log.Writef("rx used: %v", err)
				break
			}
			used = true
			continue
		}

		var pkt Packet
		got, err := p.muxer.RecvPkt(&pkt, int(capacity)-HeaderSize)
		if err != nil {
			p.log.Writef("mux recv: %v", err)
			break
		}
		if !got {
			break
		}
		if _, err := q.FillChain(head, pkt.Encode()); err != nil {
			p.log.Writef("rx fill: %v", err)
			break
		}
		q.Advance()
		if err := q.PushUsed(head, uint32(pkt.WireLen())); err != nil {
			p.log.Writef("rx used: %v", err)
			break
		}
		used = true
	}
	if used {
		if err := p.rxq.NotifyGuest(); err != nil {
			p.log.Writef("rx interrupt: %v", err)
		}
	}
}

// close releases everything the pump owns.
func (p *pump) close() {
	p.muxer.Close()
	p.rxq.Close()
	p.txq.Close()
	p.evq.Close()
}
