package vsock

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the wire size of a virtio-vsock packet header.
const HeaderSize = 44

// MaxPayload bounds a single packet's payload. Larger transfers are
// split across packets.
const MaxPayload = 64 * 1024

// Packet types.
const (
	TypeStream = 1
)

// Packet operations.
const (
	OpInvalid       = 0
	OpRequest       = 1 // connection request
	OpResponse      = 2 // connection accepted
	OpRst           = 3 // reset/reject
	OpShutdown      = 4 // graceful shutdown
	OpRW            = 5 // data transfer
	OpCreditUpdate  = 6 // flow control
	OpCreditRequest = 7 // request credit info
)

// Shutdown flags.
const (
	ShutdownRcv  = 1
	ShutdownSend = 2
)

// Well-known CIDs.
const (
	CIDHypervisor = 0 // reserved
	CIDLocal      = 1 // local loopback
	CIDHost       = 2
)

// Packet is one virtio-vsock packet, header fields plus payload.
// Layout on the wire, all little-endian:
//
//	u64 src_cid
//	u64 dst_cid
//	u32 src_port
//	u32 dst_port
//	u32 len
//	u16 type
//	u16 op
//	u32 flags
//	u32 buf_alloc
//	u32 fwd_cnt
type Packet struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
	Payload  []byte
}

// DecodePacket parses one packet from a descriptor chain's bytes. The
// header's len field bounds the payload; trailing chain bytes beyond it
// are ignored.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("vsock: packet too short: %d < %d", len(data), HeaderSize)
	}
	plen := binary.LittleEndian.Uint32(data[24:28])
	if uint64(HeaderSize)+uint64(plen) > uint64(len(data)) {
		return nil, fmt.Errorf("vsock: payload length %d exceeds chain of %d bytes", plen, len(data))
	}
	p := &Packet{
		SrcCID:   binary.LittleEndian.Uint64(data[0:8]),
		DstCID:   binary.LittleEndian.Uint64(data[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(data[16:20]),
		DstPort:  binary.LittleEndian.Uint32(data[20:24]),
		Type:     binary.LittleEndian.Uint16(data[28:30]),
		Op:       binary.LittleEndian.Uint16(data[30:32]),
		Flags:    binary.LittleEndian.Uint32(data[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(data[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(data[40:44]),
	}
	if plen > 0 {
		p.Payload = data[HeaderSize : HeaderSize+plen]
	}
	return p, nil
}

// Encode serializes the packet, header then payload.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], p.SrcCID)
	binary.LittleEndian.PutUint64(buf[8:16], p.DstCID)
	binary.LittleEndian.PutUint32(buf[16:20], p.SrcPort)
	binary.LittleEndian.PutUint32(buf[20:24], p.DstPort)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[28:30], p.Type)
	binary.LittleEndian.PutUint16(buf[30:32], p.Op)
	binary.LittleEndian.PutUint32(buf[32:36], p.Flags)
	binary.LittleEndian.PutUint32(buf[36:40], p.BufAlloc)
	binary.LittleEndian.PutUint32(buf[40:44], p.FwdCnt)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// WireLen is the packet's total encoded size.
func (p *Packet) WireLen() int { return HeaderSize + len(p.Payload) }

func opString(op uint16) string {
	switch op {
	case OpInvalid:
		return "INVALID"
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	case OpRst:
		return "RST"
	case OpShutdown:
		return "SHUTDOWN"
	case OpRW:
		return "RW"
	case OpCreditUpdate:
		return "CREDIT_UPDATE"
	case OpCreditRequest:
		return "CREDIT_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", op)
	}
}
