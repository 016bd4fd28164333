package vsock

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketEncodeLayout(t *testing.T) {
	p := &Packet{
		SrcCID:   3,
		DstCID:   CIDHost,
		SrcPort:  1024,
		DstPort:  22,
		Type:     TypeStream,
		Op:       OpRW,
		Flags:    0,
		BufAlloc: 65536,
		FwdCnt:   12,
		Payload:  []byte("ping"),
	}
	buf := p.Encode()
	require.Len(t, buf, HeaderSize+4)

	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(buf[0:8]))
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[8:16]))
	require.Equal(t, uint32(1024), binary.LittleEndian.Uint32(buf[16:20]))
	require.Equal(t, uint32(22), binary.LittleEndian.Uint32(buf[20:24]))
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(buf[24:28]))
	require.Equal(t, uint16(TypeStream), binary.LittleEndian.Uint16(buf[28:30]))
	require.Equal(t, uint16(OpRW), binary.LittleEndian.Uint16(buf[30:32]))
	require.Equal(t, uint32(65536), binary.LittleEndian.Uint32(buf[36:40]))
	require.Equal(t, uint32(12), binary.LittleEndian.Uint32(buf[40:44]))
	require.Equal(t, "ping", string(buf[HeaderSize:]))
}

func TestDecodePacket(t *testing.T) {
	orig := &Packet{
		SrcCID:  42,
		DstCID:  CIDHost,
		SrcPort: 5000,
		DstPort: 80,
		Type:    TypeStream,
		Op:      OpRequest,
	}
	p, err := DecodePacket(orig.Encode())
	require.NoError(t, err)
	require.Equal(t, orig, p)
}

func TestDecodePacketShort(t *testing.T) {
	_, err := DecodePacket(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestDecodePacketPayloadBeyondChain(t *testing.T) {
	buf := make([]byte, HeaderSize+2)
	// len field claims more payload than the chain carries.
	binary.LittleEndian.PutUint32(buf[24:28], 100)
	_, err := DecodePacket(buf)
	require.Error(t, err)
}

func TestDecodePacketIgnoresTrailingBytes(t *testing.T) {
	p := &Packet{Op: OpRW, Payload: []byte("ab")}
	buf := append(p.Encode(), 0xDE, 0xAD)
	got, err := DecodePacket(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), got.Payload)
}
