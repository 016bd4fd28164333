package virtio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/embervm/ember/internal/hv"
)

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1
)

// Descriptor is one entry of a split-ring descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWrite reports whether the buffer is device-writable.
func (d Descriptor) IsWrite() bool { return d.Flags&descFWrite != 0 }

// HasNext reports whether the chain continues.
func (d Descriptor) HasNext() bool { return d.Flags&descFNext != 0 }

// VirtQueue is a split virtqueue over guest memory. It tracks the device
// side of the ring: the next available index to consume and the used index
// to produce. It is not self-synchronizing; the owning pump serializes
// access.
type VirtQueue struct {
	mem hv.GuestMemory

	maxSize uint16
	size    uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewVirtQueue creates a queue with the given maximum size over mem.
func NewVirtQueue(mem hv.GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{mem: mem, maxSize: maxSize}
}

// MaxSize returns the largest ring size the device supports.
func (q *VirtQueue) MaxSize() uint16 { return q.maxSize }

// Size returns the ring size the driver negotiated.
func (q *VirtQueue) Size() uint16 { return q.size }

// Ready reports whether the driver marked the queue ready.
func (q *VirtQueue) Ready() bool { return q.ready }

// SetSize records the driver's ring size. Zero or above-maximum sizes are
// recorded as-is; activation re-validates against the device's declared
// maxima and is the point where a mismatch becomes a hard error.
func (q *VirtQueue) SetSize(size uint16) {
	q.size = size
}

// SetReady flips the queue's ready state; clearing it resets the ring.
func (q *VirtQueue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.ready = true
}

// SetAddresses configures the ring's guest-physical addresses.
func (q *VirtQueue) SetAddresses(desc, avail, used uint64) {
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
}

// Reset returns the queue to its post-construction state.
func (q *VirtQueue) Reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func (q *VirtQueue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: queue has no guest memory")
	}
	return nil
}

// Peek returns the next available descriptor head without consuming it,
// so a failed delivery leaves the ring position untouched.
func (q *VirtQueue) Peek() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	availIdx, err := q.readUint16(q.availAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	slot := q.availAddr + 4 + uint64(q.lastAvailIdx%q.size)*2
	head, err = q.readUint16(slot)
	if err != nil {
		return 0, false, err
	}
	if head >= q.size {
		return 0, false, fmt.Errorf("virtio: available head %d out of bounds (size %d)", head, q.size)
	}
	return head, true, nil
}

// Advance consumes the descriptor returned by the last successful Peek.
func (q *VirtQueue) Advance() {
	q.lastAvailIdx++
}

// Pop returns and consumes the next available descriptor head.
func (q *VirtQueue) Pop() (head uint16, ok bool, err error) {
	head, ok, err = q.Peek()
	if ok {
		q.Advance()
	}
	return head, ok, err
}

// ReadDescriptor loads one descriptor-table entry.
func (q *VirtQueue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.size)
	}
	var buf [16]byte
	if err := q.readInto(q.descAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// ReadChain concatenates the device-readable buffers of the chain rooted
// at head. Chain walks are bounded by the ring size so a cyclic chain from
// a hostile driver cannot spin the device.
func (q *VirtQueue) ReadChain(head uint16) ([]byte, error) {
	var data []byte
	idx := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := q.ReadDescriptor(idx)
		if err != nil {
			return data, err
		}
		if desc.IsWrite() {
			return data, fmt.Errorf("virtio: writable descriptor in device-readable chain")
		}
		if desc.Length > 0 {
			chunk := make([]byte, desc.Length)
			if err := q.readInto(desc.Addr, chunk); err != nil {
				return data, err
			}
			data = append(data, chunk...)
		}
		if !desc.HasNext() {
			break
		}
		idx = desc.Next
	}
	return data, nil
}

// WritableCapacity returns the total device-writable bytes in the chain
// rooted at head.
func (q *VirtQueue) WritableCapacity(head uint16) (uint32, error) {
	var total uint64
	idx := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := q.ReadDescriptor(idx)
		if err != nil {
			return 0, err
		}
		if desc.IsWrite() {
			total += uint64(desc.Length)
		}
		if !desc.HasNext() {
			break
		}
		idx = desc.Next
	}
	if total > math.MaxUint32 {
		total = math.MaxUint32
	}
	return uint32(total), nil
}

// FillChain copies data into the device-writable buffers of the chain
// rooted at head and returns the number of bytes written.
func (q *VirtQueue) FillChain(head uint16, data []byte) (uint32, error) {
	var written uint32
	idx := head
	for i := uint16(0); i < q.size && int(written) < len(data); i++ {
		desc, err := q.ReadDescriptor(idx)
		if err != nil {
			return written, err
		}
		if desc.IsWrite() && desc.Length > 0 {
			chunk := data[written:]
			if uint32(len(chunk)) > desc.Length {
				chunk = chunk[:desc.Length]
			}
			if err := q.writeFrom(desc.Addr, chunk); err != nil {
				return written, err
			}
			written += uint32(len(chunk))
		}
		if !desc.HasNext() {
			break
		}
		idx = desc.Next
	}
	if int(written) < len(data) {
		return written, fmt.Errorf("virtio: chain too small: wrote %d of %d bytes", written, len(data))
	}
	return written, nil
}

// PushUsed publishes a consumed chain to the used ring.
func (q *VirtQueue) PushUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	slot := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeFrom(slot, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.writeFrom(q.usedAddr+2, idx[:])
}

// InterruptsSuppressed reports whether the driver asked the device not to
// raise used-buffer interrupts (VIRTQ_AVAIL_F_NO_INTERRUPT).
func (q *VirtQueue) InterruptsSuppressed() bool {
	flags, err := q.readUint16(q.availAddr)
	if err != nil {
		return false
	}
	return flags&availFNoInterrupt != 0
}

func (q *VirtQueue) readInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if addr > math.MaxInt64 || addr+uint64(len(buf)) > math.MaxInt64 {
		return fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest read at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if addr > math.MaxInt64 || addr+uint64(len(data)) > math.MaxInt64 {
		return fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest write at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) readUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
