package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/embervm/ember/internal/debug"
	"github.com/embervm/ember/internal/hv"
)

// virtio-mmio v2 register layout.
const (
	mmioMagicValue        = 0x000
	mmioVersion           = 0x004
	mmioDeviceID          = 0x008
	mmioVendorID          = 0x00c
	mmioDeviceFeatures    = 0x010
	mmioDeviceFeaturesSel = 0x014
	mmioDriverFeatures    = 0x020
	mmioDriverFeaturesSel = 0x024
	mmioQueueSel          = 0x030
	mmioQueueNumMax       = 0x034
	mmioQueueNum          = 0x038
	mmioQueueReady        = 0x044
	mmioQueueNotify       = 0x050
	mmioInterruptStatus   = 0x060
	mmioInterruptAck      = 0x064
	mmioStatus            = 0x070
	mmioQueueDescLow      = 0x080
	mmioQueueDescHigh     = 0x084
	mmioQueueAvailLow     = 0x090
	mmioQueueAvailHigh    = 0x094
	mmioQueueUsedLow      = 0x0a0
	mmioQueueUsedHigh     = 0x0a4
	mmioConfigGeneration  = 0x0fc
	mmioConfig            = 0x100

	mmioMagic    = 0x74726976
	mmioVersion2 = 2
	mmioVendor   = 0x656d6272

	// Device status bits (virtio 1.x).
	statusFeaturesOK = 0x08
	statusDriverOK   = 0x04
	statusFailed     = 0x80
)

// MmioRegionSize is the span of one virtio-mmio device window.
const MmioRegionSize = 0x200

// IrqLine asserts or deasserts a guest interrupt line.
type IrqLine interface {
	SetLevel(high bool) error
}

// IrqLineFunc adapts a function to IrqLine.
type IrqLineFunc func(high bool) error

func (f IrqLineFunc) SetLevel(high bool) error { return f(high) }

// MmioTransport exposes a VirtioDevice through a virtio-mmio v2 register
// window. It implements hv.MutDeviceIo; the VMM registers it for the MMIO
// range and legacy IRQ it was assigned.
//
// The transport owns the device's queues until the driver writes
// DRIVER_OK, at which point ownership moves into the device's Activate
// and the transport keeps only the doorbells it must ring on notify.
// A transport is not safe for unsynchronized shared use; wrap it with
// hv.NewLockedDeviceIo when vcpus can race on its registers.
type MmioTransport struct {
	hv.DeviceIoBase

	log    debug.Debug
	mem    hv.GuestMemory
	device VirtioDevice

	assigned hv.DeviceResources
	base     hv.IoAddress
	irq      IrqLine
	irqHigh  bool

	intrStatus InterruptStatusRegister

	deviceFeatureSel uint32
	driverFeatureSel uint32
	deviceStatus     uint32
	configGeneration uint32
	queueSel         uint32

	queues    []*QueueConfig
	doorbells []*QueueConfig
	activated bool
}

var _ hv.MutDeviceIo = (*MmioTransport)(nil)

// NewMmioTransport builds the register window for device over its
// assigned resources. resources must carry exactly one MMIO range and a
// legacy IRQ; irq drives that line.
func NewMmioTransport(mem hv.GuestMemory, device VirtioDevice, resources hv.DeviceResources, irq IrqLine) (*MmioTransport, error) {
	ranges := resources.MmioRanges()
	if len(ranges) != 1 {
		return nil, fmt.Errorf("virtio: mmio transport needs one MMIO range, got %d", len(ranges))
	}
	maxSizes := device.QueueMaxSizes()
	if len(maxSizes) == 0 {
		return nil, fmt.Errorf("virtio: device exposes no queues")
	}

	t := &MmioTransport{
		log:      debug.WithSource("virtio-mmio"),
		mem:      mem,
		device:   device,
		assigned: resources,
		base:     ranges[0].Base,
		irq:      irq,
	}
	for i, max := range maxSizes {
		qc, err := NewQueueConfig(mem, uint16(i), max)
		if err != nil {
			for _, prev := range t.queues {
				prev.Close()
			}
			return nil, err
		}
		t.queues = append(t.queues, qc)
	}
	return t, nil
}

// Device returns the transport's device.
func (t *MmioTransport) Device() VirtioDevice { return t.device }

// InterruptStatus returns the live interrupt status register, for tests
// and for MSI-capable transports layered on top.
func (t *MmioTransport) InterruptStatus() *InterruptStatusRegister { return &t.intrStatus }

func (t *MmioTransport) AssignedResources() hv.DeviceResources { return t.assigned }

// TrappedIoResources reports only the register window; the IRQ is wired
// out of band.
func (t *MmioTransport) TrappedIoResources() hv.DeviceResources {
	var out hv.DeviceResources
	for _, r := range t.assigned.MmioRanges() {
		out.Append(r)
	}
	return out
}

func (t *MmioTransport) AsAny() any { return t }

func (t *MmioTransport) Read(base hv.IoAddress, offset hv.IoAddress, data []byte) {
	if uint64(offset) >= mmioConfig {
		t.device.ReadConfig(uint64(offset)-mmioConfig, data)
		return
	}
	if !registerWidthOK(len(data)) {
		t.log.Writef("read of %d bytes at %#x ignored", len(data), offset)
		return
	}
	storeLittleEndian(data, t.readRegister(uint64(offset)))
}

func (t *MmioTransport) Write(base hv.IoAddress, offset hv.IoAddress, data []byte) {
	if uint64(offset) >= mmioConfig {
		t.device.WriteConfig(uint64(offset)-mmioConfig, data)
		return
	}
	if !registerWidthOK(len(data)) {
		t.log.Writef("write of %d bytes at %#x ignored", len(data), offset)
		return
	}
	t.writeRegister(uint64(offset), littleEndianValue(data))
}

func registerWidthOK(n int) bool {
	return n == 1 || n == 2 || n == 4 || n == 8
}

func (t *MmioTransport) readRegister(offset uint64) uint32 {
	switch offset {
	case mmioMagicValue:
		return mmioMagic
	case mmioVersion:
		return mmioVersion2
	case mmioDeviceID:
		return t.device.DeviceType()
	case mmioVendorID:
		return mmioVendor
	case mmioDeviceFeatures:
		return t.device.AvailFeatures(t.deviceFeatureSel)
	case mmioDeviceFeaturesSel:
		return t.deviceFeatureSel
	case mmioDriverFeaturesSel:
		return t.driverFeatureSel
	case mmioQueueSel:
		return t.queueSel
	case mmioQueueNumMax:
		if q := t.currentQueue(); q != nil {
			return uint32(q.Queue.MaxSize())
		}
		return 0
	case mmioQueueNum:
		if q := t.currentQueue(); q != nil {
			return uint32(q.Queue.Size())
		}
		return 0
	case mmioQueueReady:
		if q := t.currentQueue(); q != nil && q.Queue.Ready() {
			return 1
		}
		return 0
	case mmioInterruptStatus:
		return t.intrStatus.Load()
	case mmioStatus:
		return t.deviceStatus
	case mmioConfigGeneration:
		return t.configGeneration
	default:
		t.log.Writef("read of unhandled register %#x", offset)
		return 0
	}
}

func (t *MmioTransport) writeRegister(offset uint64, value uint32) {
	switch offset {
	case mmioDeviceFeaturesSel:
		t.deviceFeatureSel = value
	case mmioDriverFeaturesSel:
		t.driverFeatureSel = value
	case mmioDriverFeatures:
		t.device.AckFeatures(t.driverFeatureSel, value)
	case mmioQueueSel:
		t.queueSel = value
	case mmioQueueNum:
		if q := t.currentQueue(); q != nil {
			q.Queue.SetSize(uint16(value))
		}
	case mmioQueueReady:
		if q := t.currentQueue(); q != nil {
			q.Queue.SetReady(value&0x1 != 0)
		}
	case mmioQueueDescLow:
		t.updateQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return low32(desc, value), avail, used
		})
	case mmioQueueDescHigh:
		t.updateQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return high32(desc, value), avail, used
		})
	case mmioQueueAvailLow:
		t.updateQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, low32(avail, value), used
		})
	case mmioQueueAvailHigh:
		t.updateQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, high32(avail, value), used
		})
	case mmioQueueUsedLow:
		t.updateQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, avail, low32(used, value)
		})
	case mmioQueueUsedHigh:
		t.updateQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, avail, high32(used, value)
		})
	case mmioQueueNotify:
		t.notifyQueue(value)
	case mmioInterruptAck:
		t.intrStatus.Clear(value)
		t.updateIrqLine()
	case mmioStatus:
		t.writeStatus(value)
	default:
		t.log.Writef("write %#x to unhandled register %#x", value, offset)
	}
}

func (t *MmioTransport) currentQueue() *QueueConfig {
	idx := int(t.queueSel)
	if idx < 0 || idx >= len(t.queues) {
		return nil
	}
	return t.queues[idx]
}

func (t *MmioTransport) updateQueueAddr(f func(desc, avail, used uint64) (uint64, uint64, uint64)) {
	qc := t.currentQueue()
	if qc == nil {
		return
	}
	q := qc.Queue
	q.SetAddresses(f(q.descAddr, q.availAddr, q.usedAddr))
}

func low32(v uint64, value uint32) uint64 {
	return (v &^ 0xffffffff) | uint64(value)
}

func high32(v uint64, value uint32) uint64 {
	return (v &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
}

func (t *MmioTransport) notifyQueue(index uint32) {
	if !t.activated {
		t.log.Writef("queue notify %d before DRIVER_OK ignored", index)
		return
	}
	if int(index) >= len(t.doorbells) {
		t.log.Writef("queue notify %d out of range", index)
		return
	}
	if err := t.doorbells[index].Signal(); err != nil {
		t.log.Writef("queue %d doorbell: %v", index, err)
	}
}

func (t *MmioTransport) writeStatus(value uint32) {
	if value == 0 {
		t.reset()
		return
	}
	prev := t.deviceStatus
	t.deviceStatus = value
	if value&statusDriverOK != 0 && prev&statusDriverOK == 0 {
		if err := t.activate(); err != nil {
			t.log.Writef("activate: %v", err)
			t.deviceStatus |= statusFailed
		}
	}
}

// activate moves queue ownership into the device. The transport keeps
// the doorbell handles so later QUEUE_NOTIFY writes still reach the
// device's pump, but the queues themselves are gone from t.queues and a
// second DRIVER_OK cannot hand them out again.
func (t *MmioTransport) activate() error {
	if t.activated {
		return ErrAlreadyActivated
	}

	queues := t.queues
	t.queues = nil
	t.doorbells = queues
	notify := NewStatusNotifier(&t.intrStatus, InterruptVring, t.pulseIrq)
	for _, qc := range queues {
		qc.SetInterruptNotifier(notify)
	}

	cfg := &DeviceConfig{
		Mem:       t.mem,
		Resources: t.assigned,
		Queues:    queues,
	}
	if err := t.device.Activate(cfg); err != nil {
		// The device rejected the queues; take them back so a driver
		// reset can renegotiate.
		t.queues = queues
		t.doorbells = nil
		return err
	}
	t.activated = true
	return nil
}

func (t *MmioTransport) pulseIrq() error {
	return t.updateIrqLine()
}

func (t *MmioTransport) updateIrqLine() error {
	if t.irq == nil {
		return nil
	}
	high := t.intrStatus.Load() != 0
	if high == t.irqHigh {
		return nil
	}
	t.irqHigh = high
	if err := t.irq.SetLevel(high); err != nil {
		t.log.Writef("irq line: %v", err)
		return err
	}
	return nil
}

func (t *MmioTransport) reset() {
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.deviceStatus = 0
	t.queueSel = 0
	t.intrStatus.Clear(^uint32(0))
	t.updateIrqLine()
	t.configGeneration++
	for _, qc := range t.queues {
		qc.Queue.Reset()
	}
	// Queues already handed to an activated device stay with it; a full
	// device teardown goes through Remove, not a status reset.
}

func littleEndianValue(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		return binary.LittleEndian.Uint32(buf)
	case 8:
		return uint32(binary.LittleEndian.Uint64(buf))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", len(buf)))
	}
}

func storeLittleEndian(buf []byte, value uint32) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", len(buf)))
	}
}
