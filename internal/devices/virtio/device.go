package virtio

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/embervm/ember/internal/debug"
	"github.com/embervm/ember/internal/epoll"
	"github.com/embervm/ember/internal/hv"
)

// QueueConfig pairs a virtqueue with the doorbell eventfd the transport
// signals on guest notification and the notifier used to interrupt the
// guest after the queue is serviced.
type QueueConfig struct {
	Queue    *VirtQueue
	Index    uint16
	doorbell eventfd.Eventfd
	notifier InterruptNotifier
}

// NewQueueConfig creates a queue plus its doorbell eventfd.
func NewQueueConfig(mem hv.GuestMemory, index uint16, maxSize uint16) (*QueueConfig, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("virtio: queue %d doorbell: %w", index, err)
	}
	return &QueueConfig{
		Queue:    NewVirtQueue(mem, maxSize),
		Index:    index,
		doorbell: ev,
		notifier: NoopNotifier{},
	}, nil
}

// DoorbellFd returns the doorbell's file descriptor for epoll registration.
func (qc *QueueConfig) DoorbellFd() int { return qc.doorbell.FD() }

// Signal rings the doorbell. The transport calls this on queue notify.
func (qc *QueueConfig) Signal() error { return qc.doorbell.Notify() }

// ConsumeEvent drains the doorbell after epoll reported it readable.
func (qc *QueueConfig) ConsumeEvent() error {
	_, err := qc.doorbell.Read()
	return err
}

// SetInterruptNotifier installs the guest-facing interrupt path.
func (qc *QueueConfig) SetInterruptNotifier(n InterruptNotifier) {
	if n == nil {
		n = NoopNotifier{}
	}
	qc.notifier = n
}

// NotifyGuest raises a used-buffer interrupt unless the driver suppressed
// them on this queue.
func (qc *QueueConfig) NotifyGuest() error {
	if qc.Queue.InterruptsSuppressed() {
		return nil
	}
	return qc.notifier.Notify()
}

// Close releases the doorbell.
func (qc *QueueConfig) Close() error { return qc.doorbell.Close() }

// DeviceConfig is everything a device receives at activation. Ownership
// of the queues moves to the device; the transport keeps no references.
type DeviceConfig struct {
	Mem       hv.GuestMemory
	Resources hv.DeviceResources
	Queues    []*QueueConfig
}

// VirtioDevice is the behavior a virtio transport multiplexes. Feature
// negotiation is paged: page 0 carries feature bits 31:0 and page 1 bits
// 63:32, matching the transport's 32-bit feature-select registers.
type VirtioDevice interface {
	// DeviceType returns the virtio device type id.
	DeviceType() uint32

	// QueueMaxSizes returns the per-queue maximum ring sizes, in queue
	// order. Its length is the device's queue count.
	QueueMaxSizes() []uint16

	// AvailFeatures returns the device feature page offered to the driver.
	AvailFeatures(page uint32) uint32

	// AckFeatures records a driver-acknowledged feature page. Bits the
	// device never offered are discarded.
	AckFeatures(page uint32, value uint32)

	// ReadConfig copies from device config space into data. Reads beyond
	// the config blob are truncated.
	ReadConfig(offset uint64, data []byte)

	// WriteConfig copies data into device config space at offset. Writes
	// beyond the blob, or to read-only devices, are dropped.
	WriteConfig(offset uint64, data []byte)

	// ResourceRequirements appends the device's resource constraints.
	// useGenericIrq asks for message-signaled vectors on top of the
	// legacy line when the platform routes interrupts that way.
	ResourceRequirements(constraints *[]hv.ResourceConstraint, useGenericIrq bool)

	// Activate hands the device its queues and starts it. A second call
	// returns ErrAlreadyActivated.
	Activate(cfg *DeviceConfig) error

	// Remove tears the device down. It is idempotent.
	Remove() error

	// AsAny returns the concrete device for downcasts.
	AsAny() any
}

// DeviceInfo carries the state common to virtio devices: feature
// negotiation, config space, and epoll handler registration. Devices embed
// it and forward the shared parts of the VirtioDevice contract to it.
type DeviceInfo struct {
	log debug.Debug

	driverName    string
	availFeatures uint64
	ackedFeatures uint64
	queueSizes    []uint16
	config        []byte

	mgr       *epoll.Manager
	handlerID epoll.SubscriberID
	handlerOK bool
}

// NewDeviceInfo builds the shared device state. queueSizes holds the
// per-queue maximum ring sizes; config is the device config blob.
func NewDeviceInfo(driverName string, mgr *epoll.Manager, availFeatures uint64, queueSizes []uint16, config []byte) *DeviceInfo {
	return &DeviceInfo{
		log:           debug.WithSource(driverName),
		driverName:    driverName,
		availFeatures: availFeatures,
		queueSizes:    queueSizes,
		config:        config,
		mgr:           mgr,
	}
}

// DriverName returns the name the device registered under.
func (di *DeviceInfo) DriverName() string { return di.driverName }

// QueueMaxSizes returns the per-queue maximum ring sizes.
func (di *DeviceInfo) QueueMaxSizes() []uint16 { return di.queueSizes }

// AvailFeatures returns one 32-bit page of the offered feature set.
func (di *DeviceInfo) AvailFeatures(page uint32) uint32 {
	switch page {
	case 0:
		return uint32(di.availFeatures)
	case 1:
		return uint32(di.availFeatures >> 32)
	default:
		return 0
	}
}

// AckFeatures folds a driver-acknowledged page into the negotiated set,
// masking out bits the device never offered.
func (di *DeviceInfo) AckFeatures(page uint32, value uint32) {
	var v, mask uint64
	switch page {
	case 0:
		v = uint64(value)
		mask = 0xFFFFFFFF
	case 1:
		v = uint64(value) << 32
		mask = 0xFFFFFFFF << 32
	default:
		di.log.Writef("ack features: unknown page %d", page)
		return
	}
	unrequested := v & ^di.availFeatures
	if unrequested != 0 {
		di.log.Writef("driver acked unoffered feature bits %#x", unrequested)
	}
	di.ackedFeatures = (di.ackedFeatures &^ mask) | (v & di.availFeatures)
}

// AckedFeatures returns the negotiated 64-bit feature set.
func (di *DeviceInfo) AckedFeatures() uint64 { return di.ackedFeatures }

// ReadConfig copies from the config blob. Bytes past the end of the blob
// read as zero, never as whatever the dispatch buffer held before.
func (di *DeviceInfo) ReadConfig(offset uint64, data []byte) {
	var n int
	if offset < uint64(len(di.config)) {
		n = copy(data, di.config[offset:])
	} else {
		di.log.Writef("config read at %#x beyond blob of %d bytes", offset, len(di.config))
	}
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

// WriteConfig copies into the config blob, truncating writes that run past
// the end.
func (di *DeviceInfo) WriteConfig(offset uint64, data []byte) {
	if offset >= uint64(len(di.config)) {
		di.log.Writef("config write at %#x beyond blob of %d bytes", offset, len(di.config))
		return
	}
	copy(di.config[offset:], data)
}

// CheckQueueSizes validates the driver-programmed queues against the
// device's declared maxima. Activation calls this before any handler
// registration so a bad ring never leaves a subscriber behind.
func (di *DeviceInfo) CheckQueueSizes(queues []*QueueConfig) error {
	if len(queues) != len(di.queueSizes) {
		return fmt.Errorf("%w: got %d queues, want %d", ErrBadQueueCount, len(queues), len(di.queueSizes))
	}
	for i, qc := range queues {
		size := qc.Queue.Size()
		if size == 0 || size > di.queueSizes[i] {
			return &QueueSizeError{Index: i, Size: size, Max: di.queueSizes[i]}
		}
	}
	return nil
}

// RegisterEventHandler places the device's pump on the epoll manager.
func (di *DeviceInfo) RegisterEventHandler(sub epoll.Subscriber) error {
	if di.mgr == nil {
		return fmt.Errorf("virtio: %s has no epoll manager", di.driverName)
	}
	di.handlerID = di.mgr.AddSubscriber(sub)
	di.handlerOK = true
	return nil
}

// RemoveEventHandler detaches the pump, if one was registered.
func (di *DeviceInfo) RemoveEventHandler() (epoll.Subscriber, error) {
	if !di.handlerOK {
		return nil, nil
	}
	di.handlerOK = false
	return di.mgr.RemoveSubscriber(di.handlerID)
}
