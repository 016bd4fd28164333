// Package virtio implements the transport-independent virtio device model:
// feature negotiation, config-space access, the split virtqueue, and the
// Configured -> Activated -> Removed lifecycle. Concrete devices (vsock)
// live in subpackages; the MMIO register window in mmio.go bridges the
// model onto the trapped-I/O dispatch contract in internal/hv.
package virtio

import (
	"errors"
	"fmt"
)

// Virtio device type identifiers.
const (
	TypeNet     = 1
	TypeBlock   = 2
	TypeConsole = 3
	TypeRng     = 4
	TypeBalloon = 5
	TypeFs      = 9
	TypeVsock   = 19
)

// Transport-independent feature bits.
const (
	// FeatureVersion1 (VIRTIO_F_VERSION_1) indicates compliance with the
	// modern virtio specification.
	FeatureVersion1 = uint64(1) << 32

	// FeatureInOrder (VIRTIO_F_IN_ORDER) indicates the device uses
	// descriptors in the order the driver made them available.
	FeatureInOrder = uint64(1) << 35
)

// Interrupt status bits shared by all transports.
const (
	InterruptVring  = 0x1
	InterruptConfig = 0x2
)

// ErrAlreadyActivated is returned by Activate when the device's working
// set has already been moved into an event handler.
var ErrAlreadyActivated = errors.New("virtio: device already activated")

// ErrBadQueueCount is returned by Activate when the negotiated queue set
// does not match the device's queue geometry.
var ErrBadQueueCount = errors.New("virtio: wrong number of queues")

// QueueSizeError reports a negotiated queue size above the device's
// declared maximum. Activation fails before any event registration.
type QueueSizeError struct {
	Index int
	Size  uint16
	Max   uint16
}

func (e *QueueSizeError) Error() string {
	return fmt.Sprintf("virtio: queue %d size %d exceeds maximum %d", e.Index, e.Size, e.Max)
}
