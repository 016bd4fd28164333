package virtio

import "sync/atomic"

// InterruptNotifier injects a device interrupt into the guest. The MMIO
// transport supplies one per queue plus one for config changes; tests
// substitute counting fakes.
type InterruptNotifier interface {
	Notify() error
}

// NoopNotifier discards notifications. Queues start with one until the
// transport wires the real interrupt path.
type NoopNotifier struct{}

func (NoopNotifier) Notify() error { return nil }

// InterruptStatusRegister is the guest-visible interrupt cause bitset,
// shared between the transport's register window and the notifiers.
type InterruptStatusRegister struct {
	bits atomic.Uint32
}

// Set ORs cause bits into the register and reports whether any were new.
func (r *InterruptStatusRegister) Set(bits uint32) bool {
	old := r.bits.Or(bits)
	return old&bits != bits
}

// Load returns the current cause bits.
func (r *InterruptStatusRegister) Load() uint32 {
	return r.bits.Load()
}

// Clear removes cause bits, typically on an interrupt-ack write.
func (r *InterruptStatusRegister) Clear(bits uint32) {
	r.bits.And(^bits)
}

// statusNotifier sets a cause bit and pulses the device's interrupt line.
type statusNotifier struct {
	status *InterruptStatusRegister
	bit    uint32
	pulse  func() error
}

// NewStatusNotifier builds an InterruptNotifier that records cause in
// status and forwards to pulse (the platform IRQ injection hook).
func NewStatusNotifier(status *InterruptStatusRegister, bit uint32, pulse func() error) InterruptNotifier {
	return &statusNotifier{status: status, bit: bit, pulse: pulse}
}

func (n *statusNotifier) Notify() error {
	n.status.Set(n.bit)
	if n.pulse == nil {
		return nil
	}
	return n.pulse()
}
