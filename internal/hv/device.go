package hv

import (
	"io"
	"sync"
)

// DeviceIo is the contract between the device manager's trap dispatcher and
// one emulated device. Any vCPU thread may fault into any of these methods
// at any time, so implementations must synchronize internally; the
// dispatcher hands out shared references only.
//
// Dispatch has no in-band error channel back to the guest: a malformed
// access is ignored (write) or zero-filled (read) and diagnosed through
// logging. Implementations must never panic on guest-controlled input.
type DeviceIo interface {
	// Read handles a trapped MMIO read at base+offset, filling data.
	Read(base IoAddress, offset IoAddress, data []byte)

	// Write handles a trapped MMIO write at base+offset.
	Write(base IoAddress, offset IoAddress, data []byte)

	// PioRead handles a trapped port read at base+offset, filling data.
	PioRead(base PioAddress, offset PioAddress, data []byte)

	// PioWrite handles a trapped port write at base+offset.
	PioWrite(base PioAddress, offset PioAddress, data []byte)

	// AssignedResources returns exactly what the allocator granted.
	AssignedResources() DeviceResources

	// TrappedIoResources returns the subset of assigned resources whose
	// accesses should be routed to this device. Most devices trap on
	// everything they were granted.
	TrappedIoResources() DeviceResources

	// AsAny exposes the concrete device so an owning manager can recover
	// it for out-of-band configuration.
	AsAny() any
}

// DeviceIoBase provides no-op defaults for DeviceIo so a device that only
// serves one address space need not stub the other. Embed it by value.
type DeviceIoBase struct{}

func (DeviceIoBase) Read(base IoAddress, offset IoAddress, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func (DeviceIoBase) Write(base IoAddress, offset IoAddress, data []byte) {}

func (DeviceIoBase) PioRead(base PioAddress, offset PioAddress, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func (DeviceIoBase) PioWrite(base PioAddress, offset PioAddress, data []byte) {}

func (DeviceIoBase) AssignedResources() DeviceResources { return nil }

func (DeviceIoBase) TrappedIoResources() DeviceResources { return nil }

// MutDeviceIo is the exclusive-access shape of DeviceIo: a device written
// as if it were single-threaded. Wrap it with NewLockedDeviceIo before
// handing it to the dispatcher.
type MutDeviceIo interface {
	Read(base IoAddress, offset IoAddress, data []byte)
	Write(base IoAddress, offset IoAddress, data []byte)
	PioRead(base PioAddress, offset PioAddress, data []byte)
	PioWrite(base PioAddress, offset PioAddress, data []byte)
	AssignedResources() DeviceResources
	TrappedIoResources() DeviceResources
	AsAny() any
}

// lockedDeviceIo serializes every dispatch call into a MutDeviceIo behind
// one mutex. Correct, but the whole device runs under a single lock;
// devices that want RX/TX parallelism implement DeviceIo directly.
type lockedDeviceIo struct {
	mu  sync.Mutex
	dev MutDeviceIo
}

// NewLockedDeviceIo adapts a single-threaded device to the shared-reference
// dispatch contract.
func NewLockedDeviceIo(dev MutDeviceIo) DeviceIo {
	return &lockedDeviceIo{dev: dev}
}

func (l *lockedDeviceIo) Read(base IoAddress, offset IoAddress, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dev.Read(base, offset, data)
}

func (l *lockedDeviceIo) Write(base IoAddress, offset IoAddress, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dev.Write(base, offset, data)
}

func (l *lockedDeviceIo) PioRead(base PioAddress, offset PioAddress, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dev.PioRead(base, offset, data)
}

func (l *lockedDeviceIo) PioWrite(base PioAddress, offset PioAddress, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dev.PioWrite(base, offset, data)
}

func (l *lockedDeviceIo) AssignedResources() DeviceResources {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.AssignedResources()
}

func (l *lockedDeviceIo) TrappedIoResources() DeviceResources {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.TrappedIoResources()
}

func (l *lockedDeviceIo) AsAny() any {
	return l.dev.AsAny()
}

// GuestMemory provides access to guest physical memory. The VMM's memory
// object satisfies this with its mmap-backed view.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}
