// Package vsock implements a virtio-vsock device: guest AF_VSOCK
// streams multiplexed onto host unix sockets through a backend.
package vsock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/embervm/ember/internal/debug"
	"github.com/embervm/ember/internal/devices/virtio"
	"github.com/embervm/ember/internal/epoll"
	"github.com/embervm/ember/internal/hv"
)

const (
	// RX, TX, and event queues, in that order.
	queueCount = 3

	defaultQueueSize = 256

	configSpaceSize = 8
)

// ErrBackendAfterActivation rejects backend changes once the data path
// is live.
var ErrBackendAfterActivation = errors.New("vsock: backend added after activation")

// ErrRemoved rejects operations on a torn-down device.
var ErrRemoved = errors.New("vsock: device removed")

// Device is the virtio-vsock device model. Its config space is the
// guest CID as eight little-endian bytes, read-only to the guest.
//
// Before activation the device holds the muxer so backends can be
// attached; Activate moves the muxer and the queues into the pump,
// after which only Remove touches them again.
type Device struct {
	*virtio.DeviceInfo

	log debug.Debug
	cid uint64

	mu        sync.Mutex
	mux       *muxer
	pump      *pump
	activated bool
	removed   bool
}

var _ virtio.VirtioDevice = (*Device)(nil)

// NewDevice builds a vsock device for the given guest CID. mgr hosts the
// device's event pump once activated.
func NewDevice(mgr *epoll.Manager, cfg Config) (*Device, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configSpace := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint64(configSpace, cfg.CID)

	features := virtio.FeatureVersion1 | virtio.FeatureInOrder
	queueSizes := make([]uint16, queueCount)
	for i := range queueSizes {
		queueSizes[i] = cfg.QueueSizes[i]
	}

	mux, err := newMuxer(cfg.CID, cfg.TxBufWatermark, cfg.MaxConnections)
	if err != nil {
		return nil, err
	}

	d := &Device{
		DeviceInfo: virtio.NewDeviceInfo("virtio-vsock", mgr, features, queueSizes, configSpace),
		log:        debug.WithSource("virtio-vsock"),
		cid:        cfg.CID,
		mux:        mux,
	}
	if cfg.SocketPath != "" {
		backend, err := NewUnixBackend(cfg.SocketPath)
		if err != nil {
			mux.Close()
			return nil, err
		}
		if err := d.AddBackend(backend, true); err != nil {
			backend.Close()
			mux.Close()
			return nil, err
		}
	}
	return d, nil
}

// CID returns the guest context id the device advertises.
func (d *Device) CID() uint64 { return d.cid }

func (d *Device) DeviceType() uint32 { return virtio.TypeVsock }

// WriteConfig drops the write: the CID is read-only from the guest.
func (d *Device) WriteConfig(offset uint64, data []byte) {
	d.log.Writef("guest write of %d bytes at config offset %#x ignored", len(data), offset)
}

// AddBackend attaches a backend. Only allowed before activation so the
// pump never races a listener registration.
func (d *Device) AddBackend(b Backend, isDefault bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return ErrRemoved
	}
	if d.activated {
		return ErrBackendAfterActivation
	}
	return d.mux.AddBackend(b, isDefault)
}

// ResourceRequirements asks for a legacy interrupt line, plus one message
// vector per queue and one for config changes when the platform routes
// interrupts through generic vectors.
func (d *Device) ResourceRequirements(constraints *[]hv.ResourceConstraint, useGenericIrq bool) {
	*constraints = append(*constraints, hv.LegacyIrqConstraint{})
	if useGenericIrq {
		*constraints = append(*constraints, hv.GenericIrqConstraint{Count: queueCount + 1})
	}
}

// Activate validates the driver's rings and starts the pump. Queue
// ownership moves in; a second activation fails without side effects.
func (d *Device) Activate(cfg *virtio.DeviceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return ErrRemoved
	}
	if d.activated {
		return virtio.ErrAlreadyActivated
	}
	// Validate everything before the event handler registration so a
	// bad ring leaves no subscriber behind.
	if err := d.CheckQueueSizes(cfg.Queues); err != nil {
		return err
	}

	p := newPump(cfg.Queues[0], cfg.Queues[1], cfg.Queues[2], d.mux)
	if err := d.RegisterEventHandler(p); err != nil {
		return fmt.Errorf("vsock: register pump: %w", err)
	}
	d.pump = p
	d.mux = nil
	d.activated = true
	return nil
}

// Remove tears the device down. Safe to call more than once.
func (d *Device) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return nil
	}
	d.removed = true

	if _, err := d.RemoveEventHandler(); err != nil {
		d.log.Writef("remove event handler: %v", err)
	}
	if d.pump != nil {
		d.pump.close()
		d.pump = nil
	}
	if d.mux != nil {
		d.mux.Close()
		d.mux = nil
	}
	return nil
}

func (d *Device) AsAny() any { return d }
