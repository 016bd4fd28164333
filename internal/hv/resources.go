package hv

// Resource is a single grant handed to a device by the external resource
// allocator: an interrupt line, a vector block, or an I/O window.
type Resource interface {
	isResource()
}

// LegacyIrqResource is a wired (INTx-style) interrupt line.
type LegacyIrqResource struct {
	Irq uint32
}

// GenericIrqResource is a block of message-signaled interrupt vectors.
type GenericIrqResource struct {
	Base  uint32
	Count uint32
}

// MmioRangeResource is a trapped guest-physical memory window.
type MmioRangeResource struct {
	Base IoAddress
	Size IoSize
}

// PioRangeResource is a trapped port I/O window.
type PioRangeResource struct {
	Base PioAddress
	Size PioSize
}

func (LegacyIrqResource) isResource()  {}
func (GenericIrqResource) isResource() {}
func (MmioRangeResource) isResource()  {}
func (PioRangeResource) isResource()   {}

// DeviceResources is the ordered collection of resources assigned to one
// device instance. Devices report it back verbatim; they never invent or
// mutate entries.
type DeviceResources []Resource

// Append adds a resource grant, preserving order.
func (r *DeviceResources) Append(res Resource) {
	*r = append(*r, res)
}

// LegacyIrq returns the first legacy interrupt line, if one was granted.
func (r DeviceResources) LegacyIrq() (uint32, bool) {
	for _, res := range r {
		if irq, ok := res.(LegacyIrqResource); ok {
			return irq.Irq, true
		}
	}
	return 0, false
}

// GenericIrqs returns the first generic vector block, if one was granted.
func (r DeviceResources) GenericIrqs() (base, count uint32, ok bool) {
	for _, res := range r {
		if irq, ok := res.(GenericIrqResource); ok {
			return irq.Base, irq.Count, true
		}
	}
	return 0, 0, false
}

// MmioRanges returns all MMIO windows in grant order.
func (r DeviceResources) MmioRanges() []MmioRangeResource {
	var out []MmioRangeResource
	for _, res := range r {
		if rng, ok := res.(MmioRangeResource); ok {
			out = append(out, rng)
		}
	}
	return out
}

// PioRanges returns all port I/O windows in grant order.
func (r DeviceResources) PioRanges() []PioRangeResource {
	var out []PioRangeResource
	for _, res := range r {
		if rng, ok := res.(PioRangeResource); ok {
			out = append(out, rng)
		}
	}
	return out
}

// ResourceConstraint is a device's request for one resource, consumed by
// the external allocator. The allocator answers with DeviceResources.
type ResourceConstraint interface {
	isConstraint()
}

// LegacyIrqConstraint requests one wired interrupt line. Irq pins the
// request to a specific line when non-zero.
type LegacyIrqConstraint struct {
	Irq uint32
}

// GenericIrqConstraint requests a block of Count generic vectors.
type GenericIrqConstraint struct {
	Count uint32
}

// MmioConstraint requests an MMIO window of Size bytes at Align alignment.
type MmioConstraint struct {
	Size  IoSize
	Align IoSize
}

// PioConstraint requests a port window of Size ports.
type PioConstraint struct {
	Size PioSize
}

func (LegacyIrqConstraint) isConstraint()  {}
func (GenericIrqConstraint) isConstraint() {}
func (MmioConstraint) isConstraint()       {}
func (PioConstraint) isConstraint()        {}
