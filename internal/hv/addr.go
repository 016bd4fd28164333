package hv

import "fmt"

// IoAddress is a guest-visible memory-mapped I/O address.
type IoAddress uint64

// IoSize is the length of a memory-mapped I/O window.
type IoSize uint64

// PioAddress is a port I/O address. Port I/O lives in a separate 16-bit
// address space on x86.
type PioAddress uint16

// PioSize is the length of a port I/O window.
type PioSize uint16

const maxPioValue = 0xFFFF

// PioAddressFromIo narrows an MMIO address into the port address space.
// Values above 16 bits do not narrow; the error reports the original
// address unchanged so the caller can decide what to do with it.
func PioAddressFromIo(addr IoAddress) (PioAddress, error) {
	if addr > maxPioValue {
		return 0, &NarrowingError{Value: uint64(addr), Kind: "address"}
	}
	return PioAddress(addr), nil
}

// PioSizeFromIo narrows an MMIO window length into a port window length.
func PioSizeFromIo(size IoSize) (PioSize, error) {
	if size > maxPioValue {
		return 0, &NarrowingError{Value: uint64(size), Kind: "size"}
	}
	return PioSize(size), nil
}

// IoAddressFromPio widens a port address. Widening is total.
func IoAddressFromPio(addr PioAddress) IoAddress {
	return IoAddress(addr)
}

// IoSizeFromPio widens a port window length. Widening is total.
func IoSizeFromPio(size PioSize) IoSize {
	return IoSize(size)
}

// NarrowingError reports a failed conversion into the 16-bit port I/O
// space. Value holds the original 64-bit value unchanged.
type NarrowingError struct {
	Value uint64
	Kind  string
}

func (e *NarrowingError) Error() string {
	return fmt.Sprintf("pio %s out of range: %#x", e.Kind, e.Value)
}
