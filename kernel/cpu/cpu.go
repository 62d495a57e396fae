package cpu

import "encoding/binary"

// IDFunc returns information about the CPU and its features. It models the
// CPUID instruction invoked with EAX=leaf and returns the values of EAX, EBX,
// ECX and EDX. Implementations are supplied by the platform layer; tests
// substitute stubs.
type IDFunc func(leaf uint32) (eax, ebx, ecx, edx uint32)

// MissingID is an IDFunc for hardware without CPUID support. It reports no
// features which forces all capability checks to their fallback paths.
func MissingID(_ uint32) (uint32, uint32, uint32, uint32) {
	return 0, 0, 0, 0
}

// FeatureLAPIC is the bit in the EDX feature flags of CPUID leaf 1 that
// indicates the presence of an integrated local APIC.
const FeatureLAPIC = 1 << 9

// HasLocalAPIC returns true if the CPU described by idFn integrates a local
// APIC.
func HasLocalAPIC(idFn IDFunc) bool {
	_, _, _, edx := idFn(1)
	return edx&FeatureLAPIC != 0
}

// TablePointer describes the location and size of a descriptor table in the
// format expected by the LGDT and LIDT instructions. Limit holds the table
// size in bytes minus one and Base the address of its first entry.
type TablePointer struct {
	Limit uint16
	Base  uint64
}

// Encode packs the table pointer into the 10-byte image loaded into the
// GDTR or IDTR register.
func (p TablePointer) Encode() [10]byte {
	var image [10]byte
	binary.LittleEndian.PutUint16(image[0:2], p.Limit)
	binary.LittleEndian.PutUint64(image[2:10], p.Base)
	return image
}

// Control models the privileged instructions used while bringing up a CPU.
// The platform layer provides the real implementation; tests record the
// calls instead.
type Control interface {
	// LoadGDT makes the CPU use the global descriptor table described by
	// ptr and reloads the segment registers.
	LoadGDT(ptr TablePointer)

	// LoadIDT makes the CPU use the interrupt descriptor table described
	// by ptr.
	LoadIDT(ptr TablePointer)

	// EnableInterrupts enables external interrupt delivery.
	EnableInterrupts()

	// Halt stops instruction execution until the next interrupt.
	Halt()
}
