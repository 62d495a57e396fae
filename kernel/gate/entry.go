package gate

import (
	"encoding/binary"
	"unsafe"

	"metalos/kernel/gdt"
)

// HandlerFn processes one interrupt using the register snapshot captured at
// entry.
type HandlerFn func(*Registers)

// funcPC returns the entry address of the code backing fn. The address is
// what gets recorded in the gate so the hardware can vector to the handler.
func funcPC(fn HandlerFn) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// GateType selects the hardware behavior of a dispatch table entry.
type GateType uint8

const (
	// GateInterrupt masks interrupt delivery while the handler runs.
	GateInterrupt = GateType(0xe)

	// GateTrap leaves interrupt delivery enabled while the handler runs.
	GateTrap = GateType(0xf)
)

// Entry describes one interrupt gate. Encode produces the packed form the
// hardware consumes.
type Entry struct {
	// Handler is the address the CPU jumps to when the vector fires.
	Handler uintptr

	// Selector is the code segment the handler runs in.
	Selector gdt.Selector

	// IST picks a stack from the interrupt stack table; zero keeps the
	// current stack.
	IST uint8

	// Type selects interrupt or trap gate behavior.
	Type GateType

	// DPL is the privilege level required to raise the vector from
	// software.
	DPL uint8

	// Present marks the gate as usable.
	Present bool
}

// EncodedEntry is the packed 16-byte gate format.
type EncodedEntry [16]byte

// Encode packs the gate attributes into the hardware layout.
func (e Entry) Encode() EncodedEntry {
	var enc EncodedEntry

	binary.LittleEndian.PutUint16(enc[0:2], uint16(e.Handler))
	binary.LittleEndian.PutUint16(enc[2:4], uint16(e.Selector))
	enc[4] = e.IST & 0x7

	typeAttr := uint8(e.Type)&0xf | (e.DPL&0x3)<<5
	if e.Present {
		typeAttr |= 1 << 7
	}
	enc[5] = typeAttr

	binary.LittleEndian.PutUint16(enc[6:8], uint16(e.Handler>>16))
	binary.LittleEndian.PutUint32(enc[8:12], uint32(e.Handler>>32))

	return enc
}

// Handler returns the address recorded in the gate.
func (e EncodedEntry) Handler() uintptr {
	return uintptr(binary.LittleEndian.Uint16(e[0:2])) |
		uintptr(binary.LittleEndian.Uint16(e[6:8]))<<16 |
		uintptr(binary.LittleEndian.Uint32(e[8:12]))<<32
}

// Selector returns the code segment selector of the gate.
func (e EncodedEntry) Selector() gdt.Selector {
	return gdt.Selector(binary.LittleEndian.Uint16(e[2:4]))
}

// IST returns the interrupt stack table slot of the gate.
func (e EncodedEntry) IST() uint8 {
	return e[4] & 0x7
}

// TypeAttr returns the raw type and attribute byte of the gate.
func (e EncodedEntry) TypeAttr() uint8 {
	return e[5]
}

// Type returns the gate type.
func (e EncodedEntry) Type() GateType {
	return GateType(e[5] & 0xf)
}

// DPL returns the privilege level required to raise the vector from
// software.
func (e EncodedEntry) DPL() uint8 {
	return e[5] >> 5 & 0x3
}

// Present returns true if the gate is marked usable.
func (e EncodedEntry) Present() bool {
	return e[5]&(1<<7) != 0
}
