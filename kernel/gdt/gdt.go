// Package gdt builds the global descriptor table used by the kernel. The
// table implements the flat memory model: every segment spans the entire
// address space and only the privilege and execute/write attributes differ
// between entries.
package gdt

import (
	"unsafe"

	"metalos/kernel/cpu"
)

// Selector locates an entry inside the descriptor table. The value is the
// byte offset of the entry and is what gets loaded into a segment register.
type Selector uint16

const (
	// SelectorNull is the mandatory unusable first entry.
	SelectorNull Selector = 0x00

	// SelectorKernelCS selects the ring 0 code segment.
	SelectorKernelCS Selector = 0x08

	// SelectorKernelDS selects the ring 0 data segment.
	SelectorKernelDS Selector = 0x10

	// SelectorUserCS selects the ring 3 code segment.
	SelectorUserCS Selector = 0x18

	// SelectorUserDS selects the ring 3 data segment.
	SelectorUserDS Selector = 0x20
)

// tableEntries is the number of descriptors in the table: the null entry plus
// code and data segments for ring 0 and ring 3.
const tableEntries = 5

// Descriptor describes a memory segment. The fields mirror the attributes
// that the hardware packs into a descriptor; Encode produces the packed form.
type Descriptor struct {
	// Base is the linear address where the segment begins.
	Base uint32

	// Limit holds the 20-bit segment limit. When PageGranularity is set
	// the limit counts 4 KiB pages instead of bytes.
	Limit uint32

	// Present marks the descriptor as usable.
	Present bool

	// DPL is the privilege level (0-3) required to use the segment.
	DPL uint8

	// Code marks an executable code segment; unset describes a data
	// segment.
	Code bool

	// Writable allows writes to a data segment. For code segments it
	// allows reads.
	Writable bool

	// LongMode marks a 64-bit code segment.
	LongMode bool

	// Size32 selects 32-bit operands for data segments. It must be unset
	// when LongMode is set.
	Size32 bool

	// PageGranularity scales the limit by 4 KiB.
	PageGranularity bool
}

// Encoded is the packed 8-byte form of a segment descriptor as consumed by
// the hardware.
type Encoded uint64

// Encode packs the descriptor attributes into the hardware layout.
func (d Descriptor) Encode() Encoded {
	var enc uint64

	enc = uint64(d.Limit & 0xffff)
	enc |= uint64(d.Base&0xffff) << 16
	enc |= uint64((d.Base>>16)&0xff) << 32

	// access byte: the descriptor-type bit is always set as the table only
	// contains code and data segments.
	access := uint64(1) << 4
	if d.Writable {
		access |= 1 << 1
	}
	if d.Code {
		access |= 1 << 3
	}
	access |= uint64(d.DPL&0x3) << 5
	if d.Present {
		access |= 1 << 7
	}
	enc |= access << 40

	enc |= uint64((d.Limit>>16)&0xf) << 48

	if d.LongMode {
		enc |= 1 << 53
	}
	if d.Size32 {
		enc |= 1 << 54
	}
	if d.PageGranularity {
		enc |= 1 << 55
	}

	enc |= uint64((d.Base>>24)&0xff) << 56

	return Encoded(enc)
}

// Base returns the segment base address.
func (e Encoded) Base() uint32 {
	return uint32(e>>16)&0xffff | uint32(e>>16)&0xff0000 | uint32(e>>32)&0xff000000
}

// Limit returns the 20-bit segment limit.
func (e Encoded) Limit() uint32 {
	return uint32(e)&0xffff | uint32(e>>32)&0xf0000
}

// Present returns true if the descriptor is marked usable.
func (e Encoded) Present() bool {
	return e&(1<<47) != 0
}

// DPL returns the privilege level required to use the segment.
func (e Encoded) DPL() uint8 {
	return uint8(e>>45) & 0x3
}

// Executable returns true for code segments.
func (e Encoded) Executable() bool {
	return e&(1<<43) != 0
}

// Writable returns true if a data segment allows writes or a code segment
// allows reads.
func (e Encoded) Writable() bool {
	return e&(1<<41) != 0
}

// LongMode returns true for 64-bit code segments.
func (e Encoded) LongMode() bool {
	return e&(1<<53) != 0
}

// Size32 returns true for segments with 32-bit operand size.
func (e Encoded) Size32() bool {
	return e&(1<<54) != 0
}

// PageGranular returns true if the segment limit counts 4 KiB pages.
func (e Encoded) PageGranular() bool {
	return e&(1<<55) != 0
}

// Access returns the raw access byte of the descriptor.
func (e Encoded) Access() uint8 {
	return uint8(e >> 40)
}

// Flags returns the granularity/size flag nibble of the descriptor.
func (e Encoded) Flags() uint8 {
	return uint8(e>>52) & 0xf
}

// Table is the global descriptor table. Its five entries are fixed at
// initialization time and never change afterwards.
type Table struct {
	entries [tableEntries]Encoded
}

// NewTable returns a table populated with the flat-model segment layout: a
// null descriptor followed by kernel code/data and user code/data segments
// covering the entire address space.
func NewTable() *Table {
	var t Table

	t.entries[SelectorKernelCS>>3] = Descriptor{
		Limit:           0xfffff,
		Present:         true,
		Code:            true,
		Writable:        true,
		LongMode:        true,
		PageGranularity: true,
	}.Encode()

	t.entries[SelectorKernelDS>>3] = Descriptor{
		Limit:           0xfffff,
		Present:         true,
		Writable:        true,
		Size32:          true,
		PageGranularity: true,
	}.Encode()

	t.entries[SelectorUserCS>>3] = Descriptor{
		Limit:           0xfffff,
		Present:         true,
		DPL:             3,
		Code:            true,
		Writable:        true,
		LongMode:        true,
		PageGranularity: true,
	}.Encode()

	t.entries[SelectorUserDS>>3] = Descriptor{
		Limit:           0xfffff,
		Present:         true,
		DPL:             3,
		Writable:        true,
		Size32:          true,
		PageGranularity: true,
	}.Encode()

	return &t
}

// Entry returns the encoded descriptor that sel refers to.
func (t *Table) Entry(sel Selector) Encoded {
	return t.entries[sel>>3]
}

// Pointer returns the location and size of the table in the format consumed
// by the LGDT instruction.
func (t *Table) Pointer() cpu.TablePointer {
	return cpu.TablePointer{
		Limit: tableEntries*8 - 1,
		Base:  uint64(uintptr(unsafe.Pointer(&t.entries[0]))),
	}
}

// Init builds the descriptor table and makes the CPU use it. The segment
// layout is fixed so initialization cannot fail.
func Init(ctrl cpu.Control) *Table {
	t := NewTable()
	ctrl.LoadGDT(t.Pointer())
	return t
}
