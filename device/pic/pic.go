// Package pic drives the two cascaded legacy 8259 interrupt controllers.
// After the switch to the local APIC the chips stay remapped and fully masked
// so that spurious legacy interrupts cannot collide with the CPU exception
// vectors.
package pic

import (
	"metalos/device"
)

const (
	primaryCommandPort   = 0x20
	primaryDataPort      = 0x21
	secondaryCommandPort = 0xa0
	secondaryDataPort    = 0xa1

	// icwInit starts the initialization handshake on a chip (edge
	// triggered, cascade mode, ICW4 follows).
	icwInit = 0x11

	// icw3Primary informs the primary chip that a secondary is attached
	// on line 2.
	icw3Primary = 0x04

	// icw3Secondary informs the secondary chip of its cascade identity.
	icw3Secondary = 0x02

	// icw4Mode8086 selects 8086 mode with normal EOI semantics.
	icw4Mode8086 = 0x01

	// cmdEOI acknowledges the interrupt currently in service.
	cmdEOI = 0x20

	// maskAll disables delivery of every line served by one chip.
	maskAll = 0xff

	// linesPerChip is the number of interrupt lines each chip serves.
	linesPerChip = 8
)

// Driver controls the primary/secondary 8259 pair.
type Driver struct {
	ports  device.Ports
	offset uint8
}

// NewDriver returns a driver that programs the 8259 pair through ports.
func NewDriver(ports device.Ports) *Driver {
	return &Driver{ports: ports}
}

// Remap reprograms both chips so that their sixteen lines raise the vectors
// offset..offset+15 instead of the power-on defaults that collide with the
// CPU exception vectors. The handshake is the fixed four-step initialization
// sequence; once it completes every line is masked.
func (d *Driver) Remap(offset uint8) {
	d.offset = offset

	d.ports.WriteByte(primaryCommandPort, icwInit)
	d.ports.WriteByte(secondaryCommandPort, icwInit)
	d.ports.WriteByte(primaryDataPort, offset)
	d.ports.WriteByte(secondaryDataPort, offset+linesPerChip)
	d.ports.WriteByte(primaryDataPort, icw3Primary)
	d.ports.WriteByte(secondaryDataPort, icw3Secondary)
	d.ports.WriteByte(primaryDataPort, icw4Mode8086)
	d.ports.WriteByte(secondaryDataPort, icw4Mode8086)

	d.ports.WriteByte(primaryDataPort, maskAll)
	d.ports.WriteByte(secondaryDataPort, maskAll)
}

// Offset returns the vector that line 0 was remapped to.
func (d *Driver) Offset() uint8 {
	return d.offset
}

// EOI acknowledges the interrupt that raised the given vector. Vectors served
// by the secondary chip must be acknowledged on both chips with the secondary
// acknowledged first.
func (d *Driver) EOI(vector uint8) {
	if vector >= d.offset+linesPerChip {
		d.ports.WriteByte(secondaryCommandPort, cmdEOI)
	}
	d.ports.WriteByte(primaryCommandPort, cmdEOI)
}

// MaskLine disables delivery of interrupts on the given line (0-15).
func (d *Driver) MaskLine(line uint8) {
	port, bit := lineRegister(line)
	mask := d.ports.ReadByte(port)
	d.ports.WriteByte(port, mask|1<<bit)
}

// UnmaskLine enables delivery of interrupts on the given line (0-15).
func (d *Driver) UnmaskLine(line uint8) {
	port, bit := lineRegister(line)
	mask := d.ports.ReadByte(port)
	d.ports.WriteByte(port, mask&^(1<<bit))
}

// lineRegister maps an interrupt line to the mask register that serves it and
// the bit position inside that register.
func lineRegister(line uint8) (port uint16, bit uint8) {
	if line >= linesPerChip {
		return secondaryDataPort, line - linesPerChip
	}
	return primaryDataPort, line
}
