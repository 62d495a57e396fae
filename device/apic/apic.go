// Package apic drives the per-core local APIC. Each core owns one controller
// instance backed by that core's memory-mapped register window.
package apic

import (
	"io"
	"runtime"

	"metalos/device"
	"metalos/kernel"
	"metalos/kernel/cpu"
	"metalos/kernel/kfmt"
)

// Register offsets inside the local APIC register window.
const (
	regID           = 0x20
	regVersion      = 0x30
	regTaskPriority = 0x80
	regEOI          = 0xb0
	regSpurious     = 0xf0
	regICRLow       = 0x300
	regICRHigh      = 0x310
)

const (
	// spuriousInit software-enables the controller and routes spurious
	// interrupts to vector 0xff.
	spuriousInit = 0x1ff

	// deliveryStatusBit reads as 1 in the low half of the interrupt
	// command register while the previous IPI is still being delivered.
	deliveryStatusBit = 1 << 12
)

// Delivery modes for SendIPI.
const (
	// ModeInit resets the target core and leaves it waiting for a
	// startup IPI.
	ModeInit uint32 = 0x500

	// ModeStartup makes the target core begin execution at the page
	// carried in the IPI vector.
	ModeStartup uint32 = 0x600
)

// yieldFn is invoked on each iteration of the delivery-status busy-wait.
var yieldFn = runtime.Gosched

// Available returns true if the CPU described by idFn integrates a local
// APIC. It is the only package function that may be called when the hardware
// lacks the controller.
func Available(idFn cpu.IDFunc) bool {
	return cpu.HasLocalAPIC(idFn)
}

// LAPIC provides access to the local APIC of one core through its register
// window. All methods except the availability check require that Init has
// software-enabled the controller.
type LAPIC struct {
	regs device.RegisterBlock
}

// New returns a controller backed by the given register window.
func New(regs device.RegisterBlock) *LAPIC {
	return &LAPIC{regs: regs}
}

// Init software-enables the controller and then clears the task priority
// register so interrupts of every priority class get accepted.
func (l *LAPIC) Init() {
	l.regs.Write(regSpurious, spuriousInit)
	l.regs.Write(regTaskPriority, 0)
}

// ID returns the hardware identity of the core that owns this controller.
func (l *LAPIC) ID() uint8 {
	return uint8(l.regs.Read(regID) >> 24)
}

// Version returns the controller version reported by the hardware.
func (l *LAPIC) Version() uint8 {
	return uint8(l.regs.Read(regVersion))
}

// EOI signals completion of the in-service interrupt.
func (l *LAPIC) EOI() {
	l.regs.Write(regEOI, 0)
}

// SendIPI delivers an inter-processor interrupt to the core with the given
// hardware identity. The write to the low half of the interrupt command
// register triggers the delivery, so the destination must be programmed
// first, and a delivery still in flight must drain before either half is
// touched.
func (l *LAPIC) SendIPI(dest uint8, vector uint8, mode uint32) {
	for l.regs.Read(regICRLow)&deliveryStatusBit != 0 {
		yieldFn()
	}

	l.regs.Write(regICRHigh, uint32(dest)<<24)
	l.regs.Write(regICRLow, mode|uint32(vector))
}

// DriverName returns the name of this driver.
func (*LAPIC) DriverName() string {
	return "Local APIC"
}

// DriverVersion returns the version of this driver.
func (*LAPIC) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit initializes the controller and reports its identity.
func (l *LAPIC) DriverInit(w io.Writer) *kernel.Error {
	l.Init()
	kfmt.Fprintf(w, "controller id %d, hw version 0x%x\n", l.ID(), l.Version())
	return nil
}
