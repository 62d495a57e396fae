// Package pit drives channel 0 of the 8254 programmable interval timer. The
// timer provides the periodic tick on interrupt line 0 that proves the
// interrupt path is alive during bring-up.
package pit

import (
	"io"
	"sync/atomic"

	"metalos/device"
	"metalos/device/pic"
	"metalos/kernel"
	"metalos/kernel/kfmt"
)

const (
	channel0DataPort = 0x40
	commandPort      = 0x43

	// cmdChannel0SquareWave programs channel 0 for lo/hi byte access,
	// square wave generation and binary counting.
	cmdChannel0SquareWave = 0x36

	// baseFrequency is the fixed input clock of the timer in Hz.
	baseFrequency = 1193182

	// timerLine is the interrupt line the timer is wired to.
	timerLine = 0
)

var errBadFrequency = &kernel.Error{Module: "pit", Message: "requested tick frequency cannot be expressed as a 16-bit divisor"}

// Driver programs the timer and counts the ticks it raises.
type Driver struct {
	ports     device.Ports
	irqs      *pic.Driver
	frequency uint32
	ticks     uint64
}

// NewDriver returns a timer driver that will tick frequency times per second
// once initialized. The interrupt line is unmasked through irqs.
func NewDriver(ports device.Ports, irqs *pic.Driver, frequency uint32) *Driver {
	return &Driver{
		ports:     ports,
		irqs:      irqs,
		frequency: frequency,
	}
}

// DriverName returns the name of this driver.
func (*Driver) DriverName() string {
	return "8254 PIT"
}

// DriverVersion returns the version of this driver.
func (*Driver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs channel 0 with the divisor for the configured tick
// frequency and unmasks the timer interrupt line.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	if d.frequency == 0 {
		return errBadFrequency
	}

	divisor := uint32(baseFrequency) / d.frequency
	if divisor == 0 || divisor > 0xffff {
		return errBadFrequency
	}

	d.ports.WriteByte(commandPort, cmdChannel0SquareWave)
	d.ports.WriteByte(channel0DataPort, uint8(divisor))
	d.ports.WriteByte(channel0DataPort, uint8(divisor>>8))

	d.irqs.UnmaskLine(timerLine)

	kfmt.Fprintf(w, "ticking at %d Hz (divisor %d)\n", d.frequency, divisor)
	return nil
}

// Tick records one timer interrupt. It is invoked from the interrupt handling
// path and must not allocate or block.
func (d *Driver) Tick() {
	atomic.AddUint64(&d.ticks, 1)
}

// Ticks returns the number of timer interrupts observed so far.
func (d *Driver) Ticks() uint64 {
	return atomic.LoadUint64(&d.ticks)
}

// Frequency returns the configured tick frequency in Hz.
func (d *Driver) Frequency() uint32 {
	return d.frequency
}
