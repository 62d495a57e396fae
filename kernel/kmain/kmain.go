// Package kmain drives the kernel boot sequence on the bootstrap core. The
// platform entry glue assembles a Hardware bundle describing the machine
// and transfers control to Kmain, which constructs and initializes each
// subsystem in its required order: privilege descriptors, the interrupt
// dispatch table, the interval timer and finally core bring-up.
package kmain

import (
	"bytes"
	"io"
	"sort"

	"metalos/device"
	"metalos/device/acpi/table"
	"metalos/device/pic"
	"metalos/device/pit"
	"metalos/kernel/cpu"
	"metalos/kernel/gate"
	"metalos/kernel/gdt"
	"metalos/kernel/kfmt"
	"metalos/kernel/smp"
)

// timerFrequency is the rate in Hz the boot sequence programs the interval
// timer to.
const timerFrequency = 1000

// Hardware bundles the access strategies for the platform the kernel boots
// on. The entry glue fills it in before calling Kmain; tests supply a
// simulated machine instead.
type Hardware struct {
	// Control issues the privileged CPU instructions of the bootstrap
	// core.
	Control cpu.Control

	// Ports accesses the legacy device ports.
	Ports device.Ports

	// LAPIC is the bootstrap core's local interrupt controller register
	// window.
	LAPIC device.RegisterBlock

	// CPUID answers capability queries on the bootstrap core.
	CPUID cpu.IDFunc

	// Firmware holds the raw core table published by the firmware, or
	// nil when the platform has none.
	Firmware []byte

	// ConnectDispatch hands the kernel's interrupt entry point to the
	// interrupt entry glue. It is wired before interrupt delivery is
	// enabled.
	ConnectDispatch func(func(*gate.Registers))

	// ConnectAPEntry hands the kernel's core check-in path to the
	// trampoline glue. It is wired before any secondary core is
	// signalled.
	ConnectAPEntry func(func(device.RegisterBlock))
}

// System aggregates the subsystems the boot sequence constructed. It is
// the explicit owner of state that older kernels kept in package globals.
type System struct {
	GDT         *gdt.Table
	Dispatcher  *gate.Dispatcher
	IRQs        *pic.Driver
	Timer       *pit.Driver
	Coordinator *smp.Coordinator
}

// Kmain boots the kernel on the bootstrap core and returns the constructed
// system. Boot cannot fail: subsystems that depend on absent hardware fall
// back to reduced modes and report the fact through the output sink.
func Kmain(hw Hardware) *System {
	out := kfmt.GetOutputSink()
	sys := &System{}

	sys.GDT = gdt.Init(hw.Control)
	kfmt.Fprintf(out, "[gdt] flat segmentation active\n")

	sys.IRQs = pic.NewDriver(hw.Ports)
	sys.Dispatcher = gate.NewDispatcher(hw.Control, sys.IRQs, out)
	if hw.ConnectDispatch != nil {
		hw.ConnectDispatch(sys.Dispatcher.HandleInterrupt)
	}
	sys.Dispatcher.Init()
	kfmt.Fprintf(out, "[idt] gates installed, hardware lines remapped\n")

	probeDrivers(sys, hw, out)

	sys.Coordinator = smp.NewCoordinator(smp.Config{
		CPUID:      hw.CPUID,
		Registers:  hw.LAPIC,
		Candidates: firmwareCandidates(hw.Firmware, out),
	})

	if hw.ConnectAPEntry != nil {
		hw.ConnectAPEntry(sys.Coordinator.APEntry)
	}

	// The acknowledgement path must be in place before bring-up can
	// activate multicore mode.
	sys.Dispatcher.ConnectMulticore(sys.Coordinator.IsEnabled, sys.Coordinator.BootController().EOI)

	sys.Coordinator.Init(&kfmt.PrefixWriter{Prefix: []byte("[smp] "), Sink: out})

	kfmt.Fprintf(out, "[boot] sequence complete\n")

	return sys
}

// probeDrivers runs the device probe list in detection order and
// initializes every driver it yields.
func probeDrivers(sys *System, hw Hardware, out io.Writer) {
	drivers := device.DriverInfoList{
		&device.DriverInfo{
			Order: device.DetectOrderEarly,
			Probe: func() device.Driver {
				return pit.NewDriver(hw.Ports, sys.IRQs, timerFrequency)
			},
		},
	}
	sort.Sort(drivers)

	var (
		strBuf bytes.Buffer
		w      = kfmt.PrefixWriter{Sink: out}
	)

	for _, info := range drivers {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hw] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")

		if timer, ok := drv.(*pit.Driver); ok {
			sys.Timer = timer
			sys.Dispatcher.SetTimerCallback(timer.Tick)
		}
	}
}

// firmwareCandidates extracts the startup candidate list from the
// firmware's core table. A missing or malformed table yields nil so the
// coordinator falls back to its bounded probe range.
func firmwareCandidates(image []byte, out io.Writer) []uint8 {
	if image == nil {
		return nil
	}

	madt, err := table.ParseMADT(image)
	if err != nil {
		kfmt.Fprintf(out, "[acpi] %s\n", err.Message)
		return nil
	}

	ids := madt.EnabledAPICIDs()
	kfmt.Fprintf(out, "[acpi] firmware lists %d usable core(s)\n", len(ids))

	return ids
}
