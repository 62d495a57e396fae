// The bringup tool boots the kernel on a simulated machine and reports what
// the hardware observed. It is the quickest way to exercise a core topology
// without assembling a test around it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"metalos/device/acpi/table"
	"metalos/kernel/gate"
	"metalos/kernel/gdt"
	"metalos/kernel/kfmt"
	"metalos/kernel/kmain"
	"metalos/machine"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&tablesCmd{}, "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	exitCode := subcommands.Execute(context.Background())
	os.Exit(int(exitCode))
}

// loadConfig resolves the machine topology for path, falling back to the
// built-in four core machine when no config is given.
func loadConfig(path string) (machine.Config, error) {
	if path == "" {
		return machine.DefaultConfig(), nil
	}

	return machine.LoadConfig(path)
}

// observeEvent forwards one simulator event to the debug log.
func observeEvent(ev machine.Event) {
	fields := logrus.Fields{"core": ev.Core}

	switch ev.Kind {
	case machine.EventIPI:
		fields["vector"] = ev.Vector
		fields["mode"] = fmt.Sprintf("%#x", ev.Mode)
	case machine.EventIRQ, machine.EventIRQBlocked:
		fields["line"] = ev.Line
		fields["vector"] = ev.Vector
	}

	logrus.WithFields(fields).Debug(ev.Kind.String())
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	config  string
	ticks   int
	verbose bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "boot the kernel on a simulated machine"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "path to a YAML machine topology; built-in default when empty")
	f.IntVar(&r.ticks, "ticks", 5, "number of timer interrupts to fire after boot")
	f.BoolVar(&r.verbose, "v", false, "log every simulator event")
}

// Execute implements subcommands.Command.Execute. It boots the kernel on
// the configured machine, fires the requested timer interrupts and prints a
// hardware summary.
func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if r.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := loadConfig(r.config)
	if err != nil {
		logrus.WithError(err).Error("loading machine config")
		return subcommands.ExitFailure
	}

	m, err := machine.New(cfg)
	if err != nil {
		logrus.WithError(err).Error("building machine")
		return subcommands.ExitFailure
	}

	m.Observe(observeEvent)
	kfmt.SetOutputSink(os.Stdout)

	m.Start()

	sys := kmain.Kmain(kmain.Hardware{
		Control:         m.Control(),
		Ports:           m.Ports(),
		LAPIC:           m.BootWindow(),
		CPUID:           m.CPUID,
		Firmware:        m.FirmwareTables(),
		ConnectDispatch: m.ConnectDispatch,
		ConnectAPEntry:  m.ConnectAPEntry,
	})

	delivered := 0
	for i := 0; i < r.ticks; i++ {
		if m.FireIRQ(0) {
			delivered++
		}
	}

	if err := m.Stop(); err != nil {
		logrus.WithError(err).Error("stopping machine")
		return subcommands.ExitFailure
	}

	fmt.Printf("\ncores online:  %d (multicore %t)\n", sys.Coordinator.CPUCount(), sys.Coordinator.IsEnabled())
	if sys.Timer != nil {
		fmt.Printf("timer:         %d Hz, %d of %d interrupts delivered, %d ticks counted\n",
			sys.Timer.Frequency(), delivered, r.ticks, sys.Timer.Ticks())
	}

	pics := m.PIC()
	fmt.Printf("legacy ctrl:   offset %d, masks %#02x/%#02x, %d acks\n",
		pics.Offset, pics.PrimaryMask, pics.SecondaryMask, len(pics.EOIs))

	for id := uint8(0); id < uint8(sys.Coordinator.CPUCount()); id++ {
		info := sys.Coordinator.CPUInfo(id)
		if info == nil {
			continue
		}

		state := "offline"
		if info.Online() {
			state = "online"
		}

		if window, ok := m.LAPIC(info.APICID); ok && window.Enabled {
			fmt.Printf("cpu %d:         %s, controller id %d, %d local acks\n", id, state, info.APICID, window.EOIs)
			continue
		}

		fmt.Printf("cpu %d:         %s, controller id %d\n", id, state, info.APICID)
	}

	return subcommands.ExitSuccess
}

// tablesCmd implements subcommands.Command for the "tables" command.
type tablesCmd struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*tablesCmd) Name() string {
	return "tables"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*tablesCmd) Synopsis() string {
	return "dump the descriptor and firmware tables of a booted machine"
}

// Usage implements subcommands.Command.Usage.
func (*tablesCmd) Usage() string {
	return `tables [flags]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *tablesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.config, "config", "", "path to a YAML machine topology; built-in default when empty")
}

// describeSegment renders the decoded attributes of one segment descriptor.
func describeSegment(e gdt.Encoded) string {
	if !e.Present() {
		return "unused"
	}

	kind := "data"
	if e.Executable() {
		kind = "code"
	}

	desc := fmt.Sprintf("ring %d %s", e.DPL(), kind)
	if e.LongMode() {
		desc += ", long mode"
	}
	if e.Size32() {
		desc += ", 32-bit"
	}

	return desc
}

// Execute implements subcommands.Command.Execute. It boots the kernel with
// its log suppressed and prints the descriptor tables it loaded together
// with the decoded firmware core table.
func (t *tablesCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(t.config)
	if err != nil {
		logrus.WithError(err).Error("loading machine config")
		return subcommands.ExitFailure
	}

	m, err := machine.New(cfg)
	if err != nil {
		logrus.WithError(err).Error("building machine")
		return subcommands.ExitFailure
	}

	kfmt.SetOutputSink(io.Discard)
	m.Start()

	sys := kmain.Kmain(kmain.Hardware{
		Control:         m.Control(),
		Ports:           m.Ports(),
		LAPIC:           m.BootWindow(),
		CPUID:           m.CPUID,
		Firmware:        m.FirmwareTables(),
		ConnectDispatch: m.ConnectDispatch,
		ConnectAPEntry:  m.ConnectAPEntry,
	})

	if err := m.Stop(); err != nil {
		logrus.WithError(err).Error("stopping machine")
		return subcommands.ExitFailure
	}

	selectors := []gdt.Selector{
		gdt.SelectorNull,
		gdt.SelectorKernelCS,
		gdt.SelectorKernelDS,
		gdt.SelectorUserCS,
		gdt.SelectorUserDS,
	}

	fmt.Printf("gdt: limit %d, %d entries\n", sys.GDT.Pointer().Limit, len(selectors))
	for _, sel := range selectors {
		entry := sys.GDT.Entry(sel)
		fmt.Printf("  %#02x  access %#02x flags %#x  %s\n",
			uint16(sel), entry.Access(), entry.Flags(), describeSegment(entry))
	}

	present := 0
	for v := 0; v < 256; v++ {
		if sys.Dispatcher.Entry(gate.InterruptNumber(v)).Present() {
			present++
		}
	}

	fmt.Printf("idt: limit %d, %d gates present\n", sys.Dispatcher.Pointer().Limit, present)
	for _, v := range []gate.InterruptNumber{gate.DivideByZero, gate.TimerVector, gate.InputVector} {
		entry := sys.Dispatcher.Entry(v)
		fmt.Printf("  vector %d  selector %#02x type %#02x handler %#x\n",
			uint8(v), uint16(entry.Selector()), entry.TypeAttr(), entry.Handler())
	}

	image := m.FirmwareTables()
	if image == nil {
		fmt.Println("firmware: no tables published")
		return subcommands.ExitSuccess
	}

	madt, kerr := table.ParseMADT(image)
	if kerr != nil {
		logrus.WithField("module", kerr.Module).Error(kerr.Message)
		return subcommands.ExitFailure
	}

	fmt.Printf("firmware: %s revision %d, %d bytes, controller base %#x\n",
		madt.Header.Signature[:], madt.Header.Revision, madt.Header.Length, madt.LocalControllerAddress)

	for _, entry := range madt.LocalAPICs {
		state := "usable"
		if !entry.Enabled() {
			state = "disabled"
		}

		fmt.Printf("  processor %d  controller id %d, %s\n", entry.ProcessorID, entry.APICID, state)
	}

	return subcommands.ExitSuccess
}
