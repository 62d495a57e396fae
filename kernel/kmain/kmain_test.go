package kmain

import (
	"bytes"
	"strings"
	"testing"

	"metalos/kernel/kfmt"
	"metalos/machine"
)

// bootMachine builds a simulated machine for cfg, captures the kernel
// output sink and runs the boot sequence on it. The machine is stopped and
// the sink restored when the test finishes.
func bootMachine(t *testing.T, cfg machine.Config) (*machine.Machine, *System, *bytes.Buffer) {
	t.Helper()

	m, err := machine.New(cfg)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	var buf bytes.Buffer
	prev := kfmt.GetOutputSink()
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(prev) })
	t.Cleanup(func() {
		if err := m.Stop(); err != nil {
			t.Errorf("stopping the machine: %v", err)
		}
	})

	m.Start()

	sys := Kmain(Hardware{
		Control:         m.Control(),
		Ports:           m.Ports(),
		LAPIC:           m.BootWindow(),
		CPUID:           m.CPUID,
		Firmware:        m.FirmwareTables(),
		ConnectDispatch: m.ConnectDispatch,
		ConnectAPEntry:  m.ConnectAPEntry,
	})

	return m, sys, &buf
}

func TestBootWithoutLocalController(t *testing.T) {
	cfg := machine.DefaultConfig()
	cfg.LocalAPIC = false
	cfg.FirmwareTables = false

	m, sys, buf := bootMachine(t, cfg)

	if got := sys.Coordinator.CPUCount(); got != 1 {
		t.Fatalf("expected cpu count to be 1; got %d", got)
	}

	if sys.Coordinator.IsEnabled() {
		t.Fatal("expected multicore mode to stay disabled")
	}

	if info := sys.Coordinator.CPUInfo(0); info == nil || !info.Online() {
		t.Fatal("expected the bootstrap core to be marked online")
	}

	if got := sys.Coordinator.CurrentCPU(); got != 0 {
		t.Fatalf("expected current cpu to be 0; got %d", got)
	}

	pics := m.PIC()
	if !pics.Remapped || pics.Offset != 32 {
		t.Fatalf("expected controllers remapped to offset 32; got remapped %t, offset %d", pics.Remapped, pics.Offset)
	}

	// The timer driver unmasks its own line during init.
	if pics.PrimaryMask != 0xfe || pics.SecondaryMask != 0xff {
		t.Fatalf("expected masks fe/ff; got %x/%x", pics.PrimaryMask, pics.SecondaryMask)
	}

	timer := m.PIT()
	if !timer.Programmed || timer.Command != 0x36 || timer.Divisor != 1193 {
		t.Fatalf("unexpected timer programming: %+v", timer)
	}

	ctrl := m.ControlState()
	if ctrl.GDTLoads != 1 || ctrl.IDTLoads != 1 {
		t.Fatalf("expected one GDT and one IDT load; got %d and %d", ctrl.GDTLoads, ctrl.IDTLoads)
	}
	if !ctrl.InterruptsEnabled {
		t.Fatal("expected interrupts to be enabled after boot")
	}
	if ctrl.GDTPointer.Limit != 5*8-1 {
		t.Fatalf("expected GDT limit %d; got %d", 5*8-1, ctrl.GDTPointer.Limit)
	}
	if ctrl.IDTPointer.Limit != 256*16-1 {
		t.Fatalf("expected IDT limit %d; got %d", 256*16-1, ctrl.IDTPointer.Limit)
	}

	out := buf.String()
	if !strings.Contains(out, "no local interrupt controller; staying on the bootstrap core") {
		t.Fatalf("expected the fallback to be reported; got:\n%s", out)
	}

	// Boot messages must appear in initialization order.
	indices := []int{
		strings.Index(out, "[gdt]"),
		strings.Index(out, "[idt]"),
		strings.Index(out, "[hw]"),
		strings.Index(out, "[smp]"),
		strings.Index(out, "[boot] sequence complete"),
	}
	for i, idx := range indices {
		if idx == -1 {
			t.Fatalf("[index %d] missing boot stage marker; got:\n%s", i, out)
		}
		if i > 0 && idx < indices[i-1] {
			t.Fatalf("[index %d] boot stage marker out of order; got:\n%s", i, out)
		}
	}
}

func TestBootBringsUpFirmwareCores(t *testing.T) {
	m, sys, buf := bootMachine(t, machine.DefaultConfig())

	if got := sys.Coordinator.CPUCount(); got != 4 {
		t.Fatalf("expected cpu count to be 4; got %d", got)
	}

	if !sys.Coordinator.IsEnabled() {
		t.Fatal("expected multicore mode to be enabled")
	}

	for id := uint8(0); id < 4; id++ {
		info := sys.Coordinator.CPUInfo(id)
		if info == nil {
			t.Fatalf("[cpu %d] expected a descriptor", id)
		}
		if !info.Online() {
			t.Fatalf("[cpu %d] expected core to be online", id)
		}
		if info.APICID != id {
			t.Fatalf("[cpu %d] expected controller id %d; got %d", id, id, info.APICID)
		}

		window, ok := m.LAPIC(id)
		if !ok {
			t.Fatalf("[cpu %d] expected a controller window", id)
		}
		if !window.Enabled {
			t.Fatalf("[cpu %d] expected the local controller to be enabled", id)
		}
		if window.TaskPriority != 0 {
			t.Fatalf("[cpu %d] expected task priority 0; got %d", id, window.TaskPriority)
		}
	}

	if got := sys.Coordinator.CurrentCPU(); got != 0 {
		t.Fatalf("expected current cpu to be 0; got %d", got)
	}

	out := buf.String()
	if !strings.Contains(out, "[acpi] firmware lists 4 usable core(s)") {
		t.Fatalf("expected the firmware core count to be reported; got:\n%s", out)
	}
	if !strings.Contains(out, "[smp] 4 core(s) online, multicore true") {
		t.Fatalf("expected the bring-up summary; got:\n%s", out)
	}

	// With multicore active, timer acknowledgements go to the local
	// controller instead of the legacy pair.
	if !m.FireIRQ(0) {
		t.Fatal("expected the timer line to be deliverable")
	}
	if got := sys.Timer.Ticks(); got != 1 {
		t.Fatalf("expected 1 timer tick; got %d", got)
	}

	window, _ := m.LAPIC(0)
	if window.EOIs != 1 {
		t.Fatalf("expected 1 local acknowledgement; got %d", window.EOIs)
	}
	if eois := m.PIC().EOIs; len(eois) != 0 {
		t.Fatalf("expected no legacy acknowledgements; got %v", eois)
	}
}

func TestBootSkipsDeadCores(t *testing.T) {
	cfg := machine.Config{
		Cores: []machine.CoreConfig{
			{APICID: 0, Bootstrap: true},
			{APICID: 1},
			{APICID: 2, Conduct: machine.ConductDead},
			{APICID: 3, Conduct: machine.ConductDead},
		},
		LocalAPIC:      true,
		FirmwareTables: true,
	}

	// Each dead candidate costs the full startup poll window.
	m, sys, buf := bootMachine(t, cfg)

	if got := sys.Coordinator.CPUCount(); got != 2 {
		t.Fatalf("expected cpu count to be 2; got %d", got)
	}

	if !sys.Coordinator.IsEnabled() {
		t.Fatal("expected multicore mode to be enabled")
	}

	if info := sys.Coordinator.CPUInfo(1); info == nil || info.APICID != 1 {
		t.Fatalf("expected cpu 1 to hold controller id 1; got %+v", info)
	}

	for _, apicID := range []uint8{2, 3} {
		window, ok := m.LAPIC(apicID)
		if !ok {
			t.Fatalf("[controller %d] expected a window", apicID)
		}
		if window.Enabled {
			t.Fatalf("[controller %d] expected a dead core to never enable its controller", apicID)
		}
	}

	out := buf.String()
	for _, want := range []string{
		"controller id 2 did not respond; skipping",
		"controller id 3 did not respond; skipping",
		"[smp] 2 core(s) online, multicore true",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q; got:\n%s", want, out)
		}
	}
}

func TestBootSingleUsableCore(t *testing.T) {
	cfg := machine.Config{
		Cores:          []machine.CoreConfig{{APICID: 0, Bootstrap: true}},
		LocalAPIC:      true,
		FirmwareTables: true,
	}

	m, sys, buf := bootMachine(t, cfg)

	if got := sys.Coordinator.CPUCount(); got != 1 {
		t.Fatalf("expected cpu count to be 1; got %d", got)
	}

	if sys.Coordinator.IsEnabled() {
		t.Fatal("expected multicore mode to stay disabled")
	}

	out := buf.String()
	if !strings.Contains(out, "[acpi] firmware lists 1 usable core(s)") {
		t.Fatalf("expected the firmware core count to be reported; got:\n%s", out)
	}
	if !strings.Contains(out, "[smp] 1 core(s) online, multicore false") {
		t.Fatalf("expected the bring-up summary; got:\n%s", out)
	}

	// Without multicore, acknowledgements keep flowing to the legacy
	// pair even though the local controller was initialized.
	if window, _ := m.LAPIC(0); !window.Enabled {
		t.Fatal("expected the bootstrap controller to be enabled")
	}

	if !m.FireIRQ(0) {
		t.Fatal("expected the timer line to be deliverable")
	}
	if got := sys.Timer.Ticks(); got != 1 {
		t.Fatalf("expected 1 timer tick; got %d", got)
	}
	if eois := m.PIC().EOIs; len(eois) != 1 || eois[0] != 0x20 {
		t.Fatalf("expected a single primary acknowledgement; got %v", eois)
	}
	if window, _ := m.LAPIC(0); window.EOIs != 0 {
		t.Fatalf("expected no local acknowledgements; got %d", window.EOIs)
	}

	// A line behind the secondary chip acknowledges both chips.
	sys.IRQs.UnmaskLine(12)
	sys.IRQs.UnmaskLine(2)
	if !m.FireIRQ(12) {
		t.Fatal("expected line 12 to be deliverable")
	}
	if got := sys.Timer.Ticks(); got != 1 {
		t.Fatalf("expected the tick count to stay at 1; got %d", got)
	}

	want := []uint16{0x20, 0xa0, 0x20}
	eois := m.PIC().EOIs
	if len(eois) != len(want) {
		t.Fatalf("expected %d acknowledgements; got %v", len(want), eois)
	}
	for i, port := range want {
		if eois[i] != port {
			t.Fatalf("[eoi %d] expected port %x; got %x", i, port, eois[i])
		}
	}
}

func TestBootProbesDefaultRangeWithoutFirmware(t *testing.T) {
	cores := []machine.CoreConfig{{APICID: 0, Bootstrap: true}}
	for id := uint8(1); id < 12; id++ {
		cores = append(cores, machine.CoreConfig{APICID: id})
	}

	cfg := machine.Config{Cores: cores, LocalAPIC: true}

	_, sys, buf := bootMachine(t, cfg)

	if got := sys.Coordinator.CPUCount(); got != 12 {
		t.Fatalf("expected cpu count to be 12; got %d", got)
	}

	if !sys.Coordinator.IsEnabled() {
		t.Fatal("expected multicore mode to be enabled")
	}

	out := buf.String()
	if strings.Contains(out, "[acpi]") {
		t.Fatalf("expected no firmware reporting without tables; got:\n%s", out)
	}
	if !strings.Contains(out, "[smp] 12 core(s) online, multicore true") {
		t.Fatalf("expected the bring-up summary; got:\n%s", out)
	}
}
