// Package machine simulates the hardware surface the kernel boots on: the
// legacy interrupt controller pair, the interval timer, a per-core local
// interrupt controller, the CPU control instructions and the firmware
// tables. Secondary cores run as goroutines driven by the same INIT and
// startup signals real silicon expects, which lets the whole bring-up
// protocol execute unmodified against software state.
package machine

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"metalos/device"
	"metalos/kernel/cpu"
	"metalos/kernel/gate"
)

// EventKind labels a simulator event.
type EventKind int

// Simulator events reported to the observer.
const (
	EventIPI EventKind = iota
	EventCoreReset
	EventCoreOnline
	EventIRQ
	EventIRQBlocked
	EventHalt
)

func (k EventKind) String() string {
	switch k {
	case EventIPI:
		return "ipi"
	case EventCoreReset:
		return "core-reset"
	case EventCoreOnline:
		return "core-online"
	case EventIRQ:
		return "irq"
	case EventIRQBlocked:
		return "irq-blocked"
	case EventHalt:
		return "halt"
	}

	return "unknown"
}

// Event describes one observable simulator action.
type Event struct {
	Kind EventKind

	// Core is the hardware identity the event concerns, when any.
	Core uint8

	// Vector carries the interrupt vector for IPI and IRQ events.
	Vector uint8

	// Mode carries the delivery mode for IPI events.
	Mode uint32

	// Line carries the hardware line for IRQ events.
	Line uint8
}

type coreState int

const (
	corePoweredDown coreState = iota
	coreReset
	coreRunning
)

// simCore is one simulated execution core together with its local
// controller register file.
type simCore struct {
	apicID    uint8
	bootstrap bool
	conduct   Conduct

	ipi   chan ipiMessage
	state coreState

	spurious uint32
	tpr      uint32
	icrHigh  uint32
	icrLow   uint32
	eois     int
}

// defaultSlowDelay overshoots the kernel's one second online poll window
// so that slow cores check in after the kernel has given up on them.
const defaultSlowDelay = 1100 * time.Millisecond

// Machine is a simulated platform assembled from a Config. All exported
// methods are safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	cfg   Config
	cores []*simCore
	boot  *simCore

	primary   picChip
	secondary picChip
	pit       pitChannel
	picEOIs   []uint16

	gdtPtr   cpu.TablePointer
	idtPtr   cpu.TablePointer
	gdtLoads int
	idtLoads int
	intsOn   bool
	halts    int

	dispatchFn func(*gate.Registers)
	apEntry    func(device.RegisterBlock)
	observer   func(Event)

	slowDelay time.Duration
	firmware  []byte

	group   errgroup.Group
	started bool
	stopped bool
}

// New builds a powered-down machine from cfg.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:       cfg,
		slowDelay: time.Duration(cfg.SlowDelayMillis) * time.Millisecond,
	}
	if m.slowDelay == 0 {
		m.slowDelay = defaultSlowDelay
	}

	for _, cc := range cfg.Cores {
		core := &simCore{
			apicID:  cc.APICID,
			conduct: cc.conduct(),
			ipi:     make(chan ipiMessage, 8),
		}

		if cc.Bootstrap {
			core.bootstrap = true
			core.state = coreRunning
			m.boot = core
		}

		m.cores = append(m.cores, core)
	}

	if cfg.FirmwareTables {
		m.firmware = buildMADT(cfg.Cores)
	}

	return m, nil
}

// Start powers on the secondary cores. They idle until the kernel signals
// them through the startup handshake.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for _, core := range m.cores {
		if core.bootstrap {
			continue
		}

		c := core
		m.group.Go(func() error {
			m.runCore(c)
			return nil
		})
	}
}

// Stop powers the machine down and waits until every secondary core has
// drained its pending signals. Late cores still inside the kernel entry
// path finish before Stop returns. Channels are closed under mu so no IPI
// routed after the stopped flag is set can hit a closed channel.
func (m *Machine) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true

	for _, core := range m.cores {
		if !core.bootstrap {
			close(core.ipi)
		}
	}
	m.mu.Unlock()

	return m.group.Wait()
}

// runCore drives one secondary core through the powered-down, reset,
// running state machine in response to the signals the kernel sends it.
func (m *Machine) runCore(c *simCore) {
	for msg := range c.ipi {
		switch msg.mode {
		case ipiModeInit:
			if c.conduct == ConductDead {
				continue
			}

			m.setCoreState(c, coreReset)
			m.observe(Event{Kind: EventCoreReset, Core: c.apicID})
		case ipiModeStartup:
			// A second startup signal while already running is
			// part of the protocol and must be ignored.
			if c.conduct == ConductDead || m.coreState(c) != coreReset {
				continue
			}

			m.setCoreState(c, coreRunning)

			if c.conduct == ConductSlow {
				time.Sleep(m.slowDelay)
			}

			m.enterKernel(c)
		}
	}
}

// enterKernel plays the trampoline's part: it hands the woken core's own
// register window to the kernel entry the boot sequence connected.
func (m *Machine) enterKernel(c *simCore) {
	m.mu.Lock()
	entry := m.apEntry
	m.mu.Unlock()

	if entry == nil {
		return
	}

	entry(&lapicWindow{m: m, core: c})
	m.observe(Event{Kind: EventCoreOnline, Core: c.apicID})
}

func (m *Machine) coreState(c *simCore) coreState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return c.state
}

func (m *Machine) setCoreState(c *simCore, s coreState) {
	m.mu.Lock()
	c.state = s
	m.mu.Unlock()
}

func (m *Machine) observe(ev Event) {
	m.mu.Lock()
	fn := m.observer
	m.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

// Observe registers fn to receive simulator events. Events are delivered
// from whichever goroutine produced them.
func (m *Machine) Observe(fn func(Event)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// ConnectDispatch registers the kernel's interrupt entry point. FireIRQ
// delivers interrupts through it once delivery conditions are met.
func (m *Machine) ConnectDispatch(fn func(*gate.Registers)) {
	m.mu.Lock()
	m.dispatchFn = fn
	m.mu.Unlock()
}

// ConnectAPEntry registers the kernel path a woken core enters after the
// trampoline. It must be connected before the kernel starts signalling
// secondary cores.
func (m *Machine) ConnectAPEntry(fn func(device.RegisterBlock)) {
	m.mu.Lock()
	m.apEntry = fn
	m.mu.Unlock()
}

// Ports returns the port access strategy backed by the machine's legacy
// devices.
func (m *Machine) Ports() device.Ports {
	return &simPorts{m: m}
}

// Control returns the CPU control strategy backed by the machine.
func (m *Machine) Control() cpu.Control {
	return &simControl{m: m}
}

// BootWindow returns the bootstrap core's local controller register
// window.
func (m *Machine) BootWindow() device.RegisterBlock {
	return &lapicWindow{m: m, core: m.boot}
}

// CPUID answers CPU identification queries according to the machine
// configuration. It satisfies the kernel's capability probe contract.
func (m *Machine) CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	if leaf == 1 && m.cfg.LocalAPIC {
		return 0, 0, 0, cpu.FeatureLAPIC
	}

	return 0, 0, 0, 0
}

// FirmwareTables returns the MADT image the firmware publishes, or nil
// when the machine is configured without tables.
func (m *Machine) FirmwareTables() []byte {
	return m.firmware
}

// FireIRQ models a device raising a hardware interrupt line. The interrupt
// is delivered synchronously on the caller's goroutine when interrupts are
// enabled, the controllers are remapped and the line is unmasked; the
// return value reports whether delivery happened. Lines above 7 require
// the cascade line on the primary chip to be open as well.
func (m *Machine) FireIRQ(line uint8) bool {
	m.mu.Lock()
	fn := m.dispatchFn
	deliverable := line < 16 && fn != nil && m.intsOn &&
		m.primary.ready && m.secondary.ready && !m.lineMasked(line)

	var vector uint8
	if line < 8 {
		vector = m.primary.offset() + line
	} else {
		vector = m.secondary.offset() + (line - 8)
	}
	m.mu.Unlock()

	if !deliverable {
		m.observe(Event{Kind: EventIRQBlocked, Line: line})
		return false
	}

	fn(&gate.Registers{Vector: uint64(vector)})
	m.observe(Event{Kind: EventIRQ, Line: line, Vector: vector})

	return true
}

// lineMasked reports whether the PIC pair blocks the given line. The
// caller must hold mu.
func (m *Machine) lineMasked(line uint8) bool {
	if line < 8 {
		return m.primary.mask&(1<<line) != 0
	}

	return m.secondary.mask&(1<<(line-8)) != 0 ||
		m.primary.mask&(1<<cascadeLine) != 0
}

// PICState is a snapshot of the legacy controller pair.
type PICState struct {
	// Remapped reports whether both chips completed the init handshake.
	Remapped bool

	// Offset is the vector the primary chip's line 0 was remapped to.
	Offset uint8

	PrimaryMask   uint8
	SecondaryMask uint8

	// EOIs lists the command ports that received end-of-interrupt
	// writes, in write order.
	EOIs []uint16
}

// PIC returns a snapshot of the legacy controller pair.
func (m *Machine) PIC() PICState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return PICState{
		Remapped:      m.primary.ready && m.secondary.ready,
		Offset:        m.primary.offset(),
		PrimaryMask:   m.primary.mask,
		SecondaryMask: m.secondary.mask,
		EOIs:          append([]uint16(nil), m.picEOIs...),
	}
}

// PITState is a snapshot of the interval timer.
type PITState struct {
	Command    uint8
	Divisor    uint16
	Programmed bool
}

// PIT returns a snapshot of the interval timer.
func (m *Machine) PIT() PITState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return PITState{
		Command:    m.pit.command,
		Divisor:    m.pit.divisor,
		Programmed: m.pit.programmed,
	}
}

// LAPICState is a snapshot of one core's local interrupt controller.
type LAPICState struct {
	APICID uint8

	// Enabled reports whether the controller's software enable bit is
	// set.
	Enabled bool

	Spurious     uint32
	TaskPriority uint32

	// EOIs counts the end-of-interrupt writes this controller received.
	EOIs int
}

// LAPIC returns a snapshot of the controller with the given hardware
// identity. The second return value is false when no such core exists.
func (m *Machine) LAPIC(apicID uint8) (LAPICState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.cores {
		if c.apicID != apicID {
			continue
		}

		return LAPICState{
			APICID:       c.apicID,
			Enabled:      c.spurious&lapicEnableBit != 0,
			Spurious:     c.spurious,
			TaskPriority: c.tpr,
			EOIs:         c.eois,
		}, true
	}

	return LAPICState{}, false
}

// ControlState is a snapshot of the CPU control strategy.
type ControlState struct {
	GDTPointer cpu.TablePointer
	IDTPointer cpu.TablePointer
	GDTLoads   int
	IDTLoads   int

	InterruptsEnabled bool
	Halts             int
}

// ControlState returns a snapshot of the recorded control operations.
func (m *Machine) ControlState() ControlState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ControlState{
		GDTPointer:        m.gdtPtr,
		IDTPointer:        m.idtPtr,
		GDTLoads:          m.gdtLoads,
		IDTLoads:          m.idtLoads,
		InterruptsEnabled: m.intsOn,
		Halts:             m.halts,
	}
}

// simControl records the privileged CPU instructions the kernel issues.
type simControl struct {
	m *Machine
}

func (c *simControl) LoadGDT(ptr cpu.TablePointer) {
	c.m.mu.Lock()
	c.m.gdtPtr = ptr
	c.m.gdtLoads++
	c.m.mu.Unlock()
}

func (c *simControl) LoadIDT(ptr cpu.TablePointer) {
	c.m.mu.Lock()
	c.m.idtPtr = ptr
	c.m.idtLoads++
	c.m.mu.Unlock()
}

func (c *simControl) EnableInterrupts() {
	c.m.mu.Lock()
	c.m.intsOn = true
	c.m.mu.Unlock()
}

func (c *simControl) Halt() {
	c.m.mu.Lock()
	c.m.halts++
	c.m.mu.Unlock()

	c.m.observe(Event{Kind: EventHalt})
}
