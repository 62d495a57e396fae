package gate

import (
	"io"
	"unsafe"

	"metalos/device/pic"
	"metalos/kernel/cpu"
	"metalos/kernel/gdt"
	"metalos/kernel/kfmt"
	"metalos/kernel/sync"
)

// Table is the 256-entry interrupt descriptor table. Gates are installed
// while the dispatcher initializes; once the table is loaded it never
// changes.
type Table struct {
	entries [tableEntries]EncodedEntry
}

// Entry returns the encoded gate for the given vector.
func (t *Table) Entry(vector InterruptNumber) EncodedEntry {
	return t.entries[vector]
}

// Pointer returns the location and size of the table in the format consumed
// by the LIDT instruction.
func (t *Table) Pointer() cpu.TablePointer {
	return cpu.TablePointer{
		Limit: tableEntries*16 - 1,
		Base:  uint64(uintptr(unsafe.Pointer(&t.entries[0]))),
	}
}

// install records the handler's code address in the gate for vector and
// marks the gate present. All gates run in the kernel code segment with
// interrupt gate semantics.
func (t *Table) install(vector InterruptNumber, handler HandlerFn) {
	t.entries[vector] = Entry{
		Handler:  funcPC(handler),
		Selector: gdt.SelectorKernelCS,
		Type:     GateInterrupt,
		Present:  true,
	}.Encode()
}

// Dispatcher owns the interrupt descriptor table and routes incoming
// exceptions and hardware interrupts to their handlers. A single dispatcher
// serves all cores; its table is loaded once during boot.
type Dispatcher struct {
	ctrl cpu.Control
	irqs *pic.Driver
	out  io.Writer

	table    Table
	handlers [tableEntries]HandlerFn

	mu              sync.Spinlock
	timerFn         func()
	multicoreActive func() bool
	localEOI        func()
}

// NewDispatcher returns a dispatcher that programs the CPU through ctrl and
// the legacy interrupt controllers through irqs. Unhandled exception reports
// are written to out; passing nil selects the kfmt output sink.
func NewDispatcher(ctrl cpu.Control, irqs *pic.Driver, out io.Writer) *Dispatcher {
	if out == nil {
		out = kfmt.GetOutputSink()
	}

	return &Dispatcher{
		ctrl: ctrl,
		irqs: irqs,
		out:  out,
	}
}

// Init populates and activates the dispatch table: stub handlers for the 32
// CPU exception vectors, the legacy controllers remapped past the exception
// range with every line masked, gates for the timer and input lines, and
// finally the table load followed by the global interrupt enable.
func (d *Dispatcher) Init() {
	for vector := InterruptNumber(0); vector < numExceptions; vector++ {
		d.install(vector, d.unhandledException)
	}

	d.irqs.Remap(uint8(IRQBase))

	d.install(TimerVector, d.timerInterrupt)
	d.install(InputVector, d.inputInterrupt)

	d.ctrl.LoadIDT(d.table.Pointer())
	d.ctrl.EnableInterrupts()
}

// install wires handler as the dispatch target for vector and records its
// address in the gate.
func (d *Dispatcher) install(vector InterruptNumber, handler HandlerFn) {
	d.handlers[vector] = handler
	d.table.install(vector, handler)
}

// HandleInterrupt routes an incoming interrupt to the handler installed for
// its vector and acknowledges hardware interrupt vectors at the appropriate
// controller. It is the common entry point invoked by the interrupt entry
// glue with a snapshot of the interrupted register state.
func (d *Dispatcher) HandleInterrupt(regs *Registers) {
	vector := InterruptNumber(regs.Vector)

	if handler := d.handlers[vector]; handler != nil {
		handler(regs)
	}

	if vector >= IRQBase && vector <= lastIRQVector {
		d.eoi(vector)
	}
}

// SetTimerCallback registers fn to run on every timer tick. The dispatcher
// does not interpret the callback; the timer driver owns its meaning.
func (d *Dispatcher) SetTimerCallback(fn func()) {
	d.mu.Acquire()
	d.timerFn = fn
	d.mu.Release()
}

// ConnectMulticore routes end-of-interrupt acknowledgements through the
// local controller whenever active reports that multicore delivery is
// enabled. Until connected, acknowledgements go to the legacy controllers.
func (d *Dispatcher) ConnectMulticore(active func() bool, localEOI func()) {
	d.mu.Acquire()
	d.multicoreActive = active
	d.localEOI = localEOI
	d.mu.Release()
}

// Entry returns the encoded gate for the given vector.
func (d *Dispatcher) Entry(vector InterruptNumber) EncodedEntry {
	return d.table.Entry(vector)
}

// Pointer returns the table pointer that Init loads into the CPU.
func (d *Dispatcher) Pointer() cpu.TablePointer {
	return d.table.Pointer()
}

// eoi acknowledges the interrupt that raised vector. While multicore
// delivery is active and a local controller is connected the acknowledgement
// goes there; otherwise it goes to the legacy controller pair.
func (d *Dispatcher) eoi(vector InterruptNumber) {
	d.mu.Acquire()
	active, localEOI := d.multicoreActive, d.localEOI
	d.mu.Release()

	if active != nil && active() && localEOI != nil {
		localEOI()
		return
	}

	d.irqs.EOI(uint8(vector))
}

// unhandledException reports the exception with the captured register state
// and stops the CPU. It serves as the stub handler for all exception
// vectors.
func (d *Dispatcher) unhandledException(regs *Registers) {
	vector := InterruptNumber(regs.Vector)

	kfmt.Fprintf(d.out, "\nunhandled exception %d (%s)\n", uint8(vector), exceptionNames[vector])
	regs.DumpTo(d.out)

	d.ctrl.Halt()
}

// timerInterrupt runs the registered timer callback. It is the dispatch
// target of the timer vector.
func (d *Dispatcher) timerInterrupt(_ *Registers) {
	d.mu.Acquire()
	fn := d.timerFn
	d.mu.Release()

	if fn != nil {
		fn()
	}
}

// inputInterrupt anchors the gate for the input device line. Consuming the
// controller data is left to a future driver; delivery only requires the
// acknowledgement that HandleInterrupt performs.
func (d *Dispatcher) inputInterrupt(_ *Registers) {
}
