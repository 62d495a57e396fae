// Package gate manages the interrupt descriptor table and routes incoming
// exceptions and hardware interrupts to their handlers.
package gate

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug occurs when a hardware breakpoint or single-step trap fires.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when the INT3 instruction executes.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when the INTO instruction executes while the
	// overflow flag is set.
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// CoprocessorSegmentOverrun is raised by legacy hardware when an FPU
	// memory operand crosses a segment boundary.
	CoprocessorSegmentOverrun = InterruptNumber(9)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit checks
	// fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// VirtualizationException occurs on EPT violations the hypervisor
	// converted for guest delivery.
	VirtualizationException = InterruptNumber(20)
)

// numExceptions is the number of vectors the CPU reserves for exceptions.
const numExceptions = 32

const (
	// IRQBase is the vector where the remapped hardware interrupt lines
	// begin. The power-on defaults of the legacy controllers collide with
	// the exception vectors so the dispatch table setup moves them here.
	IRQBase = InterruptNumber(32)

	// TimerVector is raised by interrupt line 0 once the interval timer
	// has been programmed.
	TimerVector = IRQBase

	// InputVector is raised by interrupt line 1 when the input device
	// controller has data available.
	InputVector = InterruptNumber(33)

	// lastIRQVector is the highest vector served by the legacy interrupt
	// controllers.
	lastIRQVector = InterruptNumber(47)
)

// tableEntries is the number of gates in the interrupt descriptor table.
const tableEntries = 256

// exceptionNames maps exception vectors to their vendor mnemonics for the
// unhandled exception report.
var exceptionNames = [numExceptions]string{
	"division by zero",
	"debug",
	"non-maskable interrupt",
	"breakpoint",
	"overflow",
	"bound range exceeded",
	"invalid opcode",
	"device not available",
	"double fault",
	"coprocessor segment overrun",
	"invalid TSS",
	"segment not present",
	"stack segment fault",
	"general protection fault",
	"page fault",
	"reserved",
	"x87 floating point",
	"alignment check",
	"machine check",
	"SIMD floating point",
	"virtualization",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
}
