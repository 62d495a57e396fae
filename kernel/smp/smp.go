// Package smp discovers the logical cores of the machine and drives the
// vendor startup handshake that brings each secondary core online. The
// bootstrap core runs Init exactly once; woken cores re-enter through
// APEntry to initialize their own local controller and check in.
package smp

import (
	"io"
	"sync/atomic"
	"time"

	"metalos/device"
	"metalos/device/apic"
	"metalos/kernel/cpu"
	"metalos/kernel/kfmt"
	"metalos/kernel/sync"
)

// MaxCPUs is the number of core descriptors the coordinator tracks.
const MaxCPUs = 16

// bootstrapID is the logical ID reserved for the core that boots the kernel.
const bootstrapID = uint8(0)

// trampolineAddr is the fixed low-memory location of the real-mode startup
// routine a woken core executes. The startup IPI carries its page number.
const trampolineAddr = 0x8000

const trampolineVector = uint8(trampolineAddr >> 12)

// defaultCandidateLimit bounds the hardware identities probed when the
// firmware does not supply a core list.
const defaultCandidateLimit = 12

const (
	// initSettle is the time a target core needs to reset after an INIT
	// IPI before it can accept a startup signal.
	initSettle = 10 * time.Millisecond

	// startupSettle separates the two startup IPIs mandated by the
	// vendor protocol.
	startupSettle = 200 * time.Microsecond

	onlinePollInterval = 10 * time.Millisecond
	onlinePollAttempts = 100
)

// sleepFn blocks the bootstrap core for the settle windows of the startup
// handshake. Tests can override it to run bring-up without real delays.
var sleepFn = time.Sleep

// CPUInfo describes one logical core. Descriptors are created during
// bring-up and never destroyed; after Init returns only the online flag of
// a late core can still change.
type CPUInfo struct {
	// ID is the dense logical identity assigned by the coordinator. The
	// bootstrap core is always 0.
	ID uint8

	// APICID is the sparse hardware identity used to address IPIs at
	// this core.
	APICID uint8

	// KernelStack points at the per-core kernel stack. Reserved; no
	// stack is assigned yet.
	KernelStack uint64

	online uint32
}

// Online returns whether the core has reached its check-in point.
func (c *CPUInfo) Online() bool {
	return atomic.LoadUint32(&c.online) == 1
}

func (c *CPUInfo) setOnline() {
	atomic.StoreUint32(&c.online, 1)
}

// Config carries the hardware access strategies the coordinator drives.
type Config struct {
	// CPUID answers capability queries for the bootstrap core. A nil
	// function reports no capabilities.
	CPUID cpu.IDFunc

	// Registers is the local interrupt controller window of the calling
	// core.
	Registers device.RegisterBlock

	// Candidates lists the hardware identities to probe, typically from
	// the firmware's core table. When empty, a bounded sequential range
	// is probed instead.
	Candidates []uint8
}

// Coordinator owns the core descriptor table and the multicore-active
// state shared with the interrupt dispatcher.
type Coordinator struct {
	mu      sync.Spinlock
	cpus    [MaxCPUs]CPUInfo
	count   uint8
	enabled uint32

	lapic      *apic.LAPIC
	idFn       cpu.IDFunc
	candidates []uint8
}

// NewCoordinator returns a coordinator that tracks a single offline
// bootstrap core until Init runs.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		lapic:      apic.New(cfg.Registers),
		idFn:       cfg.CPUID,
		candidates: cfg.Candidates,
	}

	if c.idFn == nil {
		c.idFn = cpu.MissingID
	}

	if len(c.candidates) == 0 {
		for id := uint8(0); id < defaultCandidateLimit; id++ {
			c.candidates = append(c.candidates, id)
		}
	}

	return c
}

// Init records the bootstrap core and attempts to start every candidate
// core. Without local controller capability the machine stays in
// single-core mode; candidates that never check in are skipped. Progress
// is reported to w.
func (c *Coordinator) Init(w io.Writer) {
	if !apic.Available(c.idFn) {
		c.recordBootstrap(0)
		kfmt.Fprintf(w, "no local interrupt controller; staying on the bootstrap core\n")
		return
	}

	if err := c.lapic.DriverInit(w); err != nil {
		c.recordBootstrap(0)
		kfmt.Fprintf(w, "%s; staying on the bootstrap core\n", err.Message)
		return
	}

	bspID := c.lapic.ID()
	c.recordBootstrap(bspID)

	for _, apicID := range c.candidates {
		if apicID == bspID {
			continue
		}

		c.mu.Acquire()
		slot := c.count
		full := slot >= MaxCPUs
		if !full {
			c.recordCPU(slot, apicID)
		}
		c.mu.Release()

		if full {
			break
		}

		if c.startAP(apicID, &c.cpus[slot]) {
			c.mu.Acquire()
			c.count++
			c.mu.Release()
			kfmt.Fprintf(w, "core %d online, controller id %d\n", slot, apicID)
		} else {
			kfmt.Fprintf(w, "controller id %d did not respond; skipping\n", apicID)
		}
	}

	if c.CPUCount() > 1 {
		atomic.StoreUint32(&c.enabled, 1)
	}

	kfmt.Fprintf(w, "%d core(s) online, multicore %t\n", c.count, c.IsEnabled())
}

func (c *Coordinator) recordBootstrap(apicID uint8) {
	c.mu.Acquire()
	c.recordCPU(bootstrapID, apicID)
	c.count = 1
	c.mu.Release()

	c.cpus[bootstrapID].setOnline()
}

// recordCPU resets the descriptor at slot id for a new candidate. The
// caller must hold mu.
func (c *Coordinator) recordCPU(id, apicID uint8) {
	info := &c.cpus[id]
	info.ID = id
	info.APICID = apicID
	info.KernelStack = 0
	atomic.StoreUint32(&info.online, 0)
}

// startAP runs the vendor startup handshake against one candidate core:
// an INIT IPI to reset it, then two startup IPIs carrying the trampoline
// page (older silicon may miss the first), then a bounded poll of the
// candidate's online flag. A candidate that never checks in is reported
// as failed without affecting the others.
func (c *Coordinator) startAP(apicID uint8, info *CPUInfo) bool {
	c.lapic.SendIPI(apicID, 0, apic.ModeInit)
	sleepFn(initSettle)

	c.lapic.SendIPI(apicID, trampolineVector, apic.ModeStartup)
	sleepFn(startupSettle)

	c.lapic.SendIPI(apicID, trampolineVector, apic.ModeStartup)
	sleepFn(startupSettle)

	for attempt := 0; attempt < onlinePollAttempts; attempt++ {
		if info.Online() {
			return true
		}

		sleepFn(onlinePollInterval)
	}

	return false
}

// APEntry is the kernel-side check-in path for a core that just left the
// trampoline. It initializes the core's own local controller through the
// supplied register window and marks the core online.
func (c *Coordinator) APEntry(regs device.RegisterBlock) {
	l := apic.New(regs)
	l.Init()

	c.MarkCPUOnline(c.LogicalID(l.ID()))
}

// MarkCPUOnline flags the descriptor for id as online. Invalid ids are
// ignored. This is the only mutation a woken core performs on shared
// bring-up state.
func (c *Coordinator) MarkCPUOnline(id uint8) {
	if id >= MaxCPUs {
		return
	}

	c.mu.Acquire()
	c.cpus[id].setOnline()
	c.mu.Release()
}

// LogicalID maps a hardware controller identity to the logical ID of its
// descriptor. Unknown identities map to the bootstrap core.
func (c *Coordinator) LogicalID(apicID uint8) uint8 {
	c.mu.Acquire()
	defer c.mu.Release()

	// The slot at index count holds the candidate currently being
	// started; its descriptor must be visible so the candidate can find
	// its own identity.
	for i := uint8(0); i < MaxCPUs && i <= c.count; i++ {
		if c.cpus[i].APICID == apicID {
			return c.cpus[i].ID
		}
	}

	return bootstrapID
}

// CurrentCPU returns the logical ID of the calling core. While multicore
// mode is inactive this is always the bootstrap core regardless of the
// caller's hardware identity; afterwards the identity is read through the
// caller's controller window and looked up in the descriptor table.
func (c *Coordinator) CurrentCPU() uint8 {
	if !c.IsEnabled() {
		return bootstrapID
	}

	return c.LogicalID(c.lapic.ID())
}

// CPUCount returns the number of cores that completed bring-up. It is at
// least 1 once Init has run.
func (c *Coordinator) CPUCount() int {
	c.mu.Acquire()
	defer c.mu.Release()

	return int(c.count)
}

// IsEnabled returns whether more than one core came online. The dispatcher
// reads this on every hardware interrupt to pick the acknowledgement path.
func (c *Coordinator) IsEnabled() bool {
	return atomic.LoadUint32(&c.enabled) == 1
}

// CPUInfo returns the descriptor for the given logical ID, or nil when the
// ID can never be valid.
func (c *Coordinator) CPUInfo(id uint8) *CPUInfo {
	if id >= MaxCPUs {
		return nil
	}

	return &c.cpus[id]
}

// BootController exposes the bootstrap core's local controller so the boot
// sequence can wire its acknowledgement path into the dispatcher.
func (c *Coordinator) BootController() *apic.LAPIC {
	return c.lapic
}
