package machine

// Register offsets of the simulated local interrupt controller window.
const (
	lapicRegID       = 0x20
	lapicRegVersion  = 0x30
	lapicRegTPR      = 0x80
	lapicRegEOI      = 0xb0
	lapicRegSpurious = 0xf0
	lapicRegICRLow   = 0x300
	lapicRegICRHigh  = 0x310
)

// lapicVersion is reported by the version register of every simulated
// controller.
const lapicVersion = 0x15

const (
	lapicBusyBit   = 1 << 12
	ipiModeMask    = 0x700
	ipiModeInit    = 0x500
	ipiModeStartup = 0x600
	lapicEnableBit = 1 << 8
)

type ipiMessage struct {
	vector uint8
	mode   uint32
}

// lapicWindow is the per-core register view handed to kernel code. The
// bootstrap core receives its window at boot; every woken core receives
// its own when it enters the kernel.
type lapicWindow struct {
	m    *Machine
	core *simCore
}

func (w *lapicWindow) Read(offset uint32) uint32 {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	switch offset {
	case lapicRegID:
		return uint32(w.core.apicID) << 24
	case lapicRegVersion:
		return lapicVersion
	case lapicRegTPR:
		return w.core.tpr
	case lapicRegSpurious:
		return w.core.spurious
	case lapicRegICRLow:
		// Delivery completes instantly in this model; the busy bit
		// always reads clear.
		return w.core.icrLow &^ lapicBusyBit
	case lapicRegICRHigh:
		return w.core.icrHigh
	}

	return 0
}

func (w *lapicWindow) Write(offset, value uint32) {
	var (
		ev   Event
		emit bool
	)

	w.m.mu.Lock()
	switch offset {
	case lapicRegTPR:
		w.core.tpr = value
	case lapicRegSpurious:
		w.core.spurious = value
	case lapicRegEOI:
		w.core.eois++
	case lapicRegICRHigh:
		w.core.icrHigh = value
	case lapicRegICRLow:
		w.core.icrLow = value

		dest := uint8(w.core.icrHigh >> 24)
		msg := ipiMessage{vector: uint8(value), mode: value & ipiModeMask}
		if !w.m.stopped {
			for _, c := range w.m.cores {
				if c.apicID != dest || c.bootstrap {
					continue
				}

				// Sent under mu so Stop cannot close the channel
				// between the stopped check and the send. The send
				// never blocks; a full buffer drops the signal.
				select {
				case c.ipi <- msg:
				default:
				}
				break
			}
		}

		ev = Event{Kind: EventIPI, Core: dest, Vector: msg.vector, Mode: msg.mode}
		emit = true
	}
	w.m.mu.Unlock()

	if emit {
		w.m.observe(ev)
	}
}
