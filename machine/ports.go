package machine

// Port numbers of the legacy devices the simulated machine wires up.
const (
	portPICPrimaryCmd    = 0x20
	portPICPrimaryData   = 0x21
	portPICSecondaryCmd  = 0xa0
	portPICSecondaryData = 0xa1
	portPITData          = 0x40
	portPITCommand       = 0x43
)

const (
	picCmdInit = 0x11
	picCmdEOI  = 0x20
)

// cascadeLine is the primary chip line the secondary chip is wired to. A
// masked cascade line blocks every secondary line regardless of the
// secondary mask.
const cascadeLine = 2

// picChip models one 8259 controller. The init command arms a handshake
// that consumes the next three data-port bytes (vector offset, cascade
// wiring, mode); once it completes, further data-port writes set the line
// mask.
type picChip struct {
	icwLeft int
	icw     [3]uint8
	mask    uint8
	ready   bool
}

// command handles a command-port write and reports whether it was an
// end-of-interrupt.
func (p *picChip) command(v uint8) bool {
	switch v {
	case picCmdInit:
		p.icwLeft = 3
		p.ready = false
	case picCmdEOI:
		return true
	}

	return false
}

func (p *picChip) data(v uint8) {
	if p.icwLeft > 0 {
		p.icw[3-p.icwLeft] = v
		p.icwLeft--
		p.ready = p.icwLeft == 0
		return
	}

	p.mask = v
}

func (p *picChip) offset() uint8 {
	return p.icw[0]
}

// pitChannel models channel 0 of the 8254 interval timer. The divisor
// arrives on the data port as two bytes, low then high.
type pitChannel struct {
	command    uint8
	divisor    uint16
	loWritten  bool
	programmed bool
}

func (p *pitChannel) writeCommand(v uint8) {
	p.command = v
	p.loWritten = false
	p.programmed = false
}

func (p *pitChannel) writeData(v uint8) {
	if !p.loWritten {
		p.divisor = uint16(v)
		p.loWritten = true
		return
	}

	p.divisor |= uint16(v) << 8
	p.programmed = true
}

// simPorts exposes the machine's legacy devices through the kernel's port
// access contract.
type simPorts struct {
	m *Machine
}

func (p *simPorts) ReadByte(port uint16) uint8 {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	switch port {
	case portPICPrimaryData:
		return p.m.primary.mask
	case portPICSecondaryData:
		return p.m.secondary.mask
	}

	return 0
}

func (p *simPorts) WriteByte(port uint16, value uint8) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	switch port {
	case portPICPrimaryCmd:
		if p.m.primary.command(value) {
			p.m.picEOIs = append(p.m.picEOIs, port)
		}
	case portPICPrimaryData:
		p.m.primary.data(value)
	case portPICSecondaryCmd:
		if p.m.secondary.command(value) {
			p.m.picEOIs = append(p.m.picEOIs, port)
		}
	case portPICSecondaryData:
		p.m.secondary.data(value)
	case portPITCommand:
		p.m.pit.writeCommand(value)
	case portPITData:
		p.m.pit.writeData(value)
	}
}
