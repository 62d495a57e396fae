package pic

import (
	"testing"
)

type portWrite struct {
	port  uint16
	value uint8
}

type fakePorts struct {
	values map[uint16]uint8
	log    []portWrite
}

func newFakePorts() *fakePorts {
	return &fakePorts{values: make(map[uint16]uint8)}
}

func (p *fakePorts) ReadByte(port uint16) uint8 {
	return p.values[port]
}

func (p *fakePorts) WriteByte(port uint16, value uint8) {
	p.values[port] = value
	p.log = append(p.log, portWrite{port, value})
}

func TestRemapHandshake(t *testing.T) {
	ports := newFakePorts()
	drv := NewDriver(ports)

	drv.Remap(32)

	expWrites := []portWrite{
		{primaryCommandPort, icwInit},
		{secondaryCommandPort, icwInit},
		{primaryDataPort, 32},
		{secondaryDataPort, 40},
		{primaryDataPort, icw3Primary},
		{secondaryDataPort, icw3Secondary},
		{primaryDataPort, icw4Mode8086},
		{secondaryDataPort, icw4Mode8086},
		{primaryDataPort, maskAll},
		{secondaryDataPort, maskAll},
	}

	if got := len(ports.log); got != len(expWrites) {
		t.Fatalf("expected remap to perform %d port writes; got %d", len(expWrites), got)
	}

	for i, exp := range expWrites {
		if ports.log[i] != exp {
			t.Errorf("[write %d] expected port 0x%x <- 0x%x; got port 0x%x <- 0x%x",
				i, exp.port, exp.value, ports.log[i].port, ports.log[i].value)
		}
	}

	if got := drv.Offset(); got != 32 {
		t.Errorf("expected Offset() to return 32; got %d", got)
	}
}

func TestRemapMasksAllLines(t *testing.T) {
	ports := newFakePorts()
	drv := NewDriver(ports)

	drv.Remap(32)

	if got := ports.values[primaryDataPort]; got != maskAll {
		t.Errorf("expected primary mask register to be 0x%x; got 0x%x", maskAll, got)
	}

	if got := ports.values[secondaryDataPort]; got != maskAll {
		t.Errorf("expected secondary mask register to be 0x%x; got 0x%x", maskAll, got)
	}
}

func TestEOI(t *testing.T) {
	specs := []struct {
		vector    uint8
		expWrites []portWrite
	}{
		// primary line vectors only acknowledge the primary chip
		{32, []portWrite{{primaryCommandPort, cmdEOI}}},
		{39, []portWrite{{primaryCommandPort, cmdEOI}}},
		// secondary line vectors acknowledge the secondary chip first
		{40, []portWrite{{secondaryCommandPort, cmdEOI}, {primaryCommandPort, cmdEOI}}},
		{47, []portWrite{{secondaryCommandPort, cmdEOI}, {primaryCommandPort, cmdEOI}}},
	}

	for specIndex, spec := range specs {
		ports := newFakePorts()
		drv := NewDriver(ports)
		drv.offset = 32

		drv.EOI(spec.vector)

		if got := len(ports.log); got != len(spec.expWrites) {
			t.Errorf("[spec %d] expected %d port writes; got %d", specIndex, len(spec.expWrites), got)
			continue
		}

		for i, exp := range spec.expWrites {
			if ports.log[i] != exp {
				t.Errorf("[spec %d] expected write %d to be port 0x%x <- 0x%x; got port 0x%x <- 0x%x",
					specIndex, i, exp.port, exp.value, ports.log[i].port, ports.log[i].value)
			}
		}
	}
}

func TestMaskAndUnmaskLine(t *testing.T) {
	ports := newFakePorts()
	drv := NewDriver(ports)

	drv.Remap(32)

	drv.UnmaskLine(0)
	if got := ports.values[primaryDataPort]; got != 0xfe {
		t.Errorf("expected primary mask 0xfe after unmasking line 0; got 0x%x", got)
	}

	drv.UnmaskLine(9)
	if got := ports.values[secondaryDataPort]; got != 0xfd {
		t.Errorf("expected secondary mask 0xfd after unmasking line 9; got 0x%x", got)
	}

	drv.MaskLine(0)
	if got := ports.values[primaryDataPort]; got != maskAll {
		t.Errorf("expected primary mask 0x%x after masking line 0; got 0x%x", maskAll, got)
	}

	drv.MaskLine(9)
	if got := ports.values[secondaryDataPort]; got != maskAll {
		t.Errorf("expected secondary mask 0x%x after masking line 9; got 0x%x", maskAll, got)
	}
}
