package gdt

import (
	"testing"

	"metalos/kernel/cpu"
)

func TestTableLayout(t *testing.T) {
	table := NewTable()

	specs := []struct {
		sel       Selector
		expAccess uint8
		expFlags  uint8
	}{
		{SelectorNull, 0x00, 0x0},
		{SelectorKernelCS, 0x9a, 0xa},
		{SelectorKernelDS, 0x92, 0xc},
		{SelectorUserCS, 0xfa, 0xa},
		{SelectorUserDS, 0xf2, 0xc},
	}

	for specIndex, spec := range specs {
		entry := table.Entry(spec.sel)

		if got := entry.Access(); got != spec.expAccess {
			t.Errorf("[spec %d] expected access byte 0x%x; got 0x%x", specIndex, spec.expAccess, got)
		}

		if got := entry.Flags(); got != spec.expFlags {
			t.Errorf("[spec %d] expected flag nibble 0x%x; got 0x%x", specIndex, spec.expFlags, got)
		}

		if spec.sel == SelectorNull {
			if entry != 0 {
				t.Errorf("[spec %d] expected the null descriptor to be zero; got 0x%x", specIndex, uint64(entry))
			}
			continue
		}

		if got := entry.Base(); got != 0 {
			t.Errorf("[spec %d] expected base 0; got 0x%x", specIndex, got)
		}

		if got := entry.Limit(); got != 0xfffff {
			t.Errorf("[spec %d] expected limit 0xfffff; got 0x%x", specIndex, got)
		}

		if !entry.Present() {
			t.Errorf("[spec %d] expected the descriptor to be marked present", specIndex)
		}

		if !entry.PageGranular() {
			t.Errorf("[spec %d] expected the descriptor to use page granularity", specIndex)
		}
	}
}

func TestTablePrivilegeLevels(t *testing.T) {
	table := NewTable()

	for specIndex, spec := range []struct {
		sel     Selector
		expDPL  uint8
		expCode bool
	}{
		{SelectorKernelCS, 0, true},
		{SelectorKernelDS, 0, false},
		{SelectorUserCS, 3, true},
		{SelectorUserDS, 3, false},
	} {
		entry := table.Entry(spec.sel)

		if got := entry.DPL(); got != spec.expDPL {
			t.Errorf("[spec %d] expected DPL %d; got %d", specIndex, spec.expDPL, got)
		}

		if got := entry.Executable(); got != spec.expCode {
			t.Errorf("[spec %d] expected Executable() to return %t; got %t", specIndex, spec.expCode, got)
		}

		if !entry.Writable() {
			t.Errorf("[spec %d] expected the descriptor to be readable/writable", specIndex)
		}
	}
}

func TestCodeSegmentsUseLongMode(t *testing.T) {
	table := NewTable()

	for _, sel := range []Selector{SelectorKernelCS, SelectorUserCS} {
		entry := table.Entry(sel)
		if !entry.LongMode() {
			t.Errorf("expected code segment 0x%x to set the long mode flag", uint16(sel))
		}
		if entry.Size32() {
			t.Errorf("expected code segment 0x%x to clear the 32-bit operand flag", uint16(sel))
		}
	}

	for _, sel := range []Selector{SelectorKernelDS, SelectorUserDS} {
		entry := table.Entry(sel)
		if entry.LongMode() {
			t.Errorf("expected data segment 0x%x to clear the long mode flag", uint16(sel))
		}
	}
}

func TestDescriptorEncodeRoundTrip(t *testing.T) {
	desc := Descriptor{
		Base:            0x11223344,
		Limit:           0xabcde,
		Present:         true,
		DPL:             2,
		Code:            true,
		Writable:        true,
		LongMode:        true,
		PageGranularity: true,
	}

	enc := desc.Encode()

	if got := enc.Base(); got != desc.Base {
		t.Errorf("expected decoded base 0x%x; got 0x%x", desc.Base, got)
	}

	if got := enc.Limit(); got != desc.Limit {
		t.Errorf("expected decoded limit 0x%x; got 0x%x", desc.Limit, got)
	}

	if got := enc.DPL(); got != desc.DPL {
		t.Errorf("expected decoded DPL %d; got %d", desc.DPL, got)
	}

	if !enc.Present() || !enc.Executable() || !enc.Writable() || !enc.LongMode() || !enc.PageGranular() {
		t.Errorf("expected decoded attribute bits to match the descriptor; got access 0x%x flags 0x%x", enc.Access(), enc.Flags())
	}
}

type recordingControl struct {
	gdtLoads []cpu.TablePointer
	idtLoads []cpu.TablePointer
	sti      int
	halts    int
}

func (c *recordingControl) LoadGDT(ptr cpu.TablePointer) { c.gdtLoads = append(c.gdtLoads, ptr) }
func (c *recordingControl) LoadIDT(ptr cpu.TablePointer) { c.idtLoads = append(c.idtLoads, ptr) }
func (c *recordingControl) EnableInterrupts()            { c.sti++ }
func (c *recordingControl) Halt()                        { c.halts++ }

func TestInitLoadsTable(t *testing.T) {
	var ctrl recordingControl

	table := Init(&ctrl)

	if len(ctrl.gdtLoads) != 1 {
		t.Fatalf("expected Init to load the GDT exactly once; got %d loads", len(ctrl.gdtLoads))
	}

	ptr := ctrl.gdtLoads[0]
	if exp := uint16(tableEntries*8 - 1); ptr.Limit != exp {
		t.Errorf("expected table pointer limit %d; got %d", exp, ptr.Limit)
	}

	if exp := table.Pointer().Base; ptr.Base != exp {
		t.Errorf("expected table pointer base 0x%x; got 0x%x", exp, ptr.Base)
	}

	if ptr.Base == 0 {
		t.Error("expected table pointer base to reference the table entries")
	}
}
