// Package table provides parsers for the ACPI tables consumed during
// bring-up. Firmware hands the kernel raw table images; the parsers validate
// and decode them without retaining references to the underlying buffers.
package table

import (
	"encoding/binary"

	"metalos/kernel"
)

// sdtHeaderLen is the encoded size of the common system descriptor table
// header.
const sdtHeaderLen = 36

var (
	errShortTable            = &kernel.Error{Module: "acpi_table", Message: "table image is shorter than its declared length"}
	errBadSignature          = &kernel.Error{Module: "acpi_table", Message: "unexpected table signature"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi_table", Message: "detected checksum mismatch while parsing ACPI table header"}
	errMalformedEntry        = &kernel.Error{Module: "acpi_table", Message: "encountered malformed interrupt controller entry"}
)

// SDTHeader defines the common header for all ACPI-related tables.
type SDTHeader struct {
	// The signature defines the table type.
	Signature [4]byte

	// The length of the table including the header.
	Length uint32

	Revision uint8

	// A value that when added to the sum of all other bytes in the table
	// should result in the value 0.
	Checksum uint8

	// OEM specific information
	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	// Information about the ASL compiler that generated this table
	CreatorID       uint32
	CreatorRevision uint32
}

// decodeSDTHeader parses the common table header from the beginning of data
// and verifies that the declared table contents are fully present and
// checksum clean.
func decodeSDTHeader(data []byte) (SDTHeader, *kernel.Error) {
	var hdr SDTHeader

	if len(data) < sdtHeaderLen {
		return hdr, errShortTable
	}

	copy(hdr.Signature[:], data[0:4])
	hdr.Length = binary.LittleEndian.Uint32(data[4:8])
	hdr.Revision = data[8]
	hdr.Checksum = data[9]
	copy(hdr.OEMID[:], data[10:16])
	copy(hdr.OEMTableID[:], data[16:24])
	hdr.OEMRevision = binary.LittleEndian.Uint32(data[24:28])
	hdr.CreatorID = binary.LittleEndian.Uint32(data[28:32])
	hdr.CreatorRevision = binary.LittleEndian.Uint32(data[32:36])

	if hdr.Length < sdtHeaderLen || uint32(len(data)) < hdr.Length {
		return hdr, errShortTable
	}

	var sum uint8
	for _, b := range data[:hdr.Length] {
		sum += b
	}
	if sum != 0 {
		return hdr, errTableChecksumMismatch
	}

	return hdr, nil
}

// madtSignature identifies the multiple APIC description table.
const madtSignature = "APIC"

// Interrupt controller entry types used by the MADT parser.
const (
	entryTypeLocalAPIC = 0
)

// localAPICEnabled marks a processor local APIC entry as usable.
const localAPICEnabled = 1 << 0

// LocalAPIC describes one processor local APIC entry of the MADT.
type LocalAPIC struct {
	// ProcessorID is the ACPI processor identity.
	ProcessorID uint8

	// APICID is the hardware identity of the core's local APIC.
	APICID uint8

	// Flags holds the entry flags; bit 0 marks the processor as enabled.
	Flags uint32
}

// Enabled returns true if the firmware marked the processor as usable.
func (l LocalAPIC) Enabled() bool {
	return l.Flags&localAPICEnabled != 0
}

// MADT holds the decoded multiple APIC description table. The bring-up
// coordinator uses its processor entries as the list of startup candidates.
type MADT struct {
	Header SDTHeader

	// LocalControllerAddress is the physical address of the per-core local
	// APIC register window.
	LocalControllerAddress uint32

	// Flags holds the table flags; bit 0 indicates that legacy 8259 chips
	// are present and must be masked.
	Flags uint32

	// LocalAPICs lists the processor local APIC entries in table order.
	LocalAPICs []LocalAPIC
}

// ParseMADT decodes a multiple APIC description table from the raw image
// handed over by the firmware.
func ParseMADT(data []byte) (*MADT, *kernel.Error) {
	hdr, err := decodeSDTHeader(data)
	if err != nil {
		return nil, err
	}

	if string(hdr.Signature[:]) != madtSignature {
		return nil, errBadSignature
	}

	if hdr.Length < sdtHeaderLen+8 {
		return nil, errShortTable
	}

	madt := &MADT{
		Header:                 hdr,
		LocalControllerAddress: binary.LittleEndian.Uint32(data[36:40]),
		Flags:                  binary.LittleEndian.Uint32(data[40:44]),
	}

	for offset := uint32(sdtHeaderLen + 8); offset < hdr.Length; {
		if offset+2 > hdr.Length {
			return nil, errMalformedEntry
		}

		entryType := data[offset]
		entryLen := uint32(data[offset+1])
		if entryLen < 2 || offset+entryLen > hdr.Length {
			return nil, errMalformedEntry
		}

		if entryType == entryTypeLocalAPIC {
			if entryLen < 8 {
				return nil, errMalformedEntry
			}

			madt.LocalAPICs = append(madt.LocalAPICs, LocalAPIC{
				ProcessorID: data[offset+2],
				APICID:      data[offset+3],
				Flags:       binary.LittleEndian.Uint32(data[offset+4 : offset+8]),
			})
		}

		offset += entryLen
	}

	return madt, nil
}

// EnabledAPICIDs returns the hardware identities of all processors the
// firmware marked as usable, in table order.
func (m *MADT) EnabledAPICIDs() []uint8 {
	var ids []uint8
	for _, lapic := range m.LocalAPICs {
		if lapic.Enabled() {
			ids = append(ids, lapic.APICID)
		}
	}
	return ids
}
