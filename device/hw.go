package device

// RegisterBlock provides 32-bit wide access to a window of memory-mapped
// device registers. Offsets are expressed in bytes relative to the start of
// the window. Drivers hold a RegisterBlock instead of raw addresses so the
// same driver code runs against real hardware and against the test platform.
type RegisterBlock interface {
	// Read returns the value of the register at the given offset.
	Read(offset uint32) uint32

	// Write stores value into the register at the given offset.
	Write(offset uint32, value uint32)
}

// Ports provides access to the legacy x86 I/O port space.
type Ports interface {
	// ReadByte reads a uint8 value from the requested port.
	ReadByte(port uint16) uint8

	// WriteByte writes a uint8 value to the requested port.
	WriteByte(port uint16, value uint8)
}
