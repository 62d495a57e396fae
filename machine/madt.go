package machine

import "encoding/binary"

// madtLocalControllerAddress is the conventional physical address of the
// local controller register window published by the firmware tables.
const madtLocalControllerAddress = 0xfee00000

// buildMADT assembles the multiple APIC description table image the
// firmware hands the kernel: the common 36 byte header, the local
// controller address and flags, then one processor entry per configured
// core. Disabled cores are listed with their enabled flag cleared.
func buildMADT(cores []CoreConfig) []byte {
	buf := make([]byte, 44, 44+8*len(cores))

	copy(buf[0:4], "APIC")
	buf[8] = 3
	copy(buf[10:16], "METAL ")
	copy(buf[16:24], "SIMULATR")
	binary.LittleEndian.PutUint32(buf[24:28], 1)
	copy(buf[28:32], "MTLS")
	binary.LittleEndian.PutUint32(buf[32:36], 1)

	binary.LittleEndian.PutUint32(buf[36:40], madtLocalControllerAddress)
	binary.LittleEndian.PutUint32(buf[40:44], 1)

	for i, core := range cores {
		flags := uint32(1)
		if core.Disabled {
			flags = 0
		}

		entry := [8]byte{0, 8, uint8(i), core.APICID}
		binary.LittleEndian.PutUint32(entry[4:8], flags)
		buf = append(buf, entry[:]...)
	}

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))

	var sum uint8
	for _, b := range buf {
		sum += b
	}
	buf[9] = -sum

	return buf
}
