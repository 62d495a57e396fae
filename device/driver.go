package device

import (
	"io"

	"metalos/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular piece of
// hardware and returns a driver for it or nil if the hardware is not present.
type ProbeFn func() Driver

// DetectOrder specifies when each driver probe runs relative to the other
// probes of a detection pass.
type DetectOrder int

const (
	// DetectOrderEarly probes run before all other probes.
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI probes run before the ACPI tables are scanned.
	DetectOrderBeforeACPI

	// DetectOrderACPI probes run while the ACPI tables are scanned.
	DetectOrderACPI

	// DetectOrderLast probes run after all other probes.
	DetectOrderLast
)

// DriverInfo associates a driver probe with its detection order.
type DriverInfo struct {
	// Order controls when Probe runs during hardware detection.
	Order DetectOrder

	// Probe checks for the presence of the device and returns a driver
	// for it.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that can be sorted by
// detection order.
type DriverInfoList []*DriverInfo

// Len returns the number of entries in the list.
func (l DriverInfoList) Len() int { return len(l) }

// Less reports whether entry i must be probed before entry j.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap exchanges two list entries.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
