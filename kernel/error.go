package kernel

// Error describes an error raised by one of the kernel subsystems. All kernel
// errors must be defined as global variables that are pointers to the Error
// structure. Error values are compared by identity so each subsystem declares
// its failure modes once and returns the same pointer for every occurrence.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
