package kernel

// Error describes a kernel-level error. All kernel errors are defined as
// global variables that are pointers to Error so callers can compare
// against them directly; this avoids depending on the Go allocator before
// kernel/goruntime has bootstrapped it.
type Error struct {
	// Module names the package that raised the error.
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
