// Package errors provides a no-allocation error type for use by post-heap
// kernel packages (those that run after goruntime.Init has bootstrapped the
// Go allocator) that still want to avoid the standard errors.New convention
// of allocating a new backing struct per call site.
package errors

var (
	// ErrInvalidParamValue indicates a caller supplied an out-of-domain value.
	ErrInvalidParamValue = KernelError("invalid parameter value")

	// ErrClosed indicates an operation on an already-closed resource.
	ErrClosed = KernelError("resource closed")

	// ErrExhausted indicates a bounded pool (IDs, vectors, slots) has no capacity left.
	ErrExhausted = KernelError("pool exhausted")

	// ErrNotRegistered indicates a lookup by name/key found no registration.
	ErrNotRegistered = KernelError("not registered")
)

// KernelError is a trivial implementation of a kernel error message that doens't
// require a memory allocation. It is used as an alternative to errors.New.
type KernelError string

// Error implements the error interface.
func (err KernelError) Error() string {
	return string(err)
}
