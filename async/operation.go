// Package async provides handles for operations that complete later.
package async

import "github.com/tevino/abool"

// Operation is a handle for a pending operation.
// It ends exactly once, either by completion or by cancellation.
type Operation[T any] struct {
	payload T
	cancel  func(T)
	done    abool.AtomicBool
}

// New returns a new operation carrying the given payload.
// The cancel handler is called with the payload when the operation is
// cancelled before it completed.
func New[T any](payload T, cancel func(T)) *Operation[T] {
	return &Operation[T]{
		payload: payload,
		cancel:  cancel,
	}
}

// Payload returns the payload of the operation.
func (op *Operation[T]) Payload() T {
	return op.payload
}

// Cancel cancels the operation.
// Returns false if the operation already completed or was cancelled.
func (op *Operation[T]) Cancel() bool {
	if !op.done.SetToIf(false, true) {
		return false
	}

	if op.cancel != nil {
		op.cancel(op.payload)
	}
	return true
}

// Complete marks the operation as completed.
// Returns false if the operation already completed or was cancelled.
func (op *Operation[T]) Complete() bool {
	return op.done.SetToIf(false, true)
}

// Done returns whether the operation completed or was cancelled.
func (op *Operation[T]) Done() bool {
	return op.done.IsSet()
}
