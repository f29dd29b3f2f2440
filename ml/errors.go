// errors.go - Fehlertypen fuer Tensor-Transfers
package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMem is the cause of a transfer that failed because the
	// destination does not have enough free memory.
	ErrNoMem = errors.New("insufficient memory")

	// ErrUnsupported is the cause of a transfer that the backend cannot
	// perform for the tensor's type or shape.
	ErrUnsupported = errors.New("transfer not supported")
)

// TransferError is returned when a tensor could not be moved to another device.
type TransferError struct {
	From, To Device
	DType    DType
	Shape    []int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %v%v from %v to %v: %v", e.DType, e.Shape, e.From, e.To, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
