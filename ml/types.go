// types.go - Datentypen fuer Tensor-Elemente
// Dieses Modul definiert DType und die Elementgroessen pro Datentyp.
package ml

import "fmt"

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeI32
)

// Size returns the number of bytes a single element of this type occupies.
// It is 0 for DTypeOther.
func (t DType) Size() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16:
		return 2
	default:
		return 0
	}
}

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeI32:
		return "i32"
	case DTypeOther:
		return "other"
	default:
		return fmt.Sprintf("DType(%d)", int(t))
	}
}
