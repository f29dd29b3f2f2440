// tensor.go - Tensor- und Transfer-Schnittstellen
// Dieses Modul definiert die minimale Tensor-Schnittstelle, die der
// Prefix-Cache benoetigt, sowie die Transferer-Schnittstelle zum
// Verschieben von Tensoren zwischen Geraete- und Host-Speicher.
package ml

// Tensor is a handle to a multi-dimensional array located on a Device.
// Handles may be shared; holders must not mutate the contents.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Device reports where the tensor data is physically located.
	Device() Device

	Bytes() []byte
	Floats() []float32
}

// Transferer moves tensors between memory locations. Transfer always returns
// a new, independently owned tensor located on dst, even when t already lives
// there. Failures are reported as *TransferError.
type Transferer interface {
	Transfer(t Tensor, dst Device) (Tensor, error)
}

// Closer is implemented by tensors whose memory can be released explicitly.
type Closer interface {
	Close()
}

// Nbytes returns the size of the tensor data in bytes.
func Nbytes(t Tensor) uint64 {
	if t == nil {
		return 0
	}

	n := uint64(t.DType().Size())
	for _, d := range t.Shape() {
		n *= uint64(d)
	}
	return n
}

// Release frees the tensor's memory if the backend supports it.
func Release(t Tensor) {
	if c, ok := t.(Closer); ok {
		c.Close()
	}
}
