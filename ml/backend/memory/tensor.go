// tensor.go - Tensor-Struktur und Basis-Methoden
// Enthaelt: Tensor struct, Konstruktoren (FromFloats, FromInts, FromBytes),
// Shape, Bytes, Floats, Close

package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/x448/float16"

	"github.com/ollama/prefixcache/ml"
)

// Tensor is a tensor whose data lives in the Go heap. The device it reports
// is only used for memory accounting.
type Tensor struct {
	b      *Backend
	device ml.Device
	dtype  ml.DType
	shape  []int
	data   []byte

	once   sync.Once
	closed atomic.Bool
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// FromFloats allocates a tensor on d holding s encoded as dtype, which must
// be DTypeF32 or DTypeF16.
func (b *Backend) FromFloats(d ml.Device, dtype ml.DType, s []float32, shape ...int) (*Tensor, error) {
	if len(s) != elements(shape) {
		return nil, fmt.Errorf("%d values do not fit shape %v", len(s), shape)
	}

	var data []byte
	switch dtype {
	case ml.DTypeF32:
		data = make([]byte, 4*len(s))
		for i, f := range s {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(f))
		}
	case ml.DTypeF16:
		data = make([]byte, 2*len(s))
		for i, f := range s {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(f).Bits())
		}
	default:
		return nil, fmt.Errorf("%w: floats as %v", ml.ErrUnsupported, dtype)
	}

	return b.newTensor(d, dtype, data, slices.Clone(shape))
}

// FromInts allocates an DTypeI32 tensor on d.
func (b *Backend) FromInts(d ml.Device, s []int32, shape ...int) (*Tensor, error) {
	if len(s) != elements(shape) {
		return nil, fmt.Errorf("%d values do not fit shape %v", len(s), shape)
	}

	data := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}

	return b.newTensor(d, ml.DTypeI32, data, slices.Clone(shape))
}

// FromBytes allocates a tensor on d with raw data. For dtypes with a known
// element size the length of data must match the shape.
func (b *Backend) FromBytes(d ml.Device, dtype ml.DType, data []byte, shape ...int) (*Tensor, error) {
	if size := dtype.Size(); size != 0 && len(data) != size*elements(shape) {
		return nil, errors.New("data size does not match tensor size")
	}

	return b.newTensor(d, dtype, slices.Clone(data), slices.Clone(shape))
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", t.dtype.String()),
		slog.Any("shape", t.shape),
		slog.String("device", t.device.String()),
	)
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Device() ml.Device {
	return t.device
}

// Bytes returns a copy of the raw tensor data.
func (t *Tensor) Bytes() []byte {
	return slices.Clone(t.data)
}

// Floats decodes the tensor data to float32. It returns nil for dtypes that
// cannot be decoded.
func (t *Tensor) Floats() []float32 {
	switch t.dtype {
	case ml.DTypeF32:
		f := make([]float32, len(t.data)/4)
		for i := range f {
			f[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
		}
		return f
	case ml.DTypeF16:
		f := make([]float32, len(t.data)/2)
		for i := range f {
			f[i] = float16.Frombits(binary.LittleEndian.Uint16(t.data[2*i:])).Float32()
		}
		return f
	case ml.DTypeI32:
		f := make([]float32, len(t.data)/4)
		for i := range f {
			f[i] = float32(int32(binary.LittleEndian.Uint32(t.data[4*i:])))
		}
		return f
	default:
		return nil
	}
}

// Close returns the tensor's memory to its device. The data stays readable
// but the tensor can no longer be transferred.
func (t *Tensor) Close() {
	t.once.Do(func() {
		t.closed.Store(true)
		t.b.free(t.device, uint64(len(t.data)))
	})
}
