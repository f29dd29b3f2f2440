// backend.go - In-Process Tensor-Backend
//
// Dieses Modul enthaelt ein Backend, das Tensoren im Go-Heap haelt und
// Geraete-Speicher nur buchhalterisch simuliert:
// - New/AddDevice: Geraete registrieren, optional mit Speicherlimit
// - Memory: Speicherverbrauch pro Geraet
// - Transfer: Tensoren zwischen Geraeten kopieren (ml.Transferer)
//
// Es dient als Referenz-Laufzeit fuer Tests und das bench-Kommando.
package memory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ollama/prefixcache/logutil"
	"github.com/ollama/prefixcache/ml"
)

type deviceState struct {
	device  ml.Device
	limit   uint64
	used    uint64
	tensors int
}

// Backend allocates tensors on registered devices and moves them between
// devices. It is safe for concurrent use.
type Backend struct {
	mu      sync.Mutex
	devices map[ml.DeviceID]*deviceState
}

// New returns a backend with host memory (ml.CPU) registered without a limit.
func New() *Backend {
	b := &Backend{devices: make(map[ml.DeviceID]*deviceState)}
	b.AddDevice(ml.CPU, 0)
	return b
}

// AddDevice registers d with a memory limit in bytes. A limit of 0 disables
// the check. Registering an existing device updates its limit.
func (b *Backend) AddDevice(d ml.Device, limit uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.devices[d.DeviceID]; ok {
		s.limit = limit
		return
	}

	b.devices[d.DeviceID] = &deviceState{device: d, limit: limit}
}

// Memory reports the current usage of d.
func (b *Backend) Memory(d ml.Device) ml.DeviceMemory {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.devices[d.DeviceID]
	if !ok {
		return ml.DeviceMemory{Device: d}
	}

	return ml.DeviceMemory{Device: s.device, Used: s.used, Limit: s.limit, Tensors: s.tensors}
}

func (b *Backend) alloc(d ml.Device, n uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.devices[d.DeviceID]
	if !ok {
		return fmt.Errorf("%w: unknown device %v", ml.ErrUnsupported, d)
	}

	if s.limit != 0 && s.used+n > s.limit {
		return fmt.Errorf("%w: requested %d bytes, %d of %d in use", ml.ErrNoMem, n, s.used, s.limit)
	}

	s.used += n
	s.tensors++
	return nil
}

func (b *Backend) free(d ml.Device, n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.devices[d.DeviceID]; ok {
		s.used -= min(n, s.used)
		s.tensors = max(s.tensors-1, 0)
	}
}

func (b *Backend) newTensor(d ml.Device, dtype ml.DType, data []byte, shape []int) (*Tensor, error) {
	t := &Tensor{b: b, device: d, dtype: dtype, shape: shape, data: data}
	if err := b.alloc(d, uint64(len(data))); err != nil {
		return nil, err
	}
	return t, nil
}

// Transfer copies t to dst. The source tensor is left untouched.
func (b *Backend) Transfer(t ml.Tensor, dst ml.Device) (ml.Tensor, error) {
	transferErr := func(err error) error {
		return &ml.TransferError{From: t.Device(), To: dst, DType: t.DType(), Shape: t.Shape(), Err: err}
	}

	if t.DType().Size() == 0 {
		return nil, transferErr(ml.ErrUnsupported)
	}

	if src, ok := t.(*Tensor); ok && src.closed.Load() {
		return nil, transferErr(fmt.Errorf("%w: tensor has been released", ml.ErrUnsupported))
	}

	data := t.Bytes()
	if uint64(len(data)) != ml.Nbytes(t) {
		return nil, transferErr(fmt.Errorf("%w: %d bytes for shape %v", ml.ErrUnsupported, len(data), t.Shape()))
	}

	out, err := b.newTensor(dst, t.DType(), data, t.Shape())
	if err != nil {
		return nil, transferErr(err)
	}

	logutil.Trace("tensor transfer", "from", t.Device(), "to", dst, "tensor", out)
	return out, nil
}

// LogValue reports memory of all registered devices.
func (b *Backend) LogValue() slog.Value {
	b.mu.Lock()
	defer b.mu.Unlock()

	attrs := make([]slog.Attr, 0, len(b.devices))
	for _, s := range b.devices {
		m := ml.DeviceMemory{Device: s.device, Used: s.used, Limit: s.limit, Tensors: s.tensors}
		attrs = append(attrs, slog.Any(s.device.String(), m))
	}
	return slog.GroupValue(attrs...)
}
