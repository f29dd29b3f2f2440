// memory.go
// Dieses Modul enthaelt DeviceMemory fuer die Speicher-Buchhaltung pro
// Geraet (Host-RAM, simulierter Geraete-Speicher).

package ml

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// DeviceMemory reports memory usage of a single device.
type DeviceMemory struct {
	Device

	// Used is the number of bytes currently allocated to live tensors.
	Used uint64

	// Limit is the total number of bytes the device can hold. Zero means
	// the backend does not enforce a limit.
	Limit uint64

	// Tensors is the number of live tensors on the device.
	Tensors int
}

// Free returns the remaining bytes on the device, or 0 if unlimited.
func (m DeviceMemory) Free() uint64 {
	if m.Limit == 0 || m.Used >= m.Limit {
		return 0
	}
	return m.Limit - m.Used
}

func (m DeviceMemory) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("device", m.Device.String()),
		slog.String("used", humanize.IBytes(m.Used)),
		slog.Int("tensors", m.Tensors),
	}

	if m.Limit != 0 {
		attrs = append(attrs, slog.String("limit", humanize.IBytes(m.Limit)))
	}

	return slog.GroupValue(attrs...)
}
