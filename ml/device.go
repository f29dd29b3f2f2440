// device.go - Geraete-Identifikation
// Dieses Modul enthaelt DeviceID und Device sowie den Host-Speicher (CPU)
// als festen Speicherort fuer ausgelagerte Tensoren.
package ml

import "log/slog"

// Minimal unique device identification
type DeviceID struct {
	// ID is an identifier for the device. The ID is only unique for other
	// devices using the same Library.
	ID string `json:"id"`

	// Library identifies which library is used for the device (e.g. CUDA, ROCm, etc.)
	Library string `json:"backend,omitempty"`
}

// Device is a memory location a tensor can live in: either host memory or
// the memory of a compute device.
type Device struct {
	DeviceID

	// Name is the name of the device as labeled by the backend.
	Name string `json:"name"`
}

// CPU is host memory.
var CPU = Device{
	DeviceID: DeviceID{ID: "0", Library: "cpu"},
	Name:     "CPU",
}

// IsHost reports whether d refers to host memory.
func (d Device) IsHost() bool {
	return d.Library == CPU.Library
}

func (d Device) String() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Library + ":" + d.ID
}

func (d Device) LogValue() slog.Value {
	return slog.StringValue(d.String())
}
