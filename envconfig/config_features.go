// config_features.go - Prefix-Cache- und Parallelitaets-Konfiguration
//
// Dieses Modul enthaelt:
// - Prefix-Cache Feature-Flag und Kapazitaet
// - Speicherlimits fuer Geraet und Host
// - Parallelitaets-Einstellungen
package envconfig

// =============================================================================
// Prefix-Cache
// =============================================================================

var (
	// PrefixCache aktiviert den Prefix-Cache
	PrefixCache = BoolWithDefault("OLLAMA_PREFIX_CACHE")

	// PrefixCacheOnDevice setzt die Anzahl der Eintraege, die nach einer
	// Eviction auf dem Geraet bleiben
	// Konfigurierbar via OLLAMA_PREFIX_CACHE_ON_DEVICE
	PrefixCacheOnDevice = Uint("OLLAMA_PREFIX_CACHE_ON_DEVICE", 16)
)

// =============================================================================
// Speicher-Einstellungen
// =============================================================================

var (
	// PrefixCacheDeviceMemory begrenzt den Geraete-Speicher (in Bytes, 0 = unbegrenzt)
	// Konfigurierbar via OLLAMA_PREFIX_CACHE_DEVICE_MEMORY
	PrefixCacheDeviceMemory = Uint64("OLLAMA_PREFIX_CACHE_DEVICE_MEMORY", 0)

	// PrefixCacheHostMemory begrenzt den Host-Speicher (in Bytes, 0 = unbegrenzt)
	// Konfigurierbar via OLLAMA_PREFIX_CACHE_HOST_MEMORY
	PrefixCacheHostMemory = Uint64("OLLAMA_PREFIX_CACHE_HOST_MEMORY", 0)
)

// =============================================================================
// Parallelitaets-Einstellungen
// =============================================================================

var (
	// NumParallel setzt die Anzahl paralleler Requests
	// Konfigurierbar via OLLAMA_NUM_PARALLEL
	NumParallel = Uint("OLLAMA_NUM_PARALLEL", 1)
)
