// config.go - Haupt-Konfigurationsfunktionen
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (OLLAMA_DEBUG)
// - PrefixCacheDevice: Name des Compute-Geraets (OLLAMA_PREFIX_CACHE_DEVICE)
// - Var: Liest eine Environment-Variable
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Prefix-Cache- und Parallelitaets-Einstellungen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/prefixcache/ml"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via OLLAMA_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("OLLAMA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// PrefixCacheDevice gibt das Compute-Geraet des Prefix-Caches zurueck
// Konfigurierbar via OLLAMA_PREFIX_CACHE_DEVICE als <library>:<id>, z.B. CUDA:0
// Default: CUDA:0
func PrefixCacheDevice() ml.Device {
	library, id := "CUDA", "0"
	if s := Var("OLLAMA_PREFIX_CACHE_DEVICE"); s != "" {
		l, i, ok := strings.Cut(s, ":")
		switch {
		case !ok:
			library = s
		case l == "" || i == "":
			slog.Warn("invalid device, using default", "device", s, "default", library+":"+id)
		default:
			library, id = l, i
		}
	}

	if strings.EqualFold(library, ml.CPU.Library) {
		return ml.CPU
	}

	return ml.Device{DeviceID: ml.DeviceID{ID: id, Library: library}, Name: library + id}
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
