// Package kvcache - Statistiken des Prefix-Caches
package kvcache

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// PrefixCacheStats is a snapshot of the cache's occupancy and counters.
type PrefixCacheStats struct {
	DeviceEntries int
	HostEntries   int

	DeviceHits int
	HostHits   int
	Misses     int

	// Evicted counts entries moved to host memory, Failures counts
	// evictions and host loads aborted by a transfer error.
	Evicted  int
	Failures int

	DeviceBytes uint64
	HostBytes   uint64
}

// HitRate returns the fraction of lookups answered from either tier.
func (s PrefixCacheStats) HitRate() float64 {
	total := s.DeviceHits + s.HostHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.DeviceHits+s.HostHits) / float64(total)
}

func (s PrefixCacheStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("device_entries", s.DeviceEntries),
		slog.Int("host_entries", s.HostEntries),
		slog.Int("device_hits", s.DeviceHits),
		slog.Int("host_hits", s.HostHits),
		slog.Int("misses", s.Misses),
		slog.Int("evicted", s.Evicted),
		slog.Int("failures", s.Failures),
		slog.String("device_size", humanize.IBytes(s.DeviceBytes)),
		slog.String("host_size", humanize.IBytes(s.HostBytes)),
	)
}

// Stats returns the current counters. Sizes are computed by walking both
// tiers.
func (c *PrefixCache) Stats() PrefixCacheStats {
	s := PrefixCacheStats{
		DeviceEntries: c.onDevice.Len(),
		HostEntries:   c.onHost.Len(),
		DeviceHits:    c.deviceHits,
		HostHits:      c.hostHits,
		Misses:        c.misses,
		Evicted:       c.evicted,
		Failures:      c.failures,
	}

	for pair := c.onDevice.Oldest(); pair != nil; pair = pair.Next() {
		s.DeviceBytes += pair.Value.caches.Nbytes()
	}
	for pair := c.onHost.Oldest(); pair != nil; pair = pair.Next() {
		s.HostBytes += pair.Value.caches.Nbytes()
	}

	return s
}
