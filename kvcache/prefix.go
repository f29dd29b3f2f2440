// Package kvcache - Prefix-Cache mit Geraete- und Host-Stufe
//
// Dieses Modul enthaelt den PrefixCache:
// - NewPrefixCache: leerer Cache fuer ein Geraet mit Kapazitaet nOnDevice
// - Insert: legt die Layer-Caches einer Sequenz auf dem Geraet ab
// - EvictToHost: verschiebt die aeltesten Eintraege in den Host-Speicher
// - Lookup: exakte Suche, zuerst Geraet, dann Host
package kvcache

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/prefixcache/logutil"
	"github.com/ollama/prefixcache/ml"
)

type prefixEntry struct {
	tokens []uint32
	caches LayerCaches
}

// PrefixCache remembers the layer caches of finished sequences keyed by
// their exact token sequence. At most NumOnDevice entries are meant to stay
// on the compute device; EvictToHost moves the oldest surplus entries to host
// memory. Entries are never dropped.
//
// PrefixCache is not safe for concurrent use.
type PrefixCache struct {
	device     ml.Device
	nOnDevice  int
	transferer ml.Transferer

	// both tiers keep insertion order, a key lives in at most one of them
	onDevice *orderedmap.OrderedMap[string, prefixEntry]
	onHost   *orderedmap.OrderedMap[string, prefixEntry]

	deviceHits, hostHits, misses int
	evicted, failures            int

	onDrop func(LayerCaches)
}

// NewPrefixCache creates an empty cache for device that keeps up to
// nOnDevice entries resident after an eviction pass. Tensors are moved with t.
func NewPrefixCache(device ml.Device, nOnDevice int, t ml.Transferer) *PrefixCache {
	slog.Debug("prefix cache", "device", device, "on_device", nOnDevice)

	return &PrefixCache{
		device:     device,
		nOnDevice:  max(nOnDevice, 0),
		transferer: t,
		onDevice:   orderedmap.New[string, prefixEntry](),
		onHost:     orderedmap.New[string, prefixEntry](),
	}
}

func tokenKey(tokens []uint32) string {
	b := make([]byte, 0, 4*len(tokens))
	for _, t := range tokens {
		b = binary.LittleEndian.AppendUint32(b, t)
	}
	return string(b)
}

// Device returns the compute device of the cache.
func (c *PrefixCache) Device() ml.Device {
	return c.device
}

// NumOnDevice returns the configured device capacity in entries.
func (c *PrefixCache) NumOnDevice() int {
	return c.nOnDevice
}

// DeviceLen returns the number of entries on the device tier.
func (c *PrefixCache) DeviceLen() int {
	return c.onDevice.Len()
}

// HostLen returns the number of entries in host memory.
func (c *PrefixCache) HostLen() int {
	return c.onHost.Len()
}

// OnDevice reports whether tokens are cached on the device tier, that is
// whether Lookup would return tensors shared with the cache.
func (c *PrefixCache) OnDevice(tokens []uint32) bool {
	_, ok := c.onDevice.Get(tokenKey(tokens))
	return ok
}

// SetDropFunc registers fn to receive device layers the cache no longer
// references: the originals of entries moved to host memory and the layers
// replaced by Insert. Layers the replacing entry still holds are left out.
// Without a drop func these layers are left to whoever created them.
func (c *PrefixCache) SetDropFunc(fn func(LayerCaches)) {
	c.onDrop = fn
}

func (c *PrefixCache) drop(caches, keep LayerCaches) {
	if c.onDrop == nil {
		return
	}

	var dropped LayerCaches
	for _, layer := range caches {
		if layer != nil && !slices.Contains(keep, layer) {
			dropped = append(dropped, layer)
		}
	}

	if len(dropped) > 0 {
		c.onDrop(dropped)
	}
}

// Contains reports whether tokens are cached and in which tier.
func (c *PrefixCache) Contains(tokens []uint32) (ml.Device, bool) {
	key := tokenKey(tokens)
	if _, ok := c.onDevice.Get(key); ok {
		return c.device, true
	}
	if _, ok := c.onHost.Get(key); ok {
		return ml.CPU, true
	}
	return ml.Device{}, false
}

// Insert stores the layer caches of seq on the device tier. The token list is
// copied and the tensors are shared, nothing is transferred. An existing
// entry for the same tokens is replaced in place, a host copy of it is
// released. Sequences without layer caches are not stored. Capacity is not
// enforced here, call EvictToHost for that.
func (c *PrefixCache) Insert(seq Sequence) {
	caches := seq.Cache()
	if len(caches) == 0 {
		logutil.Trace("prefix cache: no layer caches to store", "tokens", len(seq.Tokens()))
		return
	}

	tokens := slices.Clone(seq.Tokens())
	key := tokenKey(tokens)

	if old, ok := c.onHost.Delete(key); ok {
		logutil.Trace("prefix cache: replacing host entry", "tokens", len(tokens))
		old.caches.Release()
	}

	entry := prefixEntry{tokens: tokens, caches: caches.Clone()}
	if old, ok := c.onDevice.Set(key, entry); ok {
		c.drop(old.caches, entry.caches)
	}
}

// EvictToHost moves the oldest device entries to host memory until at most
// NumOnDevice remain, and returns how many were moved.
//
// Each entry moves completely or not at all. On a transfer failure the pass
// stops, the failing entry stays on the device and the number of entries
// moved so far is returned together with the error.
func (c *PrefixCache) EvictToHost() (int, error) {
	excess := c.onDevice.Len() - c.nOnDevice
	if excess <= 0 {
		return 0, nil
	}

	var evicted int
	for evicted < excess {
		oldest := c.onDevice.Oldest()
		entry := oldest.Value

		caches, err := c.toHost(entry.caches)
		if err != nil {
			c.failures++
			slog.Warn("prefix cache: eviction failed", "tokens", len(entry.tokens), "evicted", evicted, "error", err)
			return evicted, fmt.Errorf("prefix cache: evict %d tokens to host: %w", len(entry.tokens), err)
		}

		c.onDevice.Delete(oldest.Key)
		c.onHost.Set(oldest.Key, prefixEntry{tokens: entry.tokens, caches: caches})
		c.drop(entry.caches, nil)
		evicted++
		c.evicted++

		logutil.Trace("prefix cache: evicted", "tokens", len(entry.tokens), "layers", len(caches))
	}

	slog.Debug("prefix cache: eviction", "evicted", evicted, "on_device", c.onDevice.Len(), "on_host", c.onHost.Len())
	return evicted, nil
}

// Lookup returns the layer caches stored for exactly tokens, or nil if there
// are none.
//
// A device hit shares the stored tensors with the cache. A host hit returns a
// fresh copy in host memory and leaves the stored entry where it is.
func (c *PrefixCache) Lookup(tokens []uint32) (LayerCaches, error) {
	key := tokenKey(tokens)

	if entry, ok := c.onDevice.Get(key); ok {
		c.deviceHits++
		return entry.caches.Clone(), nil
	}

	if entry, ok := c.onHost.Get(key); ok {
		caches, err := c.toHost(entry.caches)
		if err != nil {
			c.failures++
			return nil, fmt.Errorf("prefix cache: load %d tokens from host: %w", len(tokens), err)
		}

		c.hostHits++
		return caches, nil
	}

	c.misses++
	return nil, nil
}

// toHost copies every tensor of caches to host memory. Copies made before a
// failure are released.
func (c *PrefixCache) toHost(caches LayerCaches) (LayerCaches, error) {
	out := make(LayerCaches, len(caches))
	for i, layer := range caches {
		if layer == nil {
			continue
		}

		var moved LayerCache
		var err error
		if layer.Key != nil {
			moved.Key, err = c.transferer.Transfer(layer.Key, ml.CPU)
		}
		if err == nil && layer.Value != nil {
			moved.Value, err = c.transferer.Transfer(layer.Value, ml.CPU)
		}

		if err != nil {
			if moved.Key != nil {
				ml.Release(moved.Key)
			}
			out.Release()
			return nil, err
		}

		out[i] = &moved
	}

	return out, nil
}
