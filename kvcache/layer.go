// Package kvcache - Layer-Caches und Sequenz-Schnittstelle
//
// Dieses Modul enthaelt die Typen, die der Prefix-Cache speichert:
// - LayerCache: Key/Value-Tensorpaar eines Transformer-Layers
// - LayerCaches: ein Eintrag pro Layer, nil fuer Layer ohne Cache
// - Sequence: Schnittstelle zur Sequenz des Schedulers
package kvcache

import (
	"slices"

	"github.com/ollama/prefixcache/ml"
)

// LayerCache holds the attention key and value tensors of one layer.
type LayerCache struct {
	Key, Value ml.Tensor
}

// LayerCaches has one entry per model layer, in layer order. A nil entry
// marks a layer that retains no attention state.
type LayerCaches []*LayerCache

// Clone returns a new slice sharing the same tensors.
func (c LayerCaches) Clone() LayerCaches {
	return slices.Clone(c)
}

// Nbytes returns the total size of all tensors.
func (c LayerCaches) Nbytes() uint64 {
	var n uint64
	for _, layer := range c {
		if layer != nil {
			n += ml.Nbytes(layer.Key) + ml.Nbytes(layer.Value)
		}
	}
	return n
}

// Release frees every tensor that supports it.
func (c LayerCaches) Release() {
	for _, layer := range c {
		if layer != nil {
			if layer.Key != nil {
				ml.Release(layer.Key)
			}
			if layer.Value != nil {
				ml.Release(layer.Value)
			}
		}
	}
}

// Sequence is a generation request whose attention state can be cached.
type Sequence interface {
	// Tokens returns the token ids that produced the cache.
	Tokens() []uint32

	// Cache returns the layer caches accumulated by the sequence.
	Cache() LayerCaches
}
