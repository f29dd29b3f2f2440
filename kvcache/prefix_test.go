package kvcache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/prefixcache/ml"
	"github.com/ollama/prefixcache/ml/backend/memory"
)

var testGPU = ml.Device{DeviceID: ml.DeviceID{ID: "0", Library: "CUDA"}, Name: "CUDA0"}

type testSequence struct {
	tokens []uint32
	cache  LayerCaches
}

func (s *testSequence) Tokens() []uint32   { return s.tokens }
func (s *testSequence) Cache() LayerCaches { return s.cache }

func newTestBackend() *memory.Backend {
	b := memory.New()
	b.AddDevice(testGPU, 0)
	return b
}

// newLayerCaches builds a cache with one f32 key/value pair of shape 4x2 per
// layer. Layers listed in skip are left nil.
func newLayerCaches(t *testing.T, b *memory.Backend, layers int, seed float32, skip ...int) LayerCaches {
	t.Helper()

	caches := make(LayerCaches, layers)
layer:
	for i := range caches {
		for _, s := range skip {
			if s == i {
				continue layer
			}
		}

		data := make([]float32, 8)
		for j := range data {
			data[j] = seed + float32(i*10+j)
		}

		key, err := b.FromFloats(testGPU, ml.DTypeF32, data, 4, 2)
		require.NoError(t, err)

		for j := range data {
			data[j] = -data[j]
		}
		value, err := b.FromFloats(testGPU, ml.DTypeF32, data, 4, 2)
		require.NoError(t, err)

		caches[i] = &LayerCache{Key: key, Value: value}
	}
	return caches
}

func newTestSequence(t *testing.T, b *memory.Backend, layers int, tokens ...uint32) *testSequence {
	t.Helper()
	return &testSequence{tokens: tokens, cache: newLayerCaches(t, b, layers, float32(tokens[0]))}
}

func floatsOf(c LayerCaches) [][2][]float32 {
	var out [][2][]float32
	for _, layer := range c {
		if layer == nil {
			out = append(out, [2][]float32{})
			continue
		}
		out = append(out, [2][]float32{layer.Key.Floats(), layer.Value.Floats()})
	}
	return out
}

func requireOn(t *testing.T, c LayerCaches, d ml.Device) {
	t.Helper()
	for i, layer := range c {
		if layer == nil {
			continue
		}
		require.Equal(t, d, layer.Key.Device(), "layer %d key", i)
		require.Equal(t, d, layer.Value.Device(), "layer %d value", i)
	}
}

func TestPrefixCacheInsertLookup(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 4, b)

	seq := newTestSequence(t, b, 3, 1, 2, 3)
	c.Insert(seq)

	got, err := c.Lookup([]uint32{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i := range got {
		// device hits share the stored tensors
		assert.Same(t, seq.cache[i], got[i])
	}
	requireOn(t, got, testGPU)
	assert.Equal(t, 1, c.Stats().DeviceHits)
}

func TestPrefixCacheInsertCopiesTokens(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 4, b)

	seq := newTestSequence(t, b, 1, 7, 8)
	c.Insert(seq)

	// the sequence keeps generating after it was cached
	seq.tokens[1] = 9
	seq.cache[0] = nil

	got, err := c.Lookup([]uint32{7, 8})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0])

	got, err = c.Lookup([]uint32{7, 9})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrefixCacheMiss(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 4, b)
	c.Insert(newTestSequence(t, b, 2, 1, 2, 3))

	tests := []struct {
		name   string
		tokens []uint32
	}{
		{"unseen", []uint32{7, 8}},
		{"prefix of cached", []uint32{1, 2}},
		{"extension of cached", []uint32{1, 2, 3, 4}},
		{"reordered", []uint32{3, 2, 1}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Lookup(tt.tokens)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}

	assert.Equal(t, len(tests), c.Stats().Misses)
}

func TestPrefixCacheEvictToHost(t *testing.T) {
	tests := []struct {
		inserted  int
		nOnDevice int
		want      int
	}{
		{inserted: 5, nOnDevice: 2, want: 3},
		{inserted: 5, nOnDevice: 0, want: 5},
		{inserted: 3, nOnDevice: 3, want: 0},
		{inserted: 1, nOnDevice: 3, want: 0},
		{inserted: 0, nOnDevice: 3, want: 0},
		{inserted: 0, nOnDevice: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.inserted, tt.nOnDevice), func(t *testing.T) {
			b := newTestBackend()
			c := NewPrefixCache(testGPU, tt.nOnDevice, b)

			var keys [][]uint32
			for i := range tt.inserted {
				tokens := []uint32{uint32(i), uint32(i + 100)}
				keys = append(keys, tokens)
				c.Insert(newTestSequence(t, b, 2, tokens...))
			}

			n, err := c.EvictToHost()
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.inserted-tt.want, c.DeviceLen())
			assert.Equal(t, tt.want, c.HostLen())

			// oldest go to the host, the most recent stay
			for i, tokens := range keys {
				d, ok := c.Contains(tokens)
				require.True(t, ok)
				if i < tt.want {
					assert.Equal(t, ml.CPU, d, "key %v", tokens)
				} else {
					assert.Equal(t, testGPU, d, "key %v", tokens)
				}
			}

			// a second pass has nothing left to do
			n, err = c.EvictToHost()
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestPrefixCacheScenario(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 2, b)
	require.Equal(t, 2, c.NumOnDevice())

	inserted := map[uint32]*testSequence{}
	for _, tokens := range [][]uint32{{1, 2}, {3, 4}, {5, 6}} {
		seq := newTestSequence(t, b, 2, tokens...)
		inserted[tokens[0]] = seq
		c.Insert(seq)
	}
	require.Equal(t, 3, c.DeviceLen())

	n, err := c.EvictToHost()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, 2, c.DeviceLen())
	assert.Equal(t, 1, c.HostLen())

	d, ok := c.Contains([]uint32{1, 2})
	require.True(t, ok)
	assert.Equal(t, ml.CPU, d)

	for _, tokens := range [][]uint32{{3, 4}, {5, 6}} {
		d, ok := c.Contains(tokens)
		require.True(t, ok)
		assert.Equal(t, testGPU, d)
	}

	got, err := c.Lookup([]uint32{1, 2})
	require.NoError(t, err)
	requireOn(t, got, ml.CPU)
	if diff := cmp.Diff(floatsOf(inserted[1].cache), floatsOf(got)); diff != "" {
		t.Errorf("host lookup mismatch (-want +got):\n%s", diff)
	}

	got, err = c.Lookup([]uint32{3, 4})
	require.NoError(t, err)
	requireOn(t, got, testGPU)
	if diff := cmp.Diff(floatsOf(inserted[3].cache), floatsOf(got)); diff != "" {
		t.Errorf("lookup mismatch (-want +got):\n%s", diff)
	}

	got, err = c.Lookup([]uint32{7, 8})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPrefixCacheHostLookup(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 0, b)

	seq := &testSequence{tokens: []uint32{4, 5, 6}, cache: newLayerCaches(t, b, 4, 1, 1, 3)}
	c.Insert(seq)

	_, err := c.EvictToHost()
	require.NoError(t, err)

	first, err := c.Lookup([]uint32{4, 5, 6})
	require.NoError(t, err)
	require.Len(t, first, 4)
	requireOn(t, first, ml.CPU)

	assert.Nil(t, first[1])
	assert.Nil(t, first[3])

	if diff := cmp.Diff(floatsOf(seq.cache), floatsOf(first)); diff != "" {
		t.Errorf("host lookup mismatch (-want +got):\n%s", diff)
	}

	// every hit materializes a new copy and the stored entry stays put
	second, err := c.Lookup([]uint32{4, 5, 6})
	require.NoError(t, err)
	assert.NotSame(t, first[0], second[0])
	assert.NotSame(t, first[0].Key, second[0].Key)

	d, ok := c.Contains([]uint32{4, 5, 6})
	require.True(t, ok)
	assert.Equal(t, ml.CPU, d)
	assert.Equal(t, 2, c.Stats().HostHits)

	// stored copy plus two lookups, two populated layers of 64 bytes each
	assert.Equal(t, uint64(3*2*64), b.Memory(ml.CPU).Used)
}

func TestPrefixCacheF16(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 0, b)

	data := []float32{0.5, -1.25, 2, 1024}
	key, err := b.FromFloats(testGPU, ml.DTypeF16, data, 2, 2)
	require.NoError(t, err)
	value, err := b.FromFloats(testGPU, ml.DTypeF16, data, 4)
	require.NoError(t, err)

	c.Insert(&testSequence{tokens: []uint32{1}, cache: LayerCaches{{Key: key, Value: value}}})
	_, err = c.EvictToHost()
	require.NoError(t, err)

	got, err := c.Lookup([]uint32{1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, ml.DTypeF16, got[0].Key.DType())
	assert.Equal(t, []int{2, 2}, got[0].Key.Shape())
	assert.Equal(t, []int{4}, got[0].Value.Shape())
	assert.Equal(t, data, got[0].Value.Floats())
}

func TestPrefixCacheTierExclusivity(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 1, b)

	c.Insert(newTestSequence(t, b, 1, 1, 2))
	c.Insert(newTestSequence(t, b, 1, 3, 4))

	_, err := c.EvictToHost()
	require.NoError(t, err)

	d, ok := c.Contains([]uint32{1, 2})
	require.True(t, ok)
	require.Equal(t, ml.CPU, d)

	require.Equal(t, uint64(64), b.Memory(ml.CPU).Used)

	// reinserting a host key replaces it on the device
	replacement := newTestSequence(t, b, 1, 1, 2)
	c.Insert(replacement)

	assert.Equal(t, 2, c.DeviceLen())
	assert.Zero(t, c.HostLen())

	// the host copy belonged to the cache
	assert.Zero(t, b.Memory(ml.CPU).Used)

	d, ok = c.Contains([]uint32{1, 2})
	require.True(t, ok)
	assert.Equal(t, testGPU, d)

	got, err := c.Lookup([]uint32{1, 2})
	require.NoError(t, err)
	assert.Same(t, replacement.cache[0], got[0])

	// {3,4} is now the oldest on the device
	n, err := c.EvictToHost()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, _ = c.Contains([]uint32{3, 4})
	assert.Equal(t, ml.CPU, d)
	d, _ = c.Contains([]uint32{1, 2})
	assert.Equal(t, testGPU, d)
}

func TestPrefixCacheOverwrite(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 1, b)

	c.Insert(newTestSequence(t, b, 1, 1))
	c.Insert(newTestSequence(t, b, 1, 2))

	last := newTestSequence(t, b, 1, 1)
	c.Insert(last)
	require.Equal(t, 2, c.DeviceLen())

	got, err := c.Lookup([]uint32{1})
	require.NoError(t, err)
	assert.Same(t, last.cache[0], got[0])

	// overwriting keeps the original insertion position
	n, err := c.EvictToHost()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, _ := c.Contains([]uint32{1})
	assert.Equal(t, ml.CPU, d)
}

func TestPrefixCacheEvictTransferFailure(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 0, b)

	for _, tokens := range [][]uint32{{1}, {2}, {3}} {
		c.Insert(newTestSequence(t, b, 2, tokens...))
	}

	// room for the first entry (128 bytes) and three of the four tensors
	// of the second
	b.AddDevice(ml.CPU, 128+64+32)

	n, err := c.EvictToHost()
	require.Error(t, err)
	assert.Equal(t, 1, n)

	var terr *ml.TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, testGPU, terr.From)
	assert.Equal(t, ml.CPU, terr.To)
	assert.ErrorIs(t, err, ml.ErrNoMem)

	// the failed entry is untouched and its partial copies are gone
	assert.Equal(t, 2, c.DeviceLen())
	assert.Equal(t, 1, c.HostLen())
	assert.Equal(t, uint64(128), b.Memory(ml.CPU).Used)

	d, _ := c.Contains([]uint32{2})
	assert.Equal(t, testGPU, d)

	got, err := c.Lookup([]uint32{2})
	require.NoError(t, err)
	requireOn(t, got, testGPU)

	// once memory is available the pass resumes with the same entry
	b.AddDevice(ml.CPU, 0)
	n, err = c.EvictToHost()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, c.HostLen())

	s := c.Stats()
	assert.Equal(t, 3, s.Evicted)
	assert.Equal(t, 1, s.Failures)
}

func TestPrefixCacheLookupTransferFailure(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 0, b)

	c.Insert(newTestSequence(t, b, 2, 9, 9))
	_, err := c.EvictToHost()
	require.NoError(t, err)
	require.Equal(t, uint64(128), b.Memory(ml.CPU).Used)

	b.AddDevice(ml.CPU, 128+64)

	got, err := c.Lookup([]uint32{9, 9})
	require.ErrorIs(t, err, ml.ErrNoMem)
	assert.Nil(t, got)

	assert.Equal(t, uint64(128), b.Memory(ml.CPU).Used)
	d, ok := c.Contains([]uint32{9, 9})
	require.True(t, ok)
	assert.Equal(t, ml.CPU, d)
}

func TestPrefixCacheUnsupportedTensor(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 0, b)

	quantized, err := b.FromBytes(testGPU, ml.DTypeOther, []byte{1, 2, 3}, 3)
	require.NoError(t, err)

	c.Insert(&testSequence{tokens: []uint32{1}, cache: LayerCaches{{Key: quantized, Value: quantized}}})

	n, err := c.EvictToHost()
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ml.ErrUnsupported)
	assert.Equal(t, 1, c.DeviceLen())
}

// flakyTransferer fails every call after the first ok ones.
type flakyTransferer struct {
	ml.Transferer
	ok    int
	calls int
}

func (f *flakyTransferer) Transfer(t ml.Tensor, dst ml.Device) (ml.Tensor, error) {
	f.calls++
	if f.calls > f.ok {
		return nil, &ml.TransferError{From: t.Device(), To: dst, DType: t.DType(), Shape: t.Shape(), Err: errors.New("device lost")}
	}
	return f.Transferer.Transfer(t, dst)
}

func TestPrefixCacheEvictStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name        string
		ok          int
		wantEvicted int
		wantHost    uint64
	}{
		{"first key", 0, 0, 0},
		{"first value", 1, 0, 0},
		{"second layer", 2, 0, 0},
		{"second entry", 4, 1, 128},
		{"third entry value", 9, 2, 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend()
			f := &flakyTransferer{Transferer: b, ok: tt.ok}
			c := NewPrefixCache(testGPU, 0, f)

			for i := range 3 {
				c.Insert(newTestSequence(t, b, 2, uint32(i+1)))
			}

			n, err := c.EvictToHost()
			require.Error(t, err)
			assert.Equal(t, tt.wantEvicted, n)
			assert.Equal(t, 3-tt.wantEvicted, c.DeviceLen())
			assert.Equal(t, tt.wantEvicted, c.HostLen())
			assert.Equal(t, tt.wantHost, b.Memory(ml.CPU).Used)

			var terr *ml.TransferError
			assert.ErrorAs(t, err, &terr)
		})
	}
}

func TestPrefixCacheStats(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 1, b)

	c.Insert(newTestSequence(t, b, 2, 1))
	c.Insert(newTestSequence(t, b, 2, 2))
	_, err := c.EvictToHost()
	require.NoError(t, err)

	for _, tokens := range [][]uint32{{1}, {2}, {2}, {3}} {
		_, err := c.Lookup(tokens)
		require.NoError(t, err)
	}

	want := PrefixCacheStats{
		DeviceEntries: 1,
		HostEntries:   1,
		DeviceHits:    2,
		HostHits:      1,
		Misses:        1,
		Evicted:       1,
		DeviceBytes:   128,
		HostBytes:     128,
	}

	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 0.75, c.Stats().HitRate(), 1e-9)
}

func TestNewPrefixCacheNegativeCapacity(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, -3, b)
	assert.Zero(t, c.NumOnDevice())
	assert.Equal(t, testGPU, c.Device())
}

func TestPrefixCacheInsertWithoutCaches(t *testing.T) {
	tests := []struct {
		name   string
		caches LayerCaches
	}{
		{"nil", nil},
		{"empty", LayerCaches{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewPrefixCache(testGPU, 1, newTestBackend())
			c.Insert(&testSequence{tokens: []uint32{1, 2}, cache: tt.caches})

			assert.Zero(t, c.DeviceLen())

			got, err := c.Lookup([]uint32{1, 2})
			require.NoError(t, err)
			assert.Nil(t, got)

			s := c.Stats()
			assert.Zero(t, s.DeviceHits)
			assert.Equal(t, 1, s.Misses)
		})
	}
}

func TestPrefixCacheOnDevice(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(ml.CPU, 1, b)

	c.Insert(newTestSequence(t, b, 1, 1))
	c.Insert(newTestSequence(t, b, 1, 2))
	_, err := c.EvictToHost()
	require.NoError(t, err)

	// both tiers report ml.CPU through Contains here
	assert.False(t, c.OnDevice([]uint32{1}))
	assert.True(t, c.OnDevice([]uint32{2}))
	assert.False(t, c.OnDevice([]uint32{3}))
}

func TestPrefixCacheDropFunc(t *testing.T) {
	b := newTestBackend()
	c := NewPrefixCache(testGPU, 1, b)

	var dropped []LayerCaches
	c.SetDropFunc(func(caches LayerCaches) {
		dropped = append(dropped, caches)
	})

	first := newTestSequence(t, b, 2, 1)
	c.Insert(first)
	assert.Empty(t, dropped)

	// replacing an entry hands back the layers the new one does not hold
	second := &testSequence{tokens: []uint32{1}, cache: LayerCaches{first.cache[0], newLayerCaches(t, b, 1, 5)[0]}}
	c.Insert(second)
	require.Len(t, dropped, 1)
	assert.Equal(t, LayerCaches{first.cache[1]}, dropped[0])

	// eviction hands back the device originals
	c.Insert(newTestSequence(t, b, 2, 2))
	n, err := c.EvictToHost()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, dropped, 2)
	assert.Equal(t, second.cache, dropped[1])
	requireOn(t, dropped[1], testGPU)

	// nil layers are skipped
	sparse := &testSequence{tokens: []uint32{3}, cache: newLayerCaches(t, b, 3, 9, 0, 2)}
	c.Insert(sparse)
	c.Insert(newTestSequence(t, b, 1, 4))
	_, err = c.EvictToHost()
	require.NoError(t, err)
	_, err = c.EvictToHost()
	require.NoError(t, err)
	require.Len(t, dropped, 4)
	assert.Equal(t, LayerCaches{sparse.cache[1]}, dropped[3])

	// a failed move drops nothing
	b.AddDevice(ml.CPU, b.Memory(ml.CPU).Used)
	c.Insert(newTestSequence(t, b, 1, 5))
	_, err = c.EvictToHost()
	require.ErrorIs(t, err, ml.ErrNoMem)
	assert.Len(t, dropped, 4)
}
