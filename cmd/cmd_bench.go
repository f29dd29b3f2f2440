// cmd_bench.go - Synthetische Last fuer den Prefix-Cache
// Hauptfunktionen: BenchHandler, runBench, forward, renderReport
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/prefixcache/envconfig"
	"github.com/ollama/prefixcache/kvcache"
	"github.com/ollama/prefixcache/ml"
	"github.com/ollama/prefixcache/ml/backend/memory"
	"github.com/ollama/prefixcache/runner/prefixrunner"
)

type benchOptions struct {
	requests, prompts, tokens   int
	layers, heads, headDim      int
	recurrentEvery              int
	dtype                       ml.DType
	parallel, onDevice, reclaim int
	seed                        uint64
}

type benchResult struct {
	stats    kvcache.PrefixCacheStats
	device   ml.DeviceMemory
	host     ml.DeviceMemory
	requests int
	elapsed  time.Duration
}

func parseDType(s string) (ml.DType, error) {
	switch s {
	case "f16":
		return ml.DTypeF16, nil
	case "f32":
		return ml.DTypeF32, nil
	default:
		return ml.DTypeOther, fmt.Errorf("unsupported cache type %q", s)
	}
}

// BenchHandler - Fuehrt den bench Command aus
func BenchHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	var opts benchOptions
	var err error
	for name, v := range map[string]*int{
		"requests":        &opts.requests,
		"prompts":         &opts.prompts,
		"tokens":          &opts.tokens,
		"layers":          &opts.layers,
		"heads":           &opts.heads,
		"head-dim":        &opts.headDim,
		"recurrent-every": &opts.recurrentEvery,
		"parallel":        &opts.parallel,
		"on-device":       &opts.onDevice,
		"reclaim-every":   &opts.reclaim,
	} {
		if *v, err = flags.GetInt(name); err != nil {
			return err
		}
		if *v < 0 {
			return fmt.Errorf("--%s must not be negative", name)
		}
	}

	if opts.seed, err = flags.GetUint64("seed"); err != nil {
		return err
	}

	dtype, err := flags.GetString("dtype")
	if err != nil {
		return err
	}
	if opts.dtype, err = parseDType(dtype); err != nil {
		return err
	}

	if opts.prompts == 0 || opts.tokens == 0 {
		return fmt.Errorf("--prompts and --tokens must be positive")
	}

	result, err := runBench(cmd.Context(), opts)
	if err != nil {
		return err
	}

	renderReport(cmd.OutOrStdout(), result)
	return nil
}

func runBench(ctx context.Context, opts benchOptions) (*benchResult, error) {
	device := envconfig.PrefixCacheDevice()

	backend := memory.New()
	backend.AddDevice(ml.CPU, envconfig.PrefixCacheHostMemory())
	if !device.IsHost() {
		backend.AddDevice(device, envconfig.PrefixCacheDeviceMemory())
	}

	var cache *kvcache.PrefixCache
	if envconfig.PrefixCache(true) {
		cache = kvcache.NewPrefixCache(device, opts.onDevice, backend)
	}

	r := prefixrunner.NewPrefixRunner(cache, opts.parallel)

	rng := rand.New(rand.NewPCG(opts.seed, 0))
	prompts := make([][]uint32, opts.prompts)
	for i := range prompts {
		prompts[i] = make([]uint32, opts.tokens)
		for j := range prompts[i] {
			prompts[i][j] = rng.Uint32N(32000)
		}
	}

	slog.Info("starting bench", "requests", opts.requests, "prompts", opts.prompts, "parallel", opts.parallel, "device", device)

	start := time.Now()
	var finished atomic.Int64
	workers := max(opts.parallel, 1)

	g, ctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.seed, uint64(w)+1))
			for i := w; i < opts.requests; i += workers {
				req := prefixrunner.NewRequest(prompts[rng.IntN(len(prompts))])
				if err := r.Admit(ctx, req); err != nil {
					return err
				}

				if !req.Cached() {
					caches, err := forward(backend, device, req.Tokens(), opts)
					if err != nil {
						r.Cancel(req)
						return fmt.Errorf("request %s: %w", req.ID, err)
					}
					req.SetCache(caches)
				}

				r.Finish(req)

				if n := finished.Add(1); opts.reclaim > 0 && n%int64(opts.reclaim) == 0 {
					if _, err := r.Reclaim(); err != nil {
						slog.Warn("eviction pass failed", "error", err)
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &benchResult{
		stats:    r.Stats(),
		host:     backend.Memory(ml.CPU),
		requests: int(finished.Load()),
		elapsed:  time.Since(start),
	}
	if !device.IsHost() {
		result.device = backend.Memory(device)
	}

	slog.Debug("bench finished", "stats", result.stats, "memory", backend)
	return result, nil
}

// forward fills the attention state a model forward pass over tokens would
// produce, one key/value pair of shape [headDim, heads, len(tokens)] per layer.
func forward(b *memory.Backend, device ml.Device, tokens []uint32, opts benchOptions) (kvcache.LayerCaches, error) {
	caches := make(kvcache.LayerCaches, opts.layers)
	n := opts.headDim * opts.heads * len(tokens)

	for layer := range caches {
		if opts.recurrentEvery > 0 && (layer+1)%opts.recurrentEvery == 0 {
			continue
		}

		keys := make([]float32, n)
		values := make([]float32, n)
		for i := range keys {
			tok := float64(tokens[i/(opts.headDim*opts.heads)])
			keys[i] = float32(math.Sin(tok + float64(layer*n+i)))
			values[i] = float32(math.Cos(tok + float64(layer*n+i)))
		}

		key, err := b.FromFloats(device, opts.dtype, keys, opts.headDim, opts.heads, len(tokens))
		if err != nil {
			caches.Release()
			return nil, err
		}
		value, err := b.FromFloats(device, opts.dtype, values, opts.headDim, opts.heads, len(tokens))
		if err != nil {
			key.Close()
			caches.Release()
			return nil, err
		}

		caches[layer] = &kvcache.LayerCache{Key: key, Value: value}
	}

	return caches, nil
}

func renderReport(w io.Writer, r *benchResult) {
	s := r.stats

	data := [][]string{
		{"requests", strconv.Itoa(r.requests)},
		{"elapsed", r.elapsed.Round(time.Millisecond).String()},
		{"device hits", strconv.Itoa(s.DeviceHits)},
		{"host hits", strconv.Itoa(s.HostHits)},
		{"misses", strconv.Itoa(s.Misses)},
		{"hit rate", fmt.Sprintf("%.1f%%", 100*s.HitRate())},
		{"evicted", strconv.Itoa(s.Evicted)},
		{"transfer failures", strconv.Itoa(s.Failures)},
		{"device entries", strconv.Itoa(s.DeviceEntries)},
		{"host entries", strconv.Itoa(s.HostEntries)},
		{"device cache size", humanize.IBytes(s.DeviceBytes)},
		{"host cache size", humanize.IBytes(s.HostBytes)},
	}

	if r.device.Library != "" {
		data = append(data, []string{"device memory", memoryString(r.device)})
	}
	data = append(data, []string{"host memory", memoryString(r.host)})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"METRIC", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func memoryString(m ml.DeviceMemory) string {
	s := humanize.IBytes(m.Used)
	if m.Limit != 0 {
		s += " / " + humanize.IBytes(m.Limit)
	}
	return fmt.Sprintf("%s (%d tensors)", s, m.Tensors)
}
