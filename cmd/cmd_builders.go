// cmd_builders.go - Command-Builder Funktionen
// Hauptfunktionen: newBenchCmd, newEnvCmd
package cmd

import (
	"math"

	"github.com/spf13/cobra"

	"github.com/ollama/prefixcache/envconfig"
)

// flagInt begrenzt einen Konfigurationswert auf den int-Bereich
func flagInt(v uint) int {
	return int(min(v, math.MaxInt))
}

// newBenchCmd - Erstellt den bench Command
func newBenchCmd() *cobra.Command {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a synthetic workload through the prefix cache",
		Args:  cobra.NoArgs,
		RunE:  BenchHandler,
	}

	benchCmd.Flags().Int("requests", 256, "Number of requests to run")
	benchCmd.Flags().Int("prompts", 32, "Number of distinct prompts the requests are drawn from")
	benchCmd.Flags().Int("tokens", 64, "Tokens per prompt")
	benchCmd.Flags().Int("layers", 16, "Model layers")
	benchCmd.Flags().Int("heads", 8, "KV heads per layer")
	benchCmd.Flags().Int("head-dim", 64, "Head dimension")
	benchCmd.Flags().Int("recurrent-every", 0, "Every nth layer keeps no attention cache (0 = none)")
	benchCmd.Flags().String("dtype", "f16", "Cache data type (f16, f32)")
	benchCmd.Flags().Int("parallel", flagInt(envconfig.NumParallel()), "Concurrent requests")
	benchCmd.Flags().Int("on-device", flagInt(envconfig.PrefixCacheOnDevice()), "Entries kept on the device after eviction")
	benchCmd.Flags().Int("reclaim-every", 8, "Run an eviction pass after every n finished requests (0 = never)")
	benchCmd.Flags().Uint64("seed", 0, "Random seed")

	return benchCmd
}

// newEnvCmd - Erstellt den env Command
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}
