// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/prefixcache/envconfig"
	"github.com/ollama/prefixcache/logutil"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-34s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "prefixcache",
		Short:         "Prefix KV cache for language model runners",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	// Commands erstellen
	benchCmd := newBenchCmd()
	envCmd := newEnvCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	appendEnvDocs(benchCmd, []envconfig.EnvVar{
		envVars["OLLAMA_DEBUG"],
		envVars["OLLAMA_NUM_PARALLEL"],
		envVars["OLLAMA_PREFIX_CACHE"],
		envVars["OLLAMA_PREFIX_CACHE_DEVICE"],
		envVars["OLLAMA_PREFIX_CACHE_ON_DEVICE"],
		envVars["OLLAMA_PREFIX_CACHE_DEVICE_MEMORY"],
		envVars["OLLAMA_PREFIX_CACHE_HOST_MEMORY"],
	})

	rootCmd.AddCommand(
		benchCmd,
		envCmd,
	)

	return rootCmd
}
