// Command feedctl is a developer tool for the realtime change feed.
package main

import (
	"fmt"
	"os"

	"classbridge/api/internal/config"
	"classbridge/api/internal/logger"
	"github.com/spf13/cobra"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "feedctl",
	Short: "Inspect and drive the classbridge change feed",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger.InitializeWriter(os.Stderr, level, cfg.LogJSON)
	},
}

func init() {
	cfg = config.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("redis", cfg.RedisURL, "redis url of the change feed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
