// syncd is the Weaveboard sync daemon: it drains the durable mutation
// queue, prunes tombstones, and keeps the change feed alive for the local
// client.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/weaveboard/synckit/internal/config"
)

var (
	configPath string
	logPath    string
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Weaveboard sync daemon",
	Long: `syncd keeps local Weaveboard edits and the remote store converged.

It drains the durable mutation queue on a schedule, opens the realtime
change feed (falling back to polling when the channel misbehaves), prunes
expired tombstones, and exposes queue diagnostics.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".weaveboard/syncd.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-file", "", "log to this file with rotation instead of stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(drainCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, letting the --log-file flag override it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logPath != "" {
		cfg.Logging.File = logPath
	}
	return cfg, nil
}

// newLogger builds the daemon logger, rotating via lumberjack when a log
// file is configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
	}
	log.SetOutput(out)
	return log.New(out, prefix, log.LstdFlags)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
