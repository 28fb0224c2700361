package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:           "breeze-recorder",
	Short:         "Breeze screen recorder",
	Long:          `Breeze Recorder - records a monitor or a single window into a compressed video file`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Recorder v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/BreezeRecorder/recorder.yaml)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(monitorsCmd)
	rootCmd.AddCommand(windowsCmd)
	rootCmd.AddCommand(codecsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration, then points the global
// logger at the configured output. The closer flushes the log file.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	result := cfg.ValidateTiered()

	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, nil, err
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	if result.HasFatals() {
		closer.Close()
		return nil, nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	return cfg, closer, nil
}
