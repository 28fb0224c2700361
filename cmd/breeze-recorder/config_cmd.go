package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/recorder/internal/audit"
	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/secmem"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the recorder configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigQuiet()
		if err != nil {
			return err
		}
		cfg.ArchiveSecretKey = secmem.Mask(cfg.ArchiveSecretKey)
		cfg.ArchiveConnectionString = secmem.Mask(cfg.ArchiveConnectionString)
		return yaml.NewEncoder(os.Stdout).Encode(cfg.Map())
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = filepath.Join(config.ConfigDir(), "recorder.yaml")
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.Default()
		if err := config.SaveTo(cfg, path); err != nil {
			return err
		}
		if al, err := openAudit(cfg); err == nil {
			al.Log(audit.EventConfigWritten, "", map[string]any{"path": path})
			al.Close()
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

// loadConfigQuiet loads without touching the logger.
func loadConfigQuiet() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ValidateTiered()
	return cfg, nil
}
