package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/audit"
	"github.com/breeze-rmm/recorder/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the recording audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the hash chain of an audit log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfigQuiet()
			if err != nil {
				return err
			}
			dir := cfg.AuditDir
			if dir == "" {
				dir = config.ConfigDir()
			}
			path = filepath.Join(dir, audit.FileName)
		}

		res, err := audit.VerifyFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %d entries, chain intact\n", path, res.Entries)
		if res.FirstPrevHash != "genesis" {
			fmt.Printf("continues from a rotated file (prevHash %s)\n", res.FirstPrevHash)
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}
