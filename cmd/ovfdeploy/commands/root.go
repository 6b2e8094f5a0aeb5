package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vmops/ovfdeploy/internal/config"
)

// LogLevel is the level of the default logger, set from the log-level setting.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "ovfdeploy",
	Short: "Deploy OVF/OVA templates to vSphere",
	Long: `Deploys VM templates (bare OVF descriptors or OVA archives, local or in S3)
to vCenter: negotiates the import, waits for the transfer lease, uploads the disks
and records every deployment in a local database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := cfg.SlogLevel()
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("vcenter-url", "", "vCenter SDK URL (https://host/sdk)")
	rootCmd.PersistentFlags().String("vcenter-username", "", "vCenter username")
	rootCmd.PersistentFlags().String("vcenter-password", "", "vCenter password")
	rootCmd.PersistentFlags().Bool("insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().String("datacenter", "", "Datacenter used for name resolution")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/deployments.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/ovfdeploy", "Directory for templates fetched from S3")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().Bool("s3-anonymous", false, "Read S3 without credentials")
	rootCmd.PersistentFlags().Int("workers", 4, "Concurrent uploads in parallel mode")
	rootCmd.PersistentFlags().Duration("poll-interval", 0, "Lease poll interval")
	rootCmd.PersistentFlags().Duration("lease-timeout", 0, "Max wait for the lease, 0 waits forever")
	rootCmd.PersistentFlags().Duration("progress-interval", 0, "Lease progress report interval in parallel mode")
	rootCmd.PersistentFlags().Int64("max-disk-size", 0, "Max disk payload size in bytes, 0 disables")
	rootCmd.PersistentFlags().Int64("max-total-size", 0, "Max total archive payload size in bytes, 0 disables")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"vcenter-url", "vcenter-username", "vcenter-password", "insecure", "datacenter",
		"sqlite-path", "fsm-db-path", "work-dir", "s3-region", "s3-anonymous",
		"workers", "poll-interval", "lease-timeout", "progress-interval",
		"max-disk-size", "max-total-size", "log-level",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
