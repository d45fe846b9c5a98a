package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "Single-file backups of an application profile",
	Long: `keepsake snapshots a profile's resources into a self-describing HTML
archive, optionally encrypted with a recovery code, and restores archives
into fresh profiles.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to keepsake.toml (default: search ., /etc/keepsake, ~/.keepsake)")
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
