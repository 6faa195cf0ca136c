// cmd/root.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "raibid",
	Short:   "raibid is a self-hosted continuous-integration fabric",
	Long:    `A dispatcher + worker-agent CI fabric: webhooks fan out to a durable job queue, a pool of agents drains it, clones, builds, and streams logs back.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main and only needs to run once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML), layered under env and flags")
}
