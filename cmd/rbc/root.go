package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/robot-control/rbc/internal/config"
)

// Version is set at build time.
var Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "rbc",
	Short: "rbc bridges web clients to a robot controller's interpreter",
	Long: `rbc relays URScript commands from web clients to a robot controller running
in interpreter mode, recovers from protective stops and interpreter faults,
and lets clients undo commands by replaying recorded robot state.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The flag wins over RBC_CONFIG.
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("RBC_CONFIG", path)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file (default "+config.DefaultFile+" if present)")
}
