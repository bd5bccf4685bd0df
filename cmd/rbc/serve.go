package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Starts the feedback listener, puts the controller into interpreter mode and
serves the client API until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}

		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger.Info("Starting robot bridge", "version", Version, "robot", cfg.Robot.Host)

		b, err := newBridge(cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := b.Run(ctx); err != nil {
			return err
		}
		logger.Info("Robot bridge shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "API listen address (overrides http.addr)")
}
