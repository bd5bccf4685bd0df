package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/dashboard"
	"github.com/robot-control/rbc/internal/logging"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard <command...>",
	Short: "Send one line to the robot dashboard and print the reply",
	Long: `Sends a dashboard command such as "power on" or "safetystatus" to the
controller and prints its reply. Only the commands the API passes through
are accepted unless --raw is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetBool("raw")

		line := strings.Join(args, " ")
		if !raw && !dashboard.Allowed(line) {
			return fmt.Errorf("dashboard command %q is not allowed", line)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timing.ResponseTimeout+cfg.Timing.ReconnectBackoff)
		defer cancel()

		logger := logging.NewNop()
		client := dashboard.New(
			cfg.RobotAddr(cfg.Robot.DashboardPort),
			controller.NewDialer(cfg.Timing.ReconnectBackoff, logger),
			dashboard.Options{ReplyTimeout: cfg.Timing.ResponseTimeout},
			logger,
		)
		defer client.Close()

		reply, err := client.Command(ctx, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().Bool("raw", false, "Send the line even if it is not a passthrough command")
}
