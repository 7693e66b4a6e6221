package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kavos113/quickctf/ctf-server/app"
)

func newCTFCmd() *cobra.Command {
	ctfCmd := &cobra.Command{
		Use:   "ctf",
		Short: "Inspect and control the competition clock",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the clock, expiring it if its end has passed",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			status, err := a.Clock.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, status)
		}),
	}

	var (
		duration time.Duration
		adminID  int64
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the clock, or resume a paused one",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			result, err := a.Clock.Start(ctx, adminID, duration)
			if err != nil {
				return err
			}
			return printJSON(out, result)
		}),
	}
	startCmd.Flags().DurationVar(&duration, "duration", 0, "Competition length for a fresh start, e.g. 48h")
	startCmd.Flags().Int64Var(&adminID, "admin-id", 0, "User id recorded as the starter")
	_ = startCmd.MarkFlagRequired("admin-id")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Pause the clock and keep the remaining time",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			result, err := a.Clock.Stop(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, result)
		}),
	}

	ctfCmd.AddCommand(statusCmd, startCmd, stopCmd)
	return ctfCmd
}
