package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kavos113/quickctf/ctf-server/app"
)

func newInstanceCmd() *cobra.Command {
	instanceCmd := &cobra.Command{
		Use:   "instance",
		Short: "Inspect and stop challenge instances",
	}

	var teamID, challengeID int64
	target := func(cmd *cobra.Command) {
		cmd.Flags().Int64Var(&teamID, "team", 0, "Team id")
		cmd.Flags().Int64Var(&challengeID, "challenge", 0, "Challenge id")
		_ = cmd.MarkFlagRequired("team")
		_ = cmd.MarkFlagRequired("challenge")
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a team's instance of a challenge",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			view, err := a.Instances.Status(ctx, teamID, challengeID)
			if err != nil {
				return err
			}
			return printJSON(out, view)
		}),
	}
	target(statusCmd)

	terminateCmd := &cobra.Command{
		Use:   "terminate",
		Short: "Tear down a team's instance and release its slot",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			if err := a.Instances.Terminate(ctx, teamID, challengeID); err != nil {
				return err
			}
			fmt.Fprintf(out, "instance for team %d challenge %d terminated\n", teamID, challengeID)
			return nil
		}),
	}
	target(terminateCmd)

	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "Print the number of live capacity slots",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app.App, out io.Writer) error {
			count, err := a.Instances.ActiveCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, count)
			return nil
		}),
	}

	instanceCmd.AddCommand(statusCmd, terminateCmd, activeCmd)
	return instanceCmd
}
