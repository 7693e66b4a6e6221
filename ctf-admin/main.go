// Command ctf-admin runs operator tasks against the same MySQL, Redis and
// orchestrator backends as ctf-server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kavos113/quickctf/ctf-server/app"
	"github.com/kavos113/quickctf/ctf-server/config"
	"github.com/kavos113/quickctf/lib/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ctf-admin",
		Short: "Operate a quickctf deployment",
		Long: `ctf-admin reads the same environment as ctf-server (.env is honored)
and acts on the shared competition clock, instance ledger and schema.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSchemaCmd(), newCTFCmd(), newInstanceCmd())
	return rootCmd
}

// withApp builds the full application for the duration of one command. Logs
// go to stderr so stdout carries only the command's result.
func withApp(fn func(ctx context.Context, a *app.App, out io.Writer) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := logger.NewWithWriter(cmd.ErrOrStderr(), "ctf-admin")

		a, err := app.New(cmd.Context(), config.Load(), log)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(cmd.Context(), a, cmd.OutOrStdout())
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
