// Command flough administers flows stored by a flough deployment: it reads,
// cancels, rewinds and recovers flow records without running any handler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/flough"
	"github.com/petrijr/flough/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

// app carries the bundle shared by the subcommands of one invocation.
type app struct {
	bundle *flough.Bundle
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "flough",
		Short:         "Inspect and administer durable flows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.statusCmd(),
		a.searchCmd(),
		a.cancelCmd(),
		a.resetCmd(),
		a.restartCmd(),
		a.recoverCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	a.bundle, err = flough.NewBundle(cmd.Context(), cfg)
	return err
}

func (a *app) close() error {
	if a.bundle == nil {
		return nil
	}
	err := a.bundle.Close()
	a.bundle = nil
	return err
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <uuid>",
		Short: "Print the record of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := a.bundle.Engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	var (
		filter    flough.SearchFilter
		completed bool
		cancelled bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List flow records matching the given filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("completed") {
				filter.IsCompleted = &completed
			}
			if cmd.Flags().Changed("cancelled") {
				filter.IsCancelled = &cancelled
			}
			recs, err := a.bundle.Engine.Search(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().StringVar(&filter.Type, "type", "", "flow type")
	cmd.Flags().StringVar(&filter.ParentUUID, "parent", "", "parent flow uuid")
	cmd.Flags().BoolVar(&completed, "completed", false, "only flows with this completion state")
	cmd.Flags().BoolVar(&cancelled, "cancelled", false, "only flows with this cancellation state")
	cmd.Flags().BoolVar(&filter.ActiveOnly, "active", false, "only flows whose task is queued or running")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <uuid>",
		Short: "Cancel a flow and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bundle.Engine.Cancel(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			a.bundle.Logger.Info("flow cancelled", zap.String("flow_uuid", args[0]))
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from cli", "reason recorded in the flow's logs")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "reset <uuid> <step>",
		Aliases: []string{"rollback"},
		Short:   "Rewind a flow so it resumes at step",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step: %w", err)
			}
			if err := a.bundle.Engine.Reset(cmd.Context(), args[0], step); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s to step %d\n", args[0], step)
			return nil
		},
	}
}

func (a *app) restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <uuid>",
		Short: "Run a top-level flow again from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bundle.Engine.Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restarted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reactivate or remove tasks left behind by a stopped process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.bundle.Engine.Recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d tasks\n", n)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
