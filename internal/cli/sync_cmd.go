package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexanderramin/dayplan/internal/cli/formatter"
	"github.com/spf13/cobra"
)

func newSyncCmd(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes to the backing store",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case force:
				app.Sync.SetOnline(true)
			case app.Remote != nil:
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				err := app.Remote.Ping(ctx)
				cancel()
				app.Sync.SetOnline(err == nil)
				if err != nil {
					return fmt.Errorf("backing store unreachable, changes stay queued: %w", err)
				}
			}

			res, err := app.Sync.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatSyncResult(res))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip the connectivity check")

	return cmd
}

func newQueueCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue",
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := app.Sync.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatQueue(ops))
			return nil
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue <op-id>",
		Short: "Retry a failed or review operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Sync.Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", args[0])
			return nil
		},
	}

	discard := &cobra.Command{
		Use:   "discard <op-id>",
		Short: "Drop an operation without syncing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Sync.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return nil
		},
	}

	resolutions := &cobra.Command{
		Use:   "resolutions [entity-id]",
		Short: "Show how conflicts were resolved",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entity string
			if len(args) == 1 {
				entity = args[0]
			}
			rs, err := app.Sync.Resolutions(cmd.Context(), entity)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatResolutions(rs))
			return nil
		},
	}

	cmd.AddCommand(list, requeue, discard, resolutions)
	return cmd
}

func newStorageCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show local cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Plans.GetStorageStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatStorage(st, app.HighWaterPct))
			return nil
		},
	}
}

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run background sync and compliance monitoring until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Worker == nil {
				return fmt.Errorf("background worker is not configured")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Fprintln(cmd.OutOrStdout(), formatter.Dim("Running. Press Ctrl-C to stop."))
			return app.Worker.Run(ctx)
		},
	}
}
