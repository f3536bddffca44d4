package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/syncore/internal/db"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/network"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
	"github.com/kimhsiao/syncore/internal/uuid"
)

// withApp opens the sync core for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, aopts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts.cfg, aopts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list the applied ones",
		Long: `Apply pending schema migrations and list the applied ones.

With --down the newest applied migration is rolled back with its .down.sql
script. Run it with the binary that applied the migration before installing
an older release; any other command re-applies pending migrations on open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				migrator := db.NewMigrator(a.database.DB, db.Migrations())
				if down {
					if err := migrator.Down(ctx); err != nil {
						return err
					}
				}
				applied, err := migrator.AppliedMigrations(ctx)
				if err != nil {
					return err
				}
				current, err := migrator.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(applied, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
					for _, m := range applied {
						fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.AppliedAt.Format(time.RFC3339), m.Description)
					}
					_ = tw.Flush()
					fmt.Fprintf(w, "schema version: %d\n", current)
					fmt.Fprintf(w, "database: %s\n", a.database.Path())
				})
			})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the newest applied migration")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				st, err := a.engine.Status(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(st, func(w io.Writer) {
					fmt.Fprintf(w, "state:    %s\n", st.State)
					fmt.Fprintf(w, "pending:  %d\n", st.Pending)
					fmt.Fprintf(w, "failed:   %d\n", st.Failed)
					if st.LastSyncAt != nil {
						fmt.Fprintf(w, "last sync: %s\n", st.LastSyncAt.Format(time.RFC3339))
					}
				})
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the backend and run one sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{requireRemote: true}, func(ctx context.Context, a *app) error {
				network.NewProber(a.client, a.monitor, opts.cfg.Network.ProbeInterval, nil).Probe(ctx)

				result, err := a.engine.ForceSync(ctx)
				if err != nil {
					return err
				}
				if err := opts.printer(cmd).print(result, func(w io.Writer) { printResult(w, result) }); err != nil {
					return err
				}
				if !result.Success {
					msg := result.Message
					if msg == "" {
						msg = "sync cycle failed"
					}
					return apperrors.New(apperrors.ErrSyncRemote, msg)
				}
				return nil
			})
		},
	}
}

func printResult(w io.Writer, r *syncpkg.SyncResult) {
	fmt.Fprintf(w, "synced: %d  failed: %d  conflicts: %d  (%s)\n",
		r.Synced, r.Failed, r.Conflicts, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Message != "" {
		fmt.Fprintln(w, r.Message)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		data     string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <kind> <CREATE|UPDATE|DELETE>",
		Short: "Queue a mutation for delivery",
		Long: `Queue a mutation for delivery. --data is the record as JSON; a CREATE
without an id gets a new UUID. The record id of UPDATE and DELETE comes
from the payload.`,
		Example: `  syncd enqueue members CREATE --data '{"name":"Ada"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseEntityKind(args[0])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid kind", err)
			}
			actionType, err := models.ParseActionType(args[1])
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid action type", err)
			}
			payload, err := models.DecodeRecord(kind, []byte(data))
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "invalid --data", err)
			}
			if payload.RecordID() == "" {
				if actionType != models.ActionCreate {
					return apperrors.Newf(apperrors.ErrInvalid, "%s needs a record id", actionType)
				}
				payload.SetRecordID(uuid.New())
			}
			p := kind.DefaultPriority()
			if cmd.Flags().Changed("priority") {
				if priority < int(models.PriorityCritical) || priority > int(models.PriorityLow) {
					return apperrors.Newf(apperrors.ErrInvalid, "priority must be between %d and %d", models.PriorityCritical, models.PriorityLow)
				}
				p = models.Priority(priority)
			}

			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				action, err := a.engine.QueueAction(ctx, actionType, payload, p)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(action, func(w io.Writer) {
					fmt.Fprintf(w, "queued action %d: %s %s/%s (priority %d)\n",
						action.ID, action.ActionType, action.EntityKind, action.RecordID, action.Priority)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "record JSON")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority 0 (critical) to 3 (low); defaults per kind")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newFailedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List actions that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				actions, err := a.engine.ListFailed(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(actions, func(w io.Writer) { printActions(w, actions) })
			})
		},
	}
}

func printActions(w io.Writer, actions []*models.SyncAction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tKIND\tRECORD\tRETRIES\tCREATED\tLAST ERROR")
	for _, a := range actions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.ActionType, a.EntityKind, a.RecordID, a.RetryCount, a.CreatedAt.Format(time.RFC3339), a.LastError)
	}
	_ = tw.Flush()
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [action-id...]",
		Short: "Re-queue failed actions (all of them without ids)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "invalid action id "+strconv.Quote(arg), err)
				}
				ids = append(ids, id)
			}
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				requeued, err := a.engine.RetryFailed(ctx, ids...)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(requeued, func(w io.Writer) {
					fmt.Fprintf(w, "re-queued %d action(s)\n", len(requeued))
				})
			})
		},
	}
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge failed actions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("retention") {
				retention = opts.cfg.Sync.FailedRetention
			}
			if retention < 0 {
				return apperrors.New(apperrors.ErrInvalid, "retention must not be negative")
			}
			return withApp(cmd, opts, appOptions{}, func(ctx context.Context, a *app) error {
				purged, err := a.engine.Cleanup(ctx, retention)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(map[string]int64{"purged": purged}, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d failed action(s)\n", purged)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "age limit (defaults to sync.failed_retention)")
	return cmd
}
