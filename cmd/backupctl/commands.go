package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edvin/boosterclub/internal/app"
	"github.com/edvin/boosterclub/internal/backup"
	"github.com/edvin/boosterclub/internal/db"
	"github.com/edvin/boosterclub/internal/model"
)

func newBackupCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a backup now",
		Long: `Run a database, blob or full backup and wait for it to finish.

Examples:
  backupctl backup --kind database
  backupctl backup --kind full`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				run, err := a.Service.CreateBackup(ctx, kind, model.TriggerManual)
				if run != nil {
					printRun(cmd.OutOrStdout(), run)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", model.BackupKindDatabase, "Backup kind: database, blob or full")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backup status summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				st, err := a.Service.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent backup runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var k *string
			if kind != "" {
				k = &kind
			}
			return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				runs, err := a.Service.List(ctx, k, limit)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only list runs of this kind")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		yes    bool
		latest string
	)
	cmd := &cobra.Command{
		Use:   "restore [backup-id]",
		Short: "Replace the database contents with a backup",
		Long: `Restore a successful database or full backup. Every table in the backup
is dropped and recreated inside one transaction; any failure rolls the
database back untouched.

A confirmation delay runs before any statement executes. Press Ctrl-C to
abort during the countdown.

Examples:
  backupctl restore 5f0c1f6e-2f57-4d1b-9a8e-0d7c3b1a2e44 --yes
  backupctl restore --latest database --yes`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (latest != "") {
				return errors.New("pass either a backup id or --latest <kind>")
			}
			if !yes {
				return errors.New("restore overwrites the live database; pass --yes to continue")
			}
			out := cmd.OutOrStdout()
			opts := app.Options{OnCountdown: func(remaining time.Duration) {
				fmt.Fprintf(out, "Restoring in %d...\n", int(remaining.Round(time.Second).Seconds()))
			}}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				var (
					res *backup.RestoreResult
					err error
				)
				if latest != "" {
					fmt.Fprintf(out, "WARNING: the latest %s backup will replace the contents of the database in %s.\n", latest, a.Service.ConfirmDelay())
					res, err = a.Service.RestoreLatest(ctx, latest)
				} else {
					fmt.Fprintf(out, "WARNING: backup %s will replace the contents of the database in %s.\n", args[0], a.Service.ConfirmDelay())
					res, err = a.Service.Restore(ctx, args[0])
				}
				if res != nil {
					printRestore(out, res)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the restore")
	cmd.Flags().StringVar(&latest, "latest", "", "Restore the newest successful backup of this kind: database or full")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <artifact-path>",
		Short: "Summarize the tables and records in a backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				report, err := a.Service.Analyze(ctx, args[0])
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete blob and full backups past their retention window",
		Long: `Delete blob and full backup artifacts older than the configured
retention. Database backups are never removed by cleanup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC()
				if dryRun {
					candidates, err := a.Service.DryRun(ctx, now)
					if err != nil {
						return err
					}
					printCandidates(out, candidates)
					return nil
				}
				res, err := a.Service.Cleanup(ctx, now)
				if res != nil {
					fmt.Fprintf(out, "Deleted %d artifacts, freed %s\n", len(res.Deleted), humanize.Bytes(uint64(res.FreedBytes)))
					for _, f := range res.Failed {
						fmt.Fprintf(out, "  failed %s: %s\n", f.Path, f.Error)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be deleted without deleting")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <artifact-path>...",
		Short: "Delete specific backup artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withApp(cmd, app.Options{}, func(ctx context.Context, a *app.App) error {
				res := a.Service.DeleteArtifacts(ctx, args)
				for _, p := range res.Deleted {
					fmt.Fprintf(out, "deleted %s\n", p)
				}
				for _, f := range res.Failed {
					fmt.Fprintf(out, "failed  %s: %s\n", f.Path, f.Error)
				}
				return res.Err()
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the backup registry migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func printRun(w io.Writer, run *model.BackupRun) {
	fmt.Fprintf(w, "ID:       %s\n", run.ID)
	fmt.Fprintf(w, "Kind:     %s\n", run.Kind)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	if run.ArtifactLocation != "" {
		fmt.Fprintf(w, "Artifact: %s (%s)\n", run.ArtifactLocation, humanize.Bytes(uint64(run.SizeBytes)))
	}
	if run.Terminal() && run.FinishedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", humanize.Time(*run.FinishedAt))
	}
	if run.DurationMillis > 0 {
		fmt.Fprintf(w, "Duration: %s\n", time.Duration(run.DurationMillis)*time.Millisecond)
	}
	for _, warn := range run.Warnings {
		fmt.Fprintf(w, "Warning:  %s\n", warn)
	}
	if run.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:    %s\n", *run.ErrorMessage)
	}
}

func printStatus(w io.Writer, st *model.BackupStatus) {
	last := "never"
	if st.LastBackup != nil {
		last = fmt.Sprintf("%s (%s)", humanize.Time(*st.LastBackup), st.LastBackupStatus)
	}
	fmt.Fprintf(w, "Last backup:  %s\n", last)
	fmt.Fprintf(w, "Backups:      %d (%s)\n", st.BackupCount, humanize.Bytes(uint64(st.TotalBackupSize)))
	if st.NextScheduledBackup != nil {
		fmt.Fprintf(w, "Next backup:  %s\n", st.NextScheduledBackup.Local().Format(time.RFC1123))
	}
	if st.RunningRunID != nil {
		since := ""
		if st.RunningSince != nil {
			since = ", started " + humanize.Time(*st.RunningSince)
		}
		fmt.Fprintf(w, "Running:      %s%s\n", *st.RunningRunID, since)
	}
	for _, kind := range model.BackupKinds {
		l, ok := st.LatestSuccessful[kind]
		if !ok {
			continue
		}
		finished := ""
		if l.FinishedAt != nil {
			finished = ", " + humanize.Time(*l.FinishedAt)
		}
		fmt.Fprintf(w, "Latest %s: %s (%s%s)\n", kind, l.ID, humanize.Bytes(uint64(l.SizeBytes)), finished)
	}
}

func printRuns(w io.Writer, runs []model.BackupRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No backups found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-8s  %-7s  %-10s  %s\n", "ID", "KIND", "STATUS", "SIZE", "STARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-8s  %-7s  %-10s  %s\n", r.ID, r.Kind, r.Status, humanize.Bytes(uint64(r.SizeBytes)), humanize.Time(r.StartedAt))
	}
}

func printRestore(w io.Writer, res *backup.RestoreResult) {
	if res.Success {
		fmt.Fprintf(w, "Restore of %s complete: %d statements in %s\n", res.RunID, res.StatementsExecuted, time.Duration(res.DurationMillis)*time.Millisecond)
		return
	}
	fmt.Fprintf(w, "Restore failed after %d statements; the database was rolled back.\n", res.StatementsExecuted)
}

func printReport(w io.Writer, report *model.AnalysisReport) {
	fmt.Fprintf(w, "Artifact: %s\n", report.Path)
	if report.Database != "" {
		fmt.Fprintf(w, "Database: %s\n", report.Database)
	}
	if report.GeneratedAt != "" {
		fmt.Fprintf(w, "Created:  %s\n", report.GeneratedAt)
	}
	fmt.Fprintf(w, "Tables:   %d\n", report.TotalTables)
	fmt.Fprintf(w, "Records:  %s\n\n", humanize.Comma(report.TotalRecords))

	fmt.Fprintf(w, "%-40s  %12s  %s\n", "TABLE", "RECORDS", "")
	for _, t := range report.TableDetails {
		note := ""
		if t.Errored {
			note = "ERROR: " + t.Error
		}
		fmt.Fprintf(w, "%-40s  %12s  %s\n", t.Name, humanize.Comma(t.Records), note)
	}
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn)
	}
}

func printCandidates(w io.Writer, candidates []backup.CleanupCandidate) {
	if len(candidates) == 0 {
		fmt.Fprintln(w, "Nothing to clean up.")
		return
	}
	var total int64
	for _, c := range candidates {
		note := ""
		if c.Orphan {
			note = " (orphan)"
		}
		fmt.Fprintf(w, "would delete %s  %s%s\n", c.Location, humanize.Bytes(uint64(c.SizeBytes)), note)
		total += c.SizeBytes
	}
	fmt.Fprintf(w, "%d artifacts, %s\n", len(candidates), humanize.Bytes(uint64(total)))
}
