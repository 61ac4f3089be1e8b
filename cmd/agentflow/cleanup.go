package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/config"
	"github.com/steveyegge/agentflow/internal/session"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cleanup and maintenance commands",
	Long:  `Commands for cleaning up old data and performing database maintenance.`,
}

var cleanupEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Clean up old session events",
	Long: `Delete old session events according to the retention policy.

Executes two cleanup strategies in sequence:
  1. Time-based: delete events older than the retention period
     (error events are kept for the longer error retention period)
  2. Per-session: keep at most the configured number of events per session

Configuration comes from the events section of the config file and the
AGENTFLOW_EVENT_* environment variables.

Examples:
  agentflow cleanup events            # Run cleanup with configured retention
  agentflow cleanup events --vacuum   # Run cleanup and reclaim disk space`,
	RunE: func(cmd *cobra.Command, args []string) error {
		vacuum, _ := cmd.Flags().GetBool("vacuum")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
		defer cancel()

		retention := cfg.Events
		retention.Vacuum = retention.Vacuum || vacuum
		fmt.Printf("Event retention: %s\n\n", retention)

		before, err := store.GetEventCounts(ctx)
		if err != nil {
			return fmt.Errorf("failed to get event counts: %w", err)
		}
		fmt.Printf("Current events: %s\n", formatNumber(before.TotalEvents))

		start := time.Now()
		deleted, err := cleanupEvents(ctx, retention)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("\n%s Cleanup complete\n", green("✓"))
		fmt.Printf("  Events deleted: %s\n", formatNumber(deleted))

		after, err := store.GetEventCounts(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to get final event counts")
			remaining := before.TotalEvents - deleted
			if remaining < 0 {
				remaining = 0
			}
			fmt.Printf("  Events remaining: ~%s (estimated)\n", formatNumber(remaining))
		} else {
			fmt.Printf("  Events remaining: %s\n", formatNumber(after.TotalEvents))
		}
		fmt.Printf("  Time taken: %s\n", time.Since(start).Round(time.Millisecond))
		if !retention.Vacuum {
			fmt.Printf("\nNote: Use --vacuum to reclaim disk space\n")
		}
		return nil
	},
}

var cleanupSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Delete old terminal sessions",
	Long: `Delete terminal sessions older than the configured maximum age, keeping
the most recent ones of every project. Runs, findings and events of deleted
sessions go with them.

Examples:
  agentflow cleanup sessions                  # Configured age and keep count
  agentflow cleanup sessions --max-age 168h   # Older than a week
  agentflow cleanup sessions --keep 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		retention := cfg.Sessions
		if cmd.Flags().Changed("max-age") {
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			retention.MaxAgeHours = int(maxAge / time.Hour)
		}
		if cmd.Flags().Changed("keep") {
			retention.Keep, _ = cmd.Flags().GetInt("keep")
		}
		if err := retention.Validate(); err != nil {
			return err
		}
		if retention.MaxAgeHours == 0 {
			fmt.Println(dimStyle.Render("Session pruning disabled (max age 0)"))
			return nil
		}

		sup, err := newSupervisor("cleanup")
		if err != nil {
			return supervisorHint(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sup.close(shutdownCtx)
		}()

		deleted, err := pruneSessions(cmd.Context(), sup.manager, retention)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Deleted %s session(s) (%s)\n", green("✓"), formatNumber(deleted), retention)
		return nil
	},
}

func init() {
	cleanupEventsCmd.Flags().Bool("vacuum", false, "Run VACUUM after cleanup to reclaim disk space")
	cleanupSessionsCmd.Flags().Duration("max-age", 0, "Delete sessions that finished longer ago than this")
	cleanupSessionsCmd.Flags().Int("keep", 0, "Always keep this many recent sessions per project")

	cleanupCmd.AddCommand(cleanupEventsCmd)
	cleanupCmd.AddCommand(cleanupSessionsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// cleanupEvents applies the event retention policy and returns how many
// events were deleted.
func cleanupEvents(ctx context.Context, retention config.EventRetentionConfig) (int, error) {
	total := 0

	deleted, err := store.CleanupEventsByAge(ctx, retention.RetentionDays, retention.ErrorRetentionDays, retention.BatchSize)
	if err != nil {
		return total, fmt.Errorf("time-based cleanup failed: %w", err)
	}
	total += deleted

	if retention.PerSessionLimit > 0 {
		deleted, err := store.CleanupEventsBySessionLimit(ctx, retention.PerSessionLimit, retention.BatchSize)
		if err != nil {
			return total, fmt.Errorf("per-session cleanup failed: %w", err)
		}
		total += deleted
	}

	if retention.Vacuum {
		if err := store.VacuumDatabase(ctx); err != nil {
			return total, fmt.Errorf("VACUUM failed: %w", err)
		}
	}
	return total, nil
}

// pruneSessions applies the session retention policy to every project.
func pruneSessions(ctx context.Context, manager *session.Manager, retention config.SessionRetentionConfig) (int, error) {
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range projects {
		n, err := manager.Prune(ctx, p.ID, retention.MaxAge(), retention.Keep)
		total += n
		if err != nil {
			return total, fmt.Errorf("pruning project %s: %w", p.Name, err)
		}
	}
	return total, nil
}

// runRetention is the periodic maintenance pass of a long-running server.
func runRetention(ctx context.Context, manager *session.Manager) {
	log := logger.WithField("component", "retention")

	if cfg.Events.Enabled {
		deleted, err := cleanupEvents(ctx, cfg.Events)
		if err != nil {
			log.WithError(err).Warn("Event cleanup failed")
		} else if deleted > 0 {
			log.WithField("deleted", deleted).Info("Cleaned up old events")
		}
	}

	if cfg.Sessions.MaxAgeHours > 0 {
		deleted, err := pruneSessions(ctx, manager, cfg.Sessions)
		if err != nil {
			log.WithError(err).Warn("Session pruning failed")
		} else if deleted > 0 {
			log.WithFields(logrus.Fields{"deleted": deleted, "keep": cfg.Sessions.Keep}).Info("Pruned old sessions")
		}
	}
}
