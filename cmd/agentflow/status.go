package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show progress of a session, or of all active sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		showEvents, _ := cmd.Flags().GetBool("events")
		ctx := cmd.Context()
		reporter := session.NewReporter(store)

		var ids []string
		if len(args) == 1 {
			ids = args
		} else {
			active, err := store.ListActiveSessions(ctx)
			if err != nil {
				return err
			}
			for _, s := range active {
				ids = append(ids, s.ID)
			}
		}

		if len(ids) == 0 {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s\n", gray("No active sessions"))
			return nil
		}

		snaps := make([]*session.Snapshot, 0, len(ids))
		for _, id := range ids {
			snap, err := reporter.Snapshot(ctx, id)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if len(args) == 1 {
				return enc.Encode(snaps[0])
			}
			return enc.Encode(snaps)
		}

		for i, snap := range snaps {
			if i > 0 {
				fmt.Println()
			}
			fmt.Println(renderSnapshot(snap))
			if showEvents {
				evs, err := store.GetSessionEvents(ctx, events.EventFilter{SessionID: snap.SessionID})
				if err != nil {
					return err
				}
				for _, ev := range evs {
					displayEvent(ev)
				}
			}
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()

		filter := types.SessionFilter{
			Status: types.SessionStatus(status),
			Limit:  limit,
		}
		if filter.Status != "" && !filter.Status.IsValid() {
			return fmt.Errorf("invalid status %q", status)
		}
		if projectName != "" {
			project, err := store.FindProjectByName(ctx, projectName)
			if err != nil {
				return err
			}
			filter.ProjectID = project.ID
		}

		sessions, err := store.ListSessions(ctx, filter)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println(dimStyle.Render("No sessions"))
			return nil
		}
		fmt.Println(renderSessions(sessions))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print snapshots as JSON")
	statusCmd.Flags().BoolP("events", "e", false, "Include the session event log")
	sessionsCmd.Flags().StringP("project", "p", "", "Only sessions of this project")
	sessionsCmd.Flags().String("status", "", "Only sessions in this status")
	sessionsCmd.Flags().IntP("limit", "n", 20, "Maximum sessions to list")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
}
