package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/config"
	"github.com/steveyegge/agentflow/internal/fileset"
	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/storage"
	"github.com/steveyegge/agentflow/internal/types"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [dir]",
	Short: "Analyze a directory and wait for the session to finish",
	Long: `Collect the files under dir (default: the directory holding the
.agentflow state directory), start an analysis session over them and follow
its progress until it is terminal.

The capability set comes from the capabilities file (--capabilities, default
.agentflow/capabilities.yaml) and falls back to --preset or the configured
preset. A new project stores the resolved set as its defaults.

Ctrl+C cancels the session; findings recorded so far are kept.

Examples:
  agentflow analyze                       # Standard preset over the current directory
  agentflow analyze ./src --preset quick  # Documentation only
  agentflow analyze --project shop --exclude 'testdata/'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		} else if projectRoot, err := storage.GetProjectRoot(cfg.DatabasePath); err == nil {
			dir = projectRoot
		}
		projectName, _ := cmd.Flags().GetString("project")
		capsPath, _ := cmd.Flags().GetString("capabilities")
		preset, _ := cmd.Flags().GetString("preset")
		excludes, _ := cmd.Flags().GetStringSlice("exclude")
		showFindings, _ := cmd.Flags().GetInt("show")

		root, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("invalid directory: %w", err)
		}
		if projectName == "" {
			projectName = filepath.Base(root)
		}

		fallback := cfg.Preset
		if preset != "" {
			fallback = config.Preset(preset)
			if !fallback.IsValid() {
				return fmt.Errorf("unknown preset %q (quick, standard, thorough)", preset)
			}
		}
		if capsPath == "" {
			capsPath = stateFile("capabilities.yaml")
		}
		specs, err := config.LoadCapabilities(capsPath, fallback)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		project, err := findOrCreateProject(ctx, projectName, specs)
		if err != nil {
			return err
		}

		sup, err := newSupervisor("analyze")
		if err != nil {
			return supervisorHint(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sup.close(shutdownCtx)
		}()
		if err := sup.recoverInterrupted(ctx); err != nil {
			return err
		}

		builder := fileset.NewBuilder(root, nil)
		builder.Exclude = append(builder.Exclude, excludes...)
		collected, err := builder.Collect(ctx, project.ID)
		if err != nil {
			return err
		}
		reportSkipped(collected.Skipped)

		res, err := sup.manager.Start(ctx, session.StartRequest{
			ProjectID:    project.ID,
			Files:        collected.Files,
			Capabilities: specs,
		})
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s %s\n", cyan("▶"), titleStyle.Render("Analyzing "+project.Name))
		fmt.Printf("  Session:  %s\n", res.Session.ID)
		fmt.Printf("  Files:    %d\n", len(collected.Files))
		fmt.Printf("  Order:    %v\n", res.Order)
		fmt.Printf("  Estimate: %s\n\n", res.EstimatedDuration)

		sess, err := follow(ctx, sup.manager, res.Session.ID)
		if err != nil {
			return err
		}

		snap, err := session.NewReporter(store).Snapshot(ctx, sess.ID)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(renderSnapshot(snap))

		if showFindings > 0 && snap.TotalFindings > 0 {
			findings, err := store.ListFindings(ctx, types.FindingFilter{
				SessionID:   sess.ID,
				MinSeverity: types.SeverityLow,
				Limit:       showFindings,
			})
			if err != nil {
				return err
			}
			fmt.Println()
			for _, f := range findings {
				displayFinding(f)
			}
			if snap.TotalFindings > len(findings) {
				fmt.Printf("\n%s\n", dimStyle.Render(fmt.Sprintf(
					"%d findings in total: agentflow findings %s", snap.TotalFindings, sess.ID)))
			}
		}

		if sess.Status == types.SessionFailed {
			return fmt.Errorf("session failed: %s", sess.Reason)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringP("project", "p", "", "Project name (default: directory name)")
	analyzeCmd.Flags().String("capabilities", "", "Capabilities file (default: .agentflow/capabilities.yaml)")
	analyzeCmd.Flags().String("preset", "", "Capability preset: quick, standard, thorough")
	analyzeCmd.Flags().StringSlice("exclude", nil, "Additional exclusion patterns")
	analyzeCmd.Flags().Int("show", 20, "Number of findings to print when done (0 to hide)")
	rootCmd.AddCommand(analyzeCmd)
}

func findOrCreateProject(ctx context.Context, name string, defaults []types.CapabilitySpec) (*types.Project, error) {
	project, err := store.FindProjectByName(ctx, name)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	project = &types.Project{
		Name:                name,
		DefaultCapabilities: defaults,
		DefaultModel:        cfg.AI.Model,
	}
	if err := store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	logger.WithField("project", project.ID).Infof("Created project %s", name)
	return project, nil
}

func reportSkipped(skipped []fileset.SkippedFile) {
	if len(skipped) == 0 {
		return
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s Skipped %d file(s)\n", yellow("⚠"), len(skipped))
	for _, s := range skipped {
		logger.WithField("path", s.Path).Debugf("Skipped: %s", s.Reason)
	}
}

// follow prints run transitions until the session is terminal. The first
// Ctrl+C cancels the session; the supervisor then winds it down.
func follow(ctx context.Context, manager *session.Manager, sessionID string) (*types.Session, error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	var sess *types.Session
	var waitErr error
	go func() {
		defer close(done)
		sess, waitErr = manager.Wait(ctx, sessionID)
	}()

	reporter := session.NewReporter(store)
	seen := make(map[types.CapabilityType]types.RunStatus)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Printf("\n%s\n", color.YellowString("Cancelling session..."))
			if err := manager.Cancel(ctx, sessionID, "interrupted by user"); err != nil &&
				!errors.Is(err, types.ErrSessionTerminal) {
				logger.WithError(err).Warn("Cancel failed")
			}
		case <-ticker.C:
			snap, err := reporter.Snapshot(ctx, sessionID)
			if err != nil {
				logger.WithError(err).Debug("Snapshot failed")
				continue
			}
			printTransitions(snap, seen)
		case <-done:
			if waitErr != nil {
				return nil, waitErr
			}
			if snap, err := reporter.Snapshot(ctx, sessionID); err == nil {
				printTransitions(snap, seen)
			}
			return sess, nil
		}
	}
}

func printTransitions(snap *session.Snapshot, seen map[types.CapabilityType]types.RunStatus) {
	for _, run := range snap.Runs {
		if seen[run.Capability] == run.Status || run.Status == types.RunQueued {
			continue
		}
		seen[run.Capability] = run.Status

		line := fmt.Sprintf("%s %-12s %s", runStatusIcon(run.Status), run.Capability, run.Status)
		switch run.Status {
		case types.RunSucceeded:
			line += fmt.Sprintf(" (%d findings, %s)", run.FindingCount, run.Duration.Round(time.Millisecond))
		case types.RunFailed, types.RunSkipped:
			if run.Error != "" {
				line += ": " + run.Error
			}
		}
		fmt.Println(runStatusStyle(run.Status).Render(line))
	}
}
