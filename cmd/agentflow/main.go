// Command agentflow runs code-analysis sessions over a project's files and
// reports their progress and findings.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/ai"
	"github.com/steveyegge/agentflow/internal/capabilities"
	"github.com/steveyegge/agentflow/internal/config"
	"github.com/steveyegge/agentflow/internal/dispatch"
	"github.com/steveyegge/agentflow/internal/session"
	"github.com/steveyegge/agentflow/internal/sink"
	"github.com/steveyegge/agentflow/internal/storage"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfg    *config.Config
	logger *logrus.Logger
	store  storage.Storage
)

var rootCmd = &cobra.Command{
	Use:           "agentflow",
	Short:         "Run supervised code-analysis sessions",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		configPath, _ := cmd.Flags().GetString("config")
		dbPath, _ := cmd.Flags().GetString("db")
		logLevel, _ := cmd.Flags().GetString("log-level")

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		switch {
		case dbPath != "":
			cfg.DatabasePath = dbPath
		case cfg.DatabasePath == config.DefaultDatabasePath:
			// Nothing configured: use whichever database the state dir holds
			if found, err := storage.DiscoverDatabase(); err == nil {
				cfg.DatabasePath = found
			}
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = cfg.Log.Logger()
		if err != nil {
			return err
		}

		store, err = storage.NewStorage(cmd.Context(), &storage.Config{Path: cfg.DatabasePath})
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
		}
		logger.WithField("path", cfg.DatabasePath).Debug("Database opened")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultPath, "Path to config file")
	rootCmd.PersistentFlags().String("db", "", "Database path (default from config, "+config.DefaultDatabasePath+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// supervisor owns the session manager of this process. Only one process per
// database may hold it, so interrupted sessions are recovered exactly once.
type supervisor struct {
	manager  *session.Manager
	ai       *ai.Client // nil when AI enrichment is off
	lockPath string
}

func newSupervisor(holder string) (*supervisor, error) {
	lockPath, err := storage.AcquireSupervisorLock(cfg.DatabasePath, holder, version)
	if err != nil {
		return nil, err
	}

	var (
		describer capabilities.Describer
		aiClient  *ai.Client
	)
	if cfg.AI.Enabled() {
		retry := ai.DefaultRetryConfig()
		retry.MaxConcurrentCalls = cfg.AI.MaxConcurrent
		aiClient, err = ai.NewClient(ai.Config{
			APIKey:            cfg.AI.APIKey,
			Model:             cfg.AI.Model,
			Retry:             retry,
			RequestsPerSecond: cfg.AI.RequestsPerSecond,
			Logger:            logger,
		})
		if err != nil {
			_ = storage.ReleaseSupervisorLock(lockPath)
			return nil, fmt.Errorf("failed to create AI client: %w", err)
		}
		describer = capabilities.NewAIDescriber(aiClient)
	}

	registry, err := capabilities.NewRegistry(describer, logger)
	if err != nil {
		_ = storage.ReleaseSupervisorLock(lockPath)
		return nil, err
	}

	rec := sink.New(store, sink.Config{
		MaxRetries:     cfg.Sink.MaxRetries,
		InitialBackoff: cfg.Sink.InitialBackoff.Std(),
		MaxBackoff:     cfg.Sink.MaxBackoff.Std(),
		Logger:         logger,
	})
	dispatcher := dispatch.NewDispatcher(registry, rec, dispatch.Config{
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	})
	manager := session.NewManager(store, registry, dispatcher, session.Config{
		DefaultTimeout:  cfg.DefaultTimeout.Std(),
		PerFileEstimate: cfg.PerFileEstimate.Std(),
		Logger:          logger,
	})

	return &supervisor{manager: manager, ai: aiClient, lockPath: lockPath}, nil
}

// recover fails sessions a previous supervisor left behind.
func (s *supervisor) recoverInterrupted(ctx context.Context) error {
	n, err := s.manager.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Marked %d interrupted session(s) as failed\n", yellow("⚠"), n)
	}
	return nil
}

// close fails whatever is still running and releases the lock.
func (s *supervisor) close(ctx context.Context) {
	if err := s.manager.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Sessions still running at shutdown")
	}
	if err := storage.ReleaseSupervisorLock(s.lockPath); err != nil {
		logger.WithError(err).Warn("Failed to release supervisor lock")
	}
}

// supervisorHint explains how to reach a running server when the lock is taken.
func supervisorHint(err error) error {
	if errors.Is(err, storage.ErrSupervisorRunning) {
		return fmt.Errorf("%w\n  Use --server to talk to it, or stop it first", err)
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stateFile returns path relative to the directory holding the database.
func stateFile(name string) string {
	return filepath.Join(cfg.StateDir(), name)
}
