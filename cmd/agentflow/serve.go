package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/api"
)

const retentionInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and supervise sessions",
	Long: `Start the HTTP polling API. The server holds the supervisor lock for the
database: it recovers sessions left behind by a crashed supervisor, runs
every session started through the API, and applies the retention policy
hourly.

Stop with Ctrl+C; sessions still running are failed before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Listen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sup, err := newSupervisor("serve")
		if err != nil {
			return supervisorHint(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sup.close(shutdownCtx)
		}()
		if err := sup.recoverInterrupted(ctx); err != nil {
			return err
		}

		go func() {
			runRetention(ctx, sup.manager)
			ticker := time.NewTicker(retentionInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					runRetention(ctx, sup.manager)
				}
			}
		}()

		apiServer := api.NewServer(store, sup.manager, logger)
		if sup.ai != nil {
			apiServer.WithAI(sup.ai)
		}
		srv := &http.Server{
			Addr:              listen,
			Handler:           apiServer.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%s agentflow %s listening on http://%s\n", cyan("▶"), version, listen)
		logger.WithFields(logrus.Fields{
			"listen":      listen,
			"database":    cfg.DatabasePath,
			"concurrency": cfg.Concurrency,
			"ai":          cfg.AI.Enabled(),
		}).Info("Server started")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP shutdown incomplete")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config, 127.0.0.1:8420)")
	rootCmd.AddCommand(serveCmd)
}
