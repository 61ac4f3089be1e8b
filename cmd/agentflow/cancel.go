package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/api"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel an active session",
	Long: `Cancel an active session. Queued capabilities are skipped, running ones
are stopped, and the session ends failed with the reason recorded. Findings
already recorded are kept.

When a server supervises the database, pass its address with --server so the
running supervisor performs the cancel.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		server, _ := cmd.Flags().GetString("server")
		ctx := cmd.Context()
		id := args[0]

		if server != "" {
			if err := cancelRemote(ctx, server, id, reason); err != nil {
				return err
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Cancel requested for session %s\n", green("✓"), id)
			return nil
		}

		sup, err := newSupervisor("cancel")
		if err != nil {
			return supervisorHint(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sup.close(shutdownCtx)
		}()

		if err := sup.manager.Cancel(ctx, id, reason); err != nil {
			return err
		}
		sess, err := store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Session %s %s: %s\n", green("✓"), id, sess.Status, sess.Reason)
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringP("reason", "r", "", "Reason recorded on the session")
	cancelCmd.Flags().String("server", "", "Address of a running agentflow server (e.g. http://127.0.0.1:8420)")
	rootCmd.AddCommand(cancelCmd)
}

// cancelRemote asks a running server to cancel a session.
func cancelRemote(ctx context.Context, server, id, reason string) error {
	body, err := json.Marshal(api.CancelRequest{Reason: reason})
	if err != nil {
		return err
	}
	url := strings.TrimRight(server, "/") + "/sessions/" + id + "/cancel"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server: %s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
