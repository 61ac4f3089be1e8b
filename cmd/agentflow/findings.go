package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/types"
)

var findingsCmd = &cobra.Command{
	Use:   "findings <session-id>",
	Short: "List findings recorded by a session",
	Long: `List the findings of a session grouped by capability.

Examples:
  agentflow findings 3f2a...                         # All findings
  agentflow findings 3f2a... --capability security   # Security findings only
  agentflow findings 3f2a... --min-severity high     # High and critical`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		capType, _ := cmd.Flags().GetString("capability")
		kind, _ := cmd.Flags().GetString("kind")
		minSeverity, _ := cmd.Flags().GetString("min-severity")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		filter := types.FindingFilter{
			SessionID:   args[0],
			Capability:  types.CapabilityType(capType),
			Kind:        kind,
			MinSeverity: types.Severity(minSeverity),
			Limit:       limit,
		}
		if !filter.MinSeverity.IsValid() {
			return fmt.Errorf("invalid severity %q", minSeverity)
		}

		if _, err := store.GetSession(ctx, filter.SessionID); err != nil {
			return err
		}
		findings, err := store.ListFindings(ctx, filter)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(findings)
		}

		if len(findings) == 0 {
			fmt.Println(dimStyle.Render("No findings"))
			return nil
		}
		for _, f := range findings {
			displayFinding(f)
		}
		fmt.Printf("\n%s findings: %s\n", formatNumber(len(findings)), strings.Join(severityCounts(findings), ", "))
		return nil
	},
}

func init() {
	findingsCmd.Flags().StringP("capability", "c", "", "Only findings of this capability")
	findingsCmd.Flags().StringP("kind", "k", "", "Only findings of this kind")
	findingsCmd.Flags().StringP("min-severity", "s", "", "Minimum severity: info, low, medium, high, critical")
	findingsCmd.Flags().IntP("limit", "n", 0, "Maximum findings to list (0 for all)")
	findingsCmd.Flags().Bool("json", false, "Print findings as JSON")
	rootCmd.AddCommand(findingsCmd)
}
