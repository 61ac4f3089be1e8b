package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/agentflow/internal/capabilities"
	"github.com/steveyegge/agentflow/internal/config"
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List available capabilities and presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := capabilities.NewRegistry(nil, logger)
		if err != nil {
			return err
		}

		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("%s\n", yellow("Capabilities:"))
		for _, d := range registry.Descriptors() {
			fmt.Printf("  %s\n", titleStyle.Render(string(d.Type)))
			fmt.Printf("    %s\n", d.Description)
			if len(d.Dependencies) > 0 {
				deps := make([]string, len(d.Dependencies))
				for i, dep := range d.Dependencies {
					deps[i] = string(dep)
				}
				fmt.Printf("    %s %s\n", gray("depends on:"), strings.Join(deps, ", "))
			}
			if len(d.FilePatterns) > 0 {
				fmt.Printf("    %s %s\n", gray("files:"), strings.Join(d.FilePatterns, " "))
			}
		}

		fmt.Printf("\n%s\n", yellow("Presets:"))
		for _, p := range []config.Preset{config.PresetQuick, config.PresetStandard, config.PresetThorough} {
			specs, err := p.Capabilities()
			if err != nil {
				return err
			}
			names := make([]string, len(specs))
			for i, s := range specs {
				names[i] = string(s.Type)
			}
			marker := " "
			if p == cfg.Preset {
				marker = "*"
			}
			fmt.Printf("  %s %-9s %s\n", marker, p, strings.Join(names, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}
