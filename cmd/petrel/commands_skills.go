package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/skills"
)

func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect discovered skills",
	}
	cmd.AddCommand(buildSkillsListCmd(), buildSkillsRefreshCmd())
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	var (
		configPath string
		showAll    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Discover skills and print the eligible set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			mgr := skills.NewManager(cfg.Skills.Dirs, cfg.Workspace.Root, skillOverrides(cfg.Skills), logger)
			if err := mgr.Discover(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			eligible := mgr.ListEligible()
			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			for _, skill := range eligible {
				group := skill.Group
				if group == "" {
					group = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", skill.Name, group, skill.Description)
			}
			tw.Flush()
			fmt.Fprintf(out, "%d eligible of %d discovered\n", len(eligible), len(mgr.ListAll()))

			if showAll {
				reasons := mgr.IneligibleReasons()
				for _, name := range sortedKeys(reasons) {
					fmt.Fprintf(out, "  gated: %s (%s)\n", name, reasons[name])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&showAll, "all", "a", false, "Also list gated skills with reasons")
	return cmd
}

func buildSkillsRefreshCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-scan skill directories and re-evaluate gating",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			mgr := skills.NewManager(cfg.Skills.Dirs, cfg.Workspace.Root, skillOverrides(cfg.Skills), logger)
			if err := mgr.Discover(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d skills, %d eligible\n", len(mgr.ListAll()), len(mgr.ListEligible()))
			reasons := mgr.IneligibleReasons()
			for _, name := range sortedKeys(reasons) {
				fmt.Fprintf(out, "  gated: %s (%s)\n", name, reasons[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}
