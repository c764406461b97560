package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrelhq/petrel/internal/capability"
	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/providers"
	"github.com/petrelhq/petrel/internal/skills"
	"github.com/petrelhq/petrel/internal/store"
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/pkg/models"
)

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report provider, store, skill, and tool readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runStatus(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall probe timeout")
	return cmd
}

func runStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fmt.Fprintln(out, "Providers:")
	adapters := providers.BuildAdapters(&cfg.LLM, logger)
	if len(adapters) == 0 {
		fmt.Fprintln(out, "  (none configured)")
	}
	for _, name := range sortedKeys(adapters) {
		state := "unreachable"
		if adapters[name].Probe(ctx) {
			state = "ok"
		}
		marker := ""
		if name == cfg.LLM.Default {
			marker = " (default)"
		}
		fmt.Fprintf(out, "  %-12s %s%s\n", name, state, marker)
	}

	fmt.Fprintln(out, "Store:")
	if st, err := store.Open(ctx, cfg.Database); err != nil {
		fmt.Fprintf(out, "  %s: %v\n", cfg.Database.Driver, err)
	} else {
		fmt.Fprintf(out, "  %s: ok\n", cfg.Database.Driver)
		_ = st.Close()
	}

	fmt.Fprintln(out, "Skills:")
	skillMgr := skills.NewManager(cfg.Skills.Dirs, cfg.Workspace.Root, skillOverrides(cfg.Skills), logger)
	if err := skillMgr.Discover(ctx); err != nil {
		fmt.Fprintf(out, "  discovery failed: %v\n", err)
	} else {
		eligible := skillMgr.ListEligible()
		all := skillMgr.ListAll()
		fmt.Fprintf(out, "  %d discovered, %d eligible\n", len(all), len(eligible))
		reasons := skillMgr.IneligibleReasons()
		for _, name := range sortedKeys(reasons) {
			fmt.Fprintf(out, "  - %s: %s\n", name, reasons[name])
		}
	}

	fmt.Fprintln(out, "Tools:")
	caps := capability.NewRegistry(capability.Options{Logger: logger})
	registry := tools.NewRegistry(caps)
	if err := tools.RegisterBuiltins(registry, cfg.Tools, tools.BuiltinDeps{
		WorkspaceRoot: cfg.Workspace.Root,
	}); err != nil {
		return err
	}
	caps.SyncSkills(skillMgr)
	statuses := caps.RefreshAll(ctx)
	for _, name := range sortedKeys(statuses) {
		result := statuses[name]
		if result.Status == models.StatusReady {
			fmt.Fprintf(out, "  %-18s ready\n", name)
			continue
		}
		detail := result.Detail
		if detail == "" {
			detail = string(result.Status)
		}
		fmt.Fprintf(out, "  %-18s %s (%s)\n", name, result.Status, detail)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
