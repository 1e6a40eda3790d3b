package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/itsharex/aeroftp-sub001/internal/agent/budget"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to the assistant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		env, err := newAgentEnv(cfg, false)
		if err != nil {
			return err
		}
		defer env.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tDANGER\tORIGIN\tDESCRIPTION")
		for _, def := range env.registry.List() {
			name := def.Name
			if def.Exclusive {
				name += "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, dangerLabel(def.Danger), def.Origin, def.Description)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), color.New(color.Faint).Sprint("* runs alone, never alongside other calls"))
		return nil
	},
}

var macrosCmd = &cobra.Command{
	Use:   "macros",
	Short: "List configured macros",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		lib, err := loadMacros(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		macros := lib.List()
		if len(macros) == 0 {
			fmt.Fprintln(out, "No macros configured.")
			return nil
		}
		for _, m := range macros {
			fmt.Fprintf(out, "%s", color.New(color.Bold).Sprint(m.Name))
			if m.Description != "" {
				fmt.Fprintf(out, " - %s", m.Description)
			}
			fmt.Fprintln(out)
			for i, step := range m.Steps {
				fmt.Fprintf(out, "  %d. %s %s\n", i+1, step.Tool, formatStepArgs(step.Args))
			}
		}
		return nil
	},
}

func formatStepArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, " ")
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show month-to-date spend per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger := budget.NewLedger()
		for provider, usd := range cfg.BudgetCaps {
			ledger.SetCap(provider, usd)
		}
		store, err := budget.OpenSQLite(cfg.LedgerPath())
		if err != nil {
			return err
		}
		defer store.Close()
		if err := ledger.SetPersistence(store); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		summary := ledger.Summary()
		fmt.Fprintf(out, "Spend for %s (UTC)\n", time.Now().UTC().Format("January 2006"))
		if len(summary) == 0 {
			fmt.Fprintln(out, "No usage recorded this month.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tSPENT\tCAP")
		for _, s := range summary {
			capText := "none"
			if s.CapUSD > 0 {
				capText = fmt.Sprintf("$%.2f", s.CapUSD)
			}
			spent := fmt.Sprintf("$%.2f", s.SpentUSD)
			if s.CapUSD > 0 && s.SpentUSD >= s.CapUSD {
				spent = color.RedString("%s", spent)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Provider, spent, capText)
		}
		return w.Flush()
	},
}
