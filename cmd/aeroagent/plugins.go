package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/itsharex/aeroftp-sub001/internal/agent/plugins"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List, install or remove plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manifests, err := plugins.Load(cfg.PluginsDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(manifests) == 0 {
			fmt.Fprintf(out, "No plugins installed in %s.\n", cfg.PluginsDir)
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PLUGIN\tVERSION\tTOOL\tDANGER")
		for _, m := range manifests {
			for _, t := range m.Tools {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Version, t.Name, dangerLabel(t.Danger()))
			}
		}
		return w.Flush()
	},
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <plugin.json>",
	Short: "Install a plugin manifest into the plugins directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		id, err := plugins.Install(cfg.PluginsDir, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed plugin %s into %s\n", id, filepath.Join(cfg.PluginsDir, id))
		return nil
	},
}

var pluginsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := plugins.Remove(cfg.PluginsDir, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed plugin %s\n", args[0])
		return nil
	},
}

func init() {
	pluginsCmd.AddCommand(pluginsInstallCmd)
	pluginsCmd.AddCommand(pluginsRemoveCmd)
}
