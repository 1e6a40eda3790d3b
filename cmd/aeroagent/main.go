package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itsharex/aeroftp-sub001/internal/config"
	"github.com/itsharex/aeroftp-sub001/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "aeroagent",
	Short:         "AeroAgent - autonomous file management assistant",
	Long:          `AeroAgent runs a tool-using assistant over a local workspace with approval gates, rate limits and monthly budgets.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AEROAGENT_CONFIG"), "Path to the YAML settings file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(macrosCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "AeroAgent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

// loadConfig reads the settings and reconfigures logging from them.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "aeroagent",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

func main() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "warn",
		Component: "aeroagent",
	})
	defer logging.Shutdown()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Shutdown()
		os.Exit(1)
	}
}
