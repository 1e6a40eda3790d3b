package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/approval"
	"github.com/itsharex/aeroftp-sub001/internal/agent/budget"
	"github.com/itsharex/aeroftp-sub001/internal/agent/macro"
	"github.com/itsharex/aeroftp-sub001/internal/agent/plugins"
	"github.com/itsharex/aeroftp-sub001/internal/agent/ratelimit"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	"github.com/itsharex/aeroftp-sub001/internal/config"
	"github.com/itsharex/aeroftp-sub001/internal/workspace"
)

const systemPrompt = `You are a file management assistant. Use the available tools to inspect and change files. ` +
	"When a tool is not available natively, write the call as a ```tool fenced JSON block with \"name\" and \"arguments\"."

// agentEnv is the set of collaborators shared by the CLI commands.
type agentEnv struct {
	cfg       *config.Config
	registry  *tools.Registry
	mux       *tools.Mux
	workspace *workspace.Executor
	plugins   *plugins.Host
	macros    *macro.Library
	limiter   *ratelimit.Limiter
	ledger    *budget.Ledger
	store     *budget.SQLiteStore
}

// newAgentEnv builds the registry, executors and ledger from cfg. The
// ledger database is opened only when withLedger is set.
func newAgentEnv(cfg *config.Config, withLedger bool) (*agentEnv, error) {
	env := &agentEnv{
		cfg:      cfg,
		registry: tools.NewBuiltinRegistry(),
		mux:      tools.NewMux(),
		limiter:  ratelimit.New(cfg.RateLimitPerMinute, time.Minute),
		ledger:   budget.NewLedger(),
	}
	if err := applyToolSettings(env.registry, cfg); err != nil {
		return nil, err
	}

	ws, err := workspace.New(cfg.WorkspaceDir, cfg.MemoryPath())
	if err != nil {
		return nil, err
	}
	env.workspace = ws
	ws.Register(env.mux)

	env.plugins = plugins.NewHost(cfg.PluginsDir, env.registry, env.mux)
	if _, err := env.plugins.Reload(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.PluginsDir).Msg("Failed to load plugins")
	}

	lib, err := loadMacros(cfg)
	if err != nil {
		return nil, err
	}
	env.macros = lib
	for _, def := range lib.Definitions() {
		if err := env.registry.Register(def); err != nil {
			log.Warn().Err(err).Str("macro", def.Name).Msg("Skipping macro that shadows a tool")
		}
	}

	for provider, usd := range cfg.BudgetCaps {
		env.ledger.SetCap(provider, usd)
	}
	if withLedger {
		store, err := budget.OpenSQLite(cfg.LedgerPath())
		if err != nil {
			return nil, err
		}
		if err := env.ledger.SetPersistence(store); err != nil {
			store.Close()
			return nil, err
		}
		env.store = store
	}
	return env, nil
}

func (e *agentEnv) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close budget ledger")
		}
	}
}

func applyToolSettings(registry *tools.Registry, cfg *config.Config) error {
	overrides, err := cfg.ParsedDangerOverrides()
	if err != nil {
		return err
	}
	registry.SetDangerOverrides(overrides)
	registry.SetExclusivePatterns(cfg.ExclusiveTools)
	return nil
}

func loadMacros(cfg *config.Config) (*macro.Library, error) {
	var all []macro.Macro
	if cfg.MacrosFile != "" {
		lib, err := macro.LoadLibrary(cfg.MacrosFile)
		if err != nil {
			return nil, err
		}
		all = append(all, lib.List()...)
	}
	// Inline macros win over file macros of the same name.
	all = append(all, cfg.Macros...)
	return macro.NewLibrary(all...), nil
}

// sessionMode resolves the mode for a new conversation: an explicit flag
// wins over the configured mode.
func sessionMode(flag string, cfg *config.Config) (approval.Mode, error) {
	if flag == "" {
		return cfg.AgentMode(), nil
	}
	mode, err := approval.ParseMode(flag)
	if err != nil {
		return "", fmt.Errorf("--mode: %w", err)
	}
	return mode, nil
}
