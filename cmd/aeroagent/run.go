package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/itsharex/aeroftp-sub001/internal/agent/loop"
	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
	"github.com/itsharex/aeroftp-sub001/internal/agent/retry"
	"github.com/itsharex/aeroftp-sub001/internal/agent/stream"
	"github.com/itsharex/aeroftp-sub001/internal/config"
)

const approvalCleanupInterval = time.Minute

type runOptions struct {
	script      string
	mode        string
	provider    string
	model       string
	metricsAddr string
	stream      bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the assistant on a prompt, or read prompts from stdin",
		Long: `Run sends a prompt to the assistant and executes the tools it asks for.
Without a prompt argument, each input line is a new message in the same
conversation; "/new" starts a fresh conversation and "/exit" quits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts, strings.TrimSpace(strings.Join(args, " ")))
		},
	}
	cmd.Flags().StringVar(&opts.script, "script", "", "JSON file of canned model replies to replay")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Agent mode: safe, normal, expert or extreme")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Model provider (overrides settings)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model name (overrides settings)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics")
	cmd.Flags().BoolVar(&opts.stream, "stream", true, "Deliver replies through the streaming session manager")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func runAgent(cmd *cobra.Command, opts runOptions, prompt string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.provider != "" {
		cfg.Provider = opts.provider
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if _, err := sessionMode(opts.mode, cfg); err != nil {
		return err
	}

	env, err := newAgentEnv(cfg, true)
	if err != nil {
		return err
	}
	defer env.Close()

	scripted, err := model.LoadScript(opts.script)
	if err != nil {
		return err
	}
	manager := stream.NewManager(cfg.StreamTimeout)
	var svc model.Service = scripted
	if opts.stream {
		svc = stream.NewService(manager, scripted)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, stream.NewRelay(manager))
	}

	snapshot := func() *config.Config { return cfg }
	if cfg.Path != "" {
		watcher, err := config.NewWatcher(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Settings watcher unavailable")
		} else if err := watcher.Start(); err == nil {
			defer watcher.Stop()
			watcher.OnChange(func(c *config.Config) {
				log.Info().Str("mode", c.Mode).Msg("Settings changed; they apply to the next conversation")
			})
			snapshot = watcher.Snapshot
		}
	}

	out := cmd.OutOrStdout()
	printer := &eventPrinter{out: out}
	orch, err := loop.New(loop.Options{
		Model:    svc,
		Registry: env.registry,
		Exec:     env.mux,
		Macros:   env.macros,
		Limiter:  env.limiter,
		Ledger:   env.ledger,
		OnEvent:  printer.handle,
		Config: loop.Config{
			SystemPrompt:   systemPrompt,
			MaxConcurrency: cfg.MaxConcurrency,
			Retry:          retry.Options{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay},
		},
	})
	if err != nil {
		return err
	}
	orch.Approvals().StartCleanup(ctx, approvalCleanupInterval)
	if err := env.plugins.Watch(ctx); err != nil {
		log.Warn().Err(err).Str("dir", cfg.PluginsDir).Msg("Plugin directory watcher unavailable")
	}

	prompter := newApprovalPrompter(cmd.InOrStdin(), out, env.registry)
	newConversation := func() (*loop.Conversation, error) {
		current := snapshot()
		if err := applyToolSettings(env.registry, current); err != nil {
			return nil, err
		}
		mode, err := sessionMode(opts.mode, current)
		if err != nil {
			return nil, err
		}
		provider, modelName := current.Provider, current.Model
		if opts.provider != "" {
			provider = opts.provider
		}
		if opts.model != "" {
			modelName = opts.model
		}
		return orch.NewConversation(loop.Settings{Provider: provider, Model: modelName, Mode: mode}), nil
	}

	conv, err := newConversation()
	if err != nil {
		return err
	}
	defer func() { orch.EndConversation(conv) }()

	if prompt != "" {
		runTurn(ctx, orch, conv, prompt, prompter, out)
		return nil
	}

	for {
		fmt.Fprint(out, color.CyanString("> "))
		line, err := prompter.readLine()
		if err != nil {
			fmt.Fprintln(out)
			return nil
		}
		switch line = strings.TrimSpace(line); line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			orch.EndConversation(conv)
			if conv, err = newConversation(); err != nil {
				return err
			}
			fmt.Fprintln(out, color.CyanString("Started a new conversation (%s mode).", conv.Settings.Mode))
			continue
		}
		runTurn(ctx, orch, conv, line, prompter, out)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runTurn runs one message, prompting for approvals until the loop stops
// asking.
func runTurn(ctx context.Context, orch *loop.Orchestrator, conv *loop.Conversation, msg string, prompter *approvalPrompter, out io.Writer) loop.Outcome {
	outcome := orch.Run(ctx, conv, msg)
	for outcome.Status == loop.StatusAwaitingApproval {
		decisions := prompter.Ask(outcome.Pending)
		outcome = orch.Resume(ctx, conv, outcome.PendingID, decisions)
	}
	printOutcome(out, outcome)
	return outcome
}

func printOutcome(out io.Writer, outcome loop.Outcome) {
	switch outcome.Status {
	case loop.StatusCompleted:
		fmt.Fprintln(out, outcome.Answer)
	case loop.StatusMaxSteps, loop.StatusRateLimited, loop.StatusBudgetExceeded, loop.StatusCancelled:
		fmt.Fprintln(out, color.YellowString("%s", outcome.Answer))
	default:
		fmt.Fprintln(out, color.RedString("%s", outcome.Answer))
	}
}

// eventPrinter renders tool progress. Notices reach the user through the
// outcome instead. Events from one level can arrive
// concurrently.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) handle(ev loop.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case loop.EventToolStart:
		fmt.Fprintf(p.out, "%s %s\n", color.New(color.Faint).Sprint("→"), describeCall(ev.Call))
	case loop.EventToolEnd:
		if ev.Result == nil {
			return
		}
		status := color.GreenString("ok")
		if ev.Result.Failed() {
			status = color.RedString("failed")
		}
		fmt.Fprintf(p.out, "%s %s %s\n", color.New(color.Faint).Sprint("←"), ev.Call.Name, status)
	}
}
