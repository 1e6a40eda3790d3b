package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxOutputBytes = 1 << 20

	maxStderrBytes = 500
)

const shellMetacharacters = "|&;`$()<>{}\n\r!#"

type boundTool struct {
	pluginID string
	dir      string
	def      ToolDef
}

// Runner executes plugin tools. Arguments are written to the process as
// JSON on stdin; stdout is the result.
type Runner struct {
	Timeout time.Duration

	mu    sync.RWMutex
	tools map[string]boundTool
}

// NewRunner creates a runner with the default timeout.
func NewRunner() *Runner {
	return &Runner{Timeout: DefaultTimeout, tools: make(map[string]boundTool)}
}

// Set replaces the tools the runner serves.
func (r *Runner) Set(manifests []Manifest) {
	bound := make(map[string]boundTool)
	for _, m := range manifests {
		for _, t := range m.Tools {
			bound[t.Name] = boundTool{pluginID: m.ID, dir: m.Dir, def: t}
		}
	}
	r.mu.Lock()
	r.tools = bound
	r.mu.Unlock()
}

// Execute implements tools.Executor.
func (r *Runner) Execute(ctx context.Context, name string, args map[string]any) (tools.Output, error) {
	r.mu.RLock()
	bt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return tools.Output{}, agenterrors.ToolNotFound(name)
	}

	argv, err := commandArgs(bt.def.Command)
	if err != nil {
		return tools.Output{}, agenterrors.ExecutionFailed(name, err, false)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("encode arguments: %w", err), false)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := tools.NewCappedBuffer(MaxOutputBytes)
	stderr := tools.NewCappedBuffer(maxStderrBytes)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = bt.dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	log.Debug().
		Str("plugin", bt.pluginID).
		Str("tool", name).
		Dur("duration", time.Since(start)).
		Msg("Plugin tool finished")

	if ctx.Err() == context.DeadlineExceeded {
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("plugin %q timed out after %s", name, timeout), true)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := string(stderr.Bytes())
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("plugin %q failed (exit %d): %s", name, exitErr.ExitCode(), strings.TrimSpace(msg)), false)
	}
	if err != nil {
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("failed to start plugin process: %w", err), false)
	}

	if stdout.Truncated() {
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("plugin output exceeds %d bytes limit", MaxOutputBytes), false)
	}
	return decodeOutput(name, stdout.Bytes())
}

// commandArgs splits a manifest command into argv, rejecting shell syntax
// and executables given as absolute or traversing paths.
func commandArgs(command string) ([]string, error) {
	if strings.ContainsAny(command, shellMetacharacters) {
		return nil, fmt.Errorf("plugin command contains forbidden shell metacharacters")
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("plugin command is empty")
	}
	program := argv[0]
	if strings.Contains(program, "..") || strings.HasPrefix(program, "/") {
		return nil, fmt.Errorf("plugin command must be a relative path without traversal: %s", program)
	}
	return argv, nil
}

func decodeOutput(name string, stdout []byte) (tools.Output, error) {
	if len(stdout) > MaxOutputBytes {
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("plugin output exceeds %d bytes limit", MaxOutputBytes), false)
	}
	if !utf8.Valid(stdout) {
		return tools.Output{}, agenterrors.ExecutionFailed(name, fmt.Errorf("plugin output is not valid UTF-8"), false)
	}

	var value any
	if err := json.Unmarshal(stdout, &value); err != nil {
		return tools.NewJSONOutput(map[string]string{"result": strings.TrimSpace(string(stdout))}), nil
	}
	if obj, ok := value.(map[string]any); ok {
		if success, present := obj["success"].(bool); present && !success {
			if msg, ok := obj["error"].(string); ok && msg != "" {
				return tools.NewErrorOutput(msg), nil
			}
			return tools.NewErrorOutput(strings.TrimSpace(string(stdout))), nil
		}
	}
	return tools.NewJSONOutput(value), nil
}
