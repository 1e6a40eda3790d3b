package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

type shellRequest struct {
	Command string `mapstructure:"command"`
}

func (e *Executor) shell(ctx context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[shellRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return tools.Output{}, agenterrors.ValidationFailed("", []string{"command must not be empty"})
	}

	ctx, cancel := context.WithTimeout(ctx, e.ShellTimeout)
	defer cancel()

	out := tools.NewCappedBuffer(maxShellOutput)
	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Dir = e.root
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return tools.Output{}, fmt.Errorf("command timed out after %s", e.ShellTimeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return tools.NewErrorOutput(fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), out.String())), nil
	}
	if err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput(out.String()), nil
}
