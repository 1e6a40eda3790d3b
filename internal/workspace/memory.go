package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

type memoryWriteRequest struct {
	Entry string `mapstructure:"entry"`
}

var nowFn = time.Now

func (e *Executor) memoryRead(_ context.Context, _ map[string]any) (tools.Output, error) {
	if e.memoryPath == "" {
		return tools.NewTextOutput("No project memory configured."), nil
	}
	data, err := os.ReadFile(e.memoryPath)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(data))) == 0) {
		return tools.NewTextOutput("No project memory yet."), nil
	}
	if err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput(string(data)), nil
}

func (e *Executor) memoryWrite(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[memoryWriteRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	entry := strings.TrimSpace(req.Entry)
	if entry == "" {
		return tools.Output{}, agenterrors.ValidationFailed("", []string{"entry must not be empty"})
	}
	if e.memoryPath == "" {
		return tools.NewErrorOutput("No project memory configured."), nil
	}
	if err := os.MkdirAll(filepath.Dir(e.memoryPath), 0o700); err != nil {
		return tools.Output{}, err
	}
	f, err := os.OpenFile(e.memoryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return tools.Output{}, err
	}
	line := fmt.Sprintf("- [%s] %s\n", nowFn().UTC().Format("2006-01-02"), strings.ReplaceAll(entry, "\n", " "))
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return tools.Output{}, err
	}
	if err := f.Close(); err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput("Saved to project memory."), nil
}
