// Package workspace executes the local built-in tools against a directory
// tree. Every path is resolved inside the workspace root.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

const (
	maxReadBytes      = 1 << 20
	maxSearchResults  = 200
	maxShellOutput    = 1 << 20
	defaultShellLimit = 60 * time.Second
)

// ErrOutsideWorkspace is returned for paths that resolve outside the root.
var ErrOutsideWorkspace = errors.New("path escapes the workspace")

// Executor runs the local file, archive, memory and shell tools.
type Executor struct {
	root       string
	memoryPath string

	// ShellTimeout bounds shell_execute.
	ShellTimeout time.Duration

	handlers map[string]func(context.Context, map[string]any) (tools.Output, error)
}

// New creates an executor rooted at root. memoryPath is the project memory
// file; it may live outside the root.
func New(root, memoryPath string) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}

	e := &Executor{root: abs, memoryPath: memoryPath, ShellTimeout: defaultShellLimit}
	e.handlers = map[string]func(context.Context, map[string]any) (tools.Output, error){
		"local_list":      e.list,
		"local_read":      e.read,
		"local_search":    e.search,
		"local_write":     e.write,
		"local_edit":      e.edit,
		"local_mkdir":     e.mkdir,
		"local_rename":    e.rename,
		"local_delete":    e.delete,
		"archive_create":  e.archiveCreate,
		"archive_extract": e.archiveExtract,
		"memory_read":     e.memoryRead,
		"memory_write":    e.memoryWrite,
		"shell_execute":   e.shell,
	}
	return e, nil
}

// Root returns the absolute workspace root.
func (e *Executor) Root() string {
	return e.root
}

// Names lists the tools this executor serves, sorted.
func (e *Executor) Names() []string {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register routes every tool this executor serves through mux.
func (e *Executor) Register(mux *tools.Mux) {
	for _, name := range e.Names() {
		mux.Handle(name, e)
	}
}

// Execute implements tools.Executor.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (tools.Output, error) {
	handler, ok := e.handlers[name]
	if !ok {
		return tools.Output{}, agenterrors.ToolNotFound(name)
	}
	out, err := handler(ctx, args)
	if err != nil {
		var agentErr *agenterrors.AgentError
		if errors.As(err, &agentErr) {
			if agentErr.Tool == "" {
				agentErr.Tool = name
			}
			return tools.Output{}, agentErr
		}
		return tools.Output{}, agenterrors.ExecutionFailed(name, err, false)
	}
	log.Debug().Str("tool", name).Bool("soft_failure", out.IsError).Msg("Workspace tool finished")
	return out, nil
}

// decode maps loosely typed call arguments onto a request struct.
func decode[T any](args map[string]any) (T, error) {
	var req T
	if err := mapstructure.Decode(args, &req); err != nil {
		return req, agenterrors.ValidationFailed("", []string{fmt.Sprintf("invalid arguments: %v", err)})
	}
	return req, nil
}

// resolve maps a tool path onto the filesystem, rejecting anything that
// leaves the root, including through symlinks.
func (e *Executor) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", agenterrors.ValidationFailed("", []string{"path is required"})
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(e.root, full)
	}
	full = filepath.Clean(full)
	if !e.inside(full) {
		return "", agenterrors.ValidationFailed("", []string{fmt.Sprintf("%s: %v", p, ErrOutsideWorkspace)})
	}
	if resolved, err := filepath.EvalSymlinks(full); err == nil && !e.inside(resolved) {
		return "", agenterrors.ValidationFailed("", []string{fmt.Sprintf("%s: %v", p, ErrOutsideWorkspace)})
	}
	return full, nil
}

func (e *Executor) inside(p string) bool {
	rel, err := filepath.Rel(e.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *Executor) display(full string) string {
	rel, err := filepath.Rel(e.root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}
