package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

type pathRequest struct {
	Path string `mapstructure:"path"`
}

type searchRequest struct {
	Path    string `mapstructure:"path"`
	Pattern string `mapstructure:"pattern"`
}

type writeRequest struct {
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
}

type editRequest struct {
	Path       string `mapstructure:"path"`
	Find       string `mapstructure:"find"`
	Replace    string `mapstructure:"replace"`
	ReplaceAll bool   `mapstructure:"replace_all"`
}

type renameRequest struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// Entry is one item of a directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (e *Executor) list(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[pathRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	dir, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return tools.Output{}, err
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entry := Entry{Name: item.Name(), IsDir: item.IsDir()}
		if info, err := item.Info(); err == nil && !item.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	return tools.NewJSONOutput(entries), nil
}

func (e *Executor) read(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[pathRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	file, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	f, err := os.Open(file)
	if err != nil {
		return tools.Output{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return tools.Output{}, err
	}
	truncated := len(data) > maxReadBytes
	if truncated {
		data = data[:maxReadBytes]
	}
	if !utf8.Valid(data) {
		return tools.NewErrorOutput(fmt.Sprintf("%s is not a text file", req.Path)), nil
	}
	text := string(data)
	if truncated {
		text += fmt.Sprintf("\n[truncated at %d bytes]", maxReadBytes)
	}
	return tools.NewTextOutput(text), nil
}

func (e *Executor) search(ctx context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[searchRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	dir, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	pattern := strings.ToLower(req.Pattern)
	glob := strings.ContainsAny(pattern, "*?[")

	var matches []string
	limited := false
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		name := strings.ToLower(d.Name())
		matched := strings.Contains(name, pattern)
		if glob {
			matched, _ = filepath.Match(pattern, name)
		}
		if !matched {
			return nil
		}
		if len(matches) == maxSearchResults {
			limited = true
			return fs.SkipAll
		}
		matches = append(matches, e.display(p))
		return nil
	})
	if err != nil {
		return tools.Output{}, err
	}
	if len(matches) == 0 {
		return tools.NewTextOutput(fmt.Sprintf("No matches for %q", req.Pattern)), nil
	}
	text := strings.Join(matches, "\n")
	if limited {
		text += fmt.Sprintf("\n[showing first %d matches]", maxSearchResults)
	}
	return tools.NewTextOutput(text), nil
}

func (e *Executor) write(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[writeRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	file, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	before := ""
	if existing, err := os.ReadFile(file); err == nil {
		before = string(existing)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return tools.Output{}, err
	}
	if err := os.WriteFile(file, []byte(req.Content), 0o644); err != nil {
		return tools.Output{}, err
	}
	summary := LineDiff(before, req.Content)
	return tools.NewTextOutput(fmt.Sprintf("Wrote %s (%s)", e.display(file), summary)), nil
}

func (e *Executor) edit(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[editRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	if req.Find == "" {
		return tools.Output{}, agenterrors.ValidationFailed("", []string{"find must not be empty"})
	}
	file, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return tools.Output{}, err
	}
	before := string(data)

	count := strings.Count(before, req.Find)
	switch {
	case count == 0:
		return tools.NewErrorOutput(fmt.Sprintf("text to replace was not found in %s", req.Path)), nil
	case count > 1 && !req.ReplaceAll:
		return tools.NewErrorOutput(fmt.Sprintf("text to replace occurs %d times in %s; set replace_all or give more context", count, req.Path)), nil
	}

	n := 1
	if req.ReplaceAll {
		n = -1
	}
	after := strings.Replace(before, req.Find, req.Replace, n)
	info, err := os.Stat(file)
	if err != nil {
		return tools.Output{}, err
	}
	if err := os.WriteFile(file, []byte(after), info.Mode().Perm()); err != nil {
		return tools.Output{}, err
	}
	replaced := 1
	if req.ReplaceAll {
		replaced = count
	}
	summary := LineDiff(before, after)
	return tools.NewTextOutput(fmt.Sprintf("Edited %s, %d replacement(s) (%s)", e.display(file), replaced, summary)), nil
}

func (e *Executor) mkdir(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[pathRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	dir, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput(fmt.Sprintf("Created %s", e.display(dir))), nil
}

func (e *Executor) rename(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[renameRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	from, err := e.resolve(req.From)
	if err != nil {
		return tools.Output{}, err
	}
	to, err := e.resolve(req.To)
	if err != nil {
		return tools.Output{}, err
	}
	if _, err := os.Stat(to); err == nil {
		return tools.Output{}, fmt.Errorf("%s already exists", req.To)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return tools.Output{}, err
	}
	if err := os.Rename(from, to); err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput(fmt.Sprintf("Renamed %s to %s", e.display(from), e.display(to))), nil
}

func (e *Executor) delete(_ context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[pathRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	target, err := e.resolve(req.Path)
	if err != nil {
		return tools.Output{}, err
	}
	if target == e.root {
		return tools.Output{}, agenterrors.ValidationFailed("", []string{"refusing to delete the workspace root"})
	}
	if _, err := os.Lstat(target); err != nil {
		return tools.Output{}, err
	}
	if err := os.RemoveAll(target); err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput(fmt.Sprintf("Deleted %s", e.display(target))), nil
}
