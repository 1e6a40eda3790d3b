package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	root := t.TempDir()
	e, err := New(root, filepath.Join(t.TempDir(), "memory.md"))
	require.NoError(t, err)
	return e, e.Root()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func run(t *testing.T, e *Executor, name string, args map[string]any) tools.Output {
	t.Helper()
	out, err := e.Execute(context.Background(), name, args)
	require.NoError(t, err)
	return out
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)
}

func TestRegisterRoutesEveryTool(t *testing.T) {
	e, root := newTestExecutor(t)
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	mux := tools.NewMux()
	e.Register(mux)

	out, err := mux.Execute(context.Background(), "local_read", map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)

	for _, name := range e.Names() {
		_, ok := tools.NewBuiltinRegistry().Lookup(name)
		assert.True(t, ok, "%s is not in the built-in catalogue", name)
	}
}

func TestUnknownToolIsNotFound(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, err := e.Execute(context.Background(), "remote_list", map[string]any{"path": "/"})
	assert.True(t, errors.Is(err, agenterrors.ErrToolNotFound))
}

func TestPathsAreConfinedToRoot(t *testing.T) {
	e, root := newTestExecutor(t)
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "secret")
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	for _, p := range []string{"../escape.txt", filepath.Join(outside, "secret.txt"), "link/secret.txt"} {
		_, err := e.Execute(context.Background(), "local_read", map[string]any{"path": p})
		require.Error(t, err, p)
		assert.True(t, errors.Is(err, agenterrors.ErrValidationFailed), p)
		assert.Contains(t, err.Error(), "escapes the workspace")
	}

	// Absolute paths inside the root are fine.
	writeFile(t, filepath.Join(root, "inside.txt"), "ok")
	assert.Equal(t, "ok", run(t, e, "local_read", map[string]any{"path": filepath.Join(root, "inside.txt")}).Text)
}

func TestListAndSearch(t *testing.T) {
	e, root := newTestExecutor(t)
	writeFile(t, filepath.Join(root, "docs", "readme.md"), "# docs")
	writeFile(t, filepath.Join(root, "docs", "notes.txt"), "notes")
	writeFile(t, filepath.Join(root, "src", "main.go"), "package main")

	var entries []Entry
	require.NoError(t, json.Unmarshal([]byte(run(t, e, "local_list", map[string]any{"path": "docs"}).Text), &entries))
	assert.Equal(t, []Entry{{Name: "notes.txt", Size: 5}, {Name: "readme.md", Size: 6}}, entries)

	assert.Equal(t, "docs/readme.md", run(t, e, "local_search", map[string]any{"path": ".", "pattern": "READ"}).Text)
	assert.Equal(t, "src/main.go", run(t, e, "local_search", map[string]any{"path": ".", "pattern": "*.go"}).Text)
	assert.Equal(t, `No matches for "zzz"`, run(t, e, "local_search", map[string]any{"path": ".", "pattern": "zzz"}).Text)
}

func TestReadRejectsBinary(t *testing.T) {
	e, root := newTestExecutor(t)
	writeFile(t, filepath.Join(root, "blob.bin"), string([]byte{0xff, 0xfe, 0x00}))

	out := run(t, e, "local_read", map[string]any{"path": "blob.bin"})
	assert.True(t, out.IsError)
}

func TestReadMissingFileFails(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, err := e.Execute(context.Background(), "local_read", map[string]any{"path": "nope.txt"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrExecutionFailed))
	assert.Contains(t, err.Error(), "no such file")
}

func TestWriteReportsDiff(t *testing.T) {
	e, root := newTestExecutor(t)

	out := run(t, e, "local_write", map[string]any{"path": "new/file.txt", "content": "one\ntwo\n"})
	assert.True(t, strings.HasPrefix(out.Text, "Wrote new/file.txt (+2 -0"))

	out = run(t, e, "local_write", map[string]any{"path": "new/file.txt", "content": "one\nthree\n"})
	assert.Contains(t, out.Text, "+1 -1")
	assert.Contains(t, out.Text, "-two")
	assert.Contains(t, out.Text, "+three")

	data, err := os.ReadFile(filepath.Join(root, "new", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\nthree\n", string(data))
}

func TestEdit(t *testing.T) {
	e, root := newTestExecutor(t)
	path := filepath.Join(root, "config.ini")
	writeFile(t, path, "host=a\nport=1\nhost=a\n")

	out := run(t, e, "local_edit", map[string]any{"path": "config.ini", "find": "host=a", "replace": "host=b"})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Text, "occurs 2 times")

	out = run(t, e, "local_edit", map[string]any{"path": "config.ini", "find": "missing", "replace": "x"})
	assert.True(t, out.IsError)

	out = run(t, e, "local_edit", map[string]any{"path": "config.ini", "find": "host=a", "replace": "host=b", "replace_all": true})
	assert.False(t, out.IsError)
	assert.Contains(t, out.Text, "2 replacement(s)")
	assert.Contains(t, out.Text, "+2 -2")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "host=b\nport=1\nhost=b\n", string(data))
}

func TestEditRejectsMistypedArguments(t *testing.T) {
	e, root := newTestExecutor(t)
	writeFile(t, filepath.Join(root, "a.txt"), "x")

	_, err := e.Execute(context.Background(), "local_edit", map[string]any{"path": "a.txt", "find": "x", "replace": "y", "replace_all": "yes"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrValidationFailed))
}

func TestMkdirRenameDelete(t *testing.T) {
	e, root := newTestExecutor(t)

	run(t, e, "local_mkdir", map[string]any{"path": "a/b"})
	assert.DirExists(t, filepath.Join(root, "a", "b"))

	writeFile(t, filepath.Join(root, "a", "b", "f.txt"), "x")
	run(t, e, "local_rename", map[string]any{"from": "a/b/f.txt", "to": "c/g.txt"})
	assert.FileExists(t, filepath.Join(root, "c", "g.txt"))

	writeFile(t, filepath.Join(root, "c", "h.txt"), "y")
	_, err := e.Execute(context.Background(), "local_rename", map[string]any{"from": "c/h.txt", "to": "c/g.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	run(t, e, "local_delete", map[string]any{"path": "a"})
	assert.NoDirExists(t, filepath.Join(root, "a"))

	_, err = e.Execute(context.Background(), "local_delete", map[string]any{"path": "."})
	require.Error(t, err)
	assert.DirExists(t, root)
}

func TestArchiveRoundTrip(t *testing.T) {
	e, root := newTestExecutor(t)
	writeFile(t, filepath.Join(root, "site", "index.html"), "<html></html>")
	writeFile(t, filepath.Join(root, "site", "css", "main.css"), "body{}")

	out := run(t, e, "archive_create", map[string]any{"paths": []any{"site"}, "output_path": "out/site.zip"})
	assert.Equal(t, "Created out/site.zip with 2 file(s)", out.Text)

	out = run(t, e, "archive_extract", map[string]any{"archive_path": "out/site.zip", "output_path": "restored"})
	assert.Equal(t, "Extracted 2 file(s) to restored", out.Text)

	data, err := os.ReadFile(filepath.Join(root, "restored", "site", "css", "main.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(data))
}

func TestMemoryReadWrite(t *testing.T) {
	e, _ := newTestExecutor(t)
	nowFn = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { nowFn = time.Now })

	assert.Equal(t, "No project memory yet.", run(t, e, "memory_read", nil).Text)

	run(t, e, "memory_write", map[string]any{"entry": "deploys go to /var/www"})
	run(t, e, "memory_write", map[string]any{"entry": "multi\nline"})

	assert.Equal(t, "- [2026-03-01] deploys go to /var/www\n- [2026-03-01] multi line\n", run(t, e, "memory_read", nil).Text)

	_, err := e.Execute(context.Background(), "memory_write", map[string]any{"entry": "  "})
	require.Error(t, err)
}

func TestShellExecute(t *testing.T) {
	e, root := newTestExecutor(t)
	writeFile(t, filepath.Join(root, "marker"), "")

	out := run(t, e, "shell_execute", map[string]any{"command": "ls"})
	assert.Equal(t, "marker\n", out.Text)

	out = run(t, e, "shell_execute", map[string]any{"command": "echo boom >&2; exit 3"})
	assert.True(t, out.IsError)
	assert.Equal(t, "exit status 3\nboom\n", out.Text)

	e.ShellTimeout = 50 * time.Millisecond
	_, err := e.Execute(context.Background(), "shell_execute", map[string]any{"command": "sleep 5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLineDiffTruncatesPreview(t *testing.T) {
	var after strings.Builder
	for i := 0; i < maxDiffPreviewLines+5; i++ {
		after.WriteString("line\n")
	}
	summary := LineDiff("", after.String())
	assert.Equal(t, maxDiffPreviewLines+5, summary.Added)
	assert.Len(t, summary.Preview, maxDiffPreviewLines)
	assert.True(t, summary.Truncated)
	assert.True(t, strings.HasSuffix(summary.String(), "\n..."))
}
