package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoggingState() {
	Shutdown()
	mu.Lock()
	defer mu.Unlock()

	baseComponent = ""
	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
}

func TestInitSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug", Component: "loop"})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	mu.RLock()
	defer mu.RUnlock()
	assert.Equal(t, "loop", baseComponent)
}

func TestParseLevel(t *testing.T) {
	var buf bytes.Buffer
	orig := stderr
	stderr = &buf
	t.Cleanup(func() { stderr = orig })

	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
	assert.Contains(t, buf.String(), `invalid level "loud"`)
}

func TestSelectWriterAutoUsesConsoleOnTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)

	isTerminalFn = func(int) bool { return true }
	_, ok := selectWriter("auto").(zerolog.ConsoleWriter)
	assert.True(t, ok)

	isTerminalFn = func(int) bool { return false }
	assert.Equal(t, os.Stderr, selectWriter("auto"))
}

func TestFromContextCarriesConversationID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	mu.Lock()
	baseLogger = zerolog.New(&buf)
	mu.Unlock()

	ctx, id := WithConversationID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, ConversationID(ctx))

	logger := FromContext(ctx)
	logger.Info().Msg("hello")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, id, event["conversation_id"])
	assert.Equal(t, "hello", event["message"])
}

func TestWithConversationIDKeepsExplicitID(t *testing.T) {
	ctx, id := WithConversationID(nil, "  conv-1 ")
	assert.Equal(t, "conv-1", id)
	assert.Equal(t, "conv-1", ConversationID(ctx))
}

func TestSizeCappedFileRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")

	w, err := newSizeCappedFile(Config{FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	w.maxBytes = 16

	_, err = w.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdefghij\n"))
	require.NoError(t, err)

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n", string(rotated))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(current), "abcdefghij"))
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	Init(Config{Format: "json", Level: "info", FilePath: path})
	log.Info().Str("tool", "local_read").Msg("dispatched")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool":"local_read"`)
}
