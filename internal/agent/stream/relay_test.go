package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
)

func TestRelayDeliversFrames(t *testing.T) {
	m := NewManager(2 * time.Second)
	srv := httptest.NewServer(NewRelay(m))
	defer srv.Close()

	s := m.Open("relay-1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(Frame{SessionID: "relay-1", StreamEvent: model.StreamEvent{Content: "hello "}}))
	require.NoError(t, conn.WriteJSON(Frame{StreamEvent: model.StreamEvent{Content: "orphan"}}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"session_id":"relay-1","content":"world","done":true,"output_tokens":2}`)))

	reply, err := m.Wait(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply.Content)
	assert.Equal(t, 2, reply.Usage.OutputTokens)
}
