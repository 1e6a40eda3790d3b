package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var relayReadLimit int64 = MaxContentBytes

// Frame is a stream event addressed to a session, as sent over the relay.
type Frame struct {
	SessionID string `json:"session_id"`
	model.StreamEvent
}

// Relay accepts websocket connections from a provider bridge and delivers
// each frame to the manager.
type Relay struct {
	Manager *Manager
}

// NewRelay creates a relay delivering to m.
func NewRelay(m *Manager) *Relay {
	return &Relay{Manager: m}
}

// ServeHTTP upgrades the connection and reads frames until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("Failed to clear read deadline via ResponseController")
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade stream relay connection")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(relayReadLimit)

	log.Debug().Str("remote", req.RemoteAddr).Msg("Stream relay connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Stream relay read error")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("Failed to parse stream relay frame")
			continue
		}
		if f.SessionID == "" {
			log.Warn().Msg("Stream relay frame without session id")
			continue
		}
		r.Manager.Deliver(f.SessionID, f.StreamEvent)
	}
}
