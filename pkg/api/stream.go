package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// handleStatsStream pushes a pool snapshot to the client every StatsInterval
// until the client disconnects or the server stops.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	if !s.trackStream() {
		s.writeErrorResponse(w, r, http.StatusServiceUnavailable, "Server is shutting down", nil)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := zerolog.Ctx(r.Context())
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Stats stream opened")

	// The read pump only services control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("Stats stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.StatsInterval)
	defer ticker.Stop()
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(s.pool.Stats()); err != nil {
			logger.Debug().Err(err).Msg("Stats stream write error")
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !send() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			logger.Info().Msg("Stats stream closed by client")
			return
		case <-s.shutdown:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}

// trackStream registers a stream with the server's wait group, or reports false
// once Stop has begun.
func (s *Server) trackStream() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
		s.wg.Add(1)
		return true
	}
}
