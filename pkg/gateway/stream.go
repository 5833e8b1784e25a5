package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// handleStream upgrades to a websocket and forwards every analysis result
// for the entity as one JSON text message. The subscription outlives
// individual sessions, so a dashboard can stay connected across restarts
// of the stream itself.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		slog.Warn("gateway: websocket upgrade", "entity", entity, "err", err)
		return
	}
	defer conn.Close()

	results, cancel := s.coord.Subscribe(entity)
	defer cancel()

	// The read loop only exists to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("gateway: stream opened", "entity", entity, "peer", r.RemoteAddr)
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := conn.WriteJSON(res); err != nil {
				slog.Debug("gateway: stream write", "entity", entity, "err", err)
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
