package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"nhooyr.io/websocket"
)

// statusPollInterval is how often the websocket feed checks the status
// document for changes.
const statusPollInterval = time.Second

// handleStatusWS streams the status document over a websocket. The document
// is pushed whenever its file changes on disk, so a connected dashboard sees
// supervisor and dispatcher updates without polling the REST endpoint.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.CloseNow()

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Status websocket connected")

	ctx := r.Context()
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	path := s.tree.StatusFile()
	var lastMod time.Time

	send := func() error {
		info, err := os.Stat(path)
		if err != nil {
			// No status document yet; keep waiting.
			return nil
		}
		if !info.ModTime().After(lastMod) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		lastMod = info.ModTime()

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, data)
	}

	// Push the current document immediately; the zero lastMod makes the
	// first check always fire when the file exists.
	if err := send(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := send(); err != nil {
				s.log.Debug().Err(err).Msg("Status websocket closed")
				return
			}
		}
	}
}
