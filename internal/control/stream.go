package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// writeTimeout bounds a single websocket push.
const writeTimeout = 5 * time.Second

// stream upgrades to a websocket and pushes a [Snapshot] immediately and
// then every StreamInterval until the client goes away or the server stops.
// Messages from the client are ignored.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	for {
		if err := s.push(ctx, conn); err != nil {
			if ctx.Err() == nil && !isClosed(err) {
				s.log.Warn("control: status stream write failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, s.cfg.Snapshot())
}

func isClosed(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled)
}
