// Package wsrelay is a thin front-end boundary adapter: it upgrades an
// HTTP connection to a WebSocket, subscribes to a session, and writes
// one binary WebSocket message per NAL unit. It performs no CRUD, no
// auth, no multi-unit framing — those are the surrounding server's job.
package wsrelay

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/virtdisplay/sessionstream/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve upgrades r/w to a WebSocket, subscribes to sess, and forwards
// every received NAL unit as one binary message until the subscriber
// ends or the connection breaks. It always unregisters the subscriber
// before returning.
func Serve(w http.ResponseWriter, r *http.Request, sess *session.Session, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	connID := uuid.NewString()
	logger = logger.With("connection_id", connID, "session_id", sess.ID())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sub := sess.Subscribe()
	defer sub.Close()

	logger.Info("subscriber attached", "remote", r.RemoteAddr)
	defer logger.Info("subscriber detached")

	ctx := r.Context()
	go drainClientReads(ws, logger)

	for {
		unit, ok := sub.Recv(ctx)
		if !ok {
			return
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, unit); err != nil {
			logger.Debug("write failed, closing subscriber", "error", err)
			return
		}
	}
}

// drainClientReads discards anything the client sends (this protocol
// is server-to-client only) so the connection's read side never
// backs up and the close handshake is still observed.
func drainClientReads(ws *websocket.Conn, logger *slog.Logger) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
