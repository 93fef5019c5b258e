package bridge

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// ws serves the duplex status channel. Any text the client sends is
// treated as a status ping and answered with a fresh snapshot; the hub may
// additionally push broadcast notifications on the same connection at any
// time. A disconnect tears down only this connection.
func (b *Bridge) ws(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn := b.hub.Register(wsConn)
	defer b.hub.Unregister(conn)
	b.logger.Debugw("accepted WebSocket conn", "ID", conn.ID())

	ctx := r.Context()
	for {
		if _, _, err := wsConn.Read(ctx); err != nil {
			b.logger.Debugf("WebSocket conn %s closed: %s", conn.ID(), err)
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		}

		if err := conn.WriteJSON(ctx, b.agg.Snapshot(ctx)); err != nil {
			b.logger.Debugf("writing status to %s: %s", conn.ID(), err)
			wsConn.Close(websocket.StatusInternalError, "write failed")
			return
		}

		// Throttle so a pinging client cannot spin the status checks.
		select {
		case <-time.After(b.wsThrottle):
		case <-ctx.Done():
			return
		}
	}
}
