/*
feed.go - Websocket change feed

PURPOSE:
  Relays ledger.Store change notifications to remote clients so every
  device refreshes when any other device writes.

PROTOCOL:
  Server to client only. Each frame is a JSON ChangeDTO:
    {"op": "insert", "id": "01J..."}
  Clients must treat a frame as "something changed" and refetch.

  The server pings every pingInterval. A client that misses pongWait is
  dropped. Anything the client sends is discarded.

BACKPRESSURE:
  At most one frame is pending per connection; while it is pending newer
  changes are coalesced into it.
*/
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/warp/shared-ledger/ledger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin accepts same-host requests, requests without an Origin
// header (CLI clients) and the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Changes upgrades to a websocket and streams change notifications. The
// store subscription is taken before the handshake completes, so a client
// whose dial has returned never misses a change.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("X-Client-ID")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := h.Logger.With("client_id", clientID)

	pending := make(chan ledger.Change, 1)
	sub, err := h.Store.Subscribe(r.Context(), func(c ledger.Change) {
		select {
		case pending <- c:
		default:
		}
	})
	if err != nil {
		h.writeStoreError(w, "Failed to subscribe to changes", err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger.Info("change feed connected", "remote_addr", r.RemoteAddr)
	defer logger.Info("change feed disconnected")

	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case c := <-pending:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toChangeDTO(c)); err != nil {
				logger.Debug("change feed write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
