package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/middleware"
	"github.com/dmcore/internal/ws"
)

type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler builds the WebSocket entry point. allowedOrigins mirrors the
// CORS configuration; an empty list allows any origin (development).
func NewWSHandler(hub *ws.Hub, allowedOrigins []string) *WSHandler {
	h := &WSHandler{hub: hub}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(u.Host, hostOf(allowed)) {
					return true
				}
			}
			return false
		},
	}
	return h
}

func hostOf(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}

// Serve upgrades the request and hands the connection to the hub. The
// identity comes from the auth middleware; the connection lands in no room
// until the client issues join events.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade user=%s: %v", userID, err)
		return
	}

	client := ws.NewClient(h.hub, conn, userID)
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
