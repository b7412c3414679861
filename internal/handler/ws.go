package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/session"
	"github.com/chatchat/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	rooms          *session.Manager
	allowedOrigins string
}

// NewWSHandler builds the WebSocket handler. allowedOrigins uses the CORS format: comma-separated or "*".
func NewWSHandler(hub *ws.Hub, rooms *session.Manager, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, rooms: rooms, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS attaches a view to an entered room and streams its state.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	s, ok := h.rooms.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "room not entered", http.StatusNotFound)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, s)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
