package ws

import (
	"context"
	"sync"
	"time"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/model"
)

const defaultSendBufSize = 16

// Hub tracks the views attached to entered rooms and dispatches their commands.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]map[*Client]struct{}
	total       int
	maxConns    int
	sendBufSize int
	identity    auth.Provider
	register    chan *Client
	unregister  chan *Client
	done        chan struct{}
}

func NewHub(identity auth.Provider, maxConns, sendBufSize int) *Hub {
	if maxConns <= 0 {
		maxConns = 1000
	}
	if sendBufSize <= 0 {
		sendBufSize = defaultSendBufSize
	}
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		maxConns:    maxConns,
		sendBufSize: sendBufSize,
		identity:    identity,
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		done:        make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// done first: pumps exiting during shutdown must not block on unregister
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting room=%s", h.maxConns, c.roomID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.roomID]; !ok {
		h.clients[c.roomID] = make(map[*Client]struct{})
	}
	h.clients[c.roomID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws view attached room=%s", c.roomID)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.roomID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	logger.Debugf("ws view detached room=%s", c.roomID)
}

// Count returns the number of views attached to roomID.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[roomID])
}

// HandleMessage dispatches commands coming from a view.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventRefresh:
		c.session.Refresh(ctx)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "unknown event type"}})
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	text, ok := model.NormalizeText(msg.Text)
	if !ok {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Message: "text required"}})
		return
	}
	c.session.Send(ctx, text)
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client room=%s", c.roomID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
