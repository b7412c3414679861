package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one view attached to one room session.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [ReadPump, WritePump] -> Close -> Wait.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *session.Session
	roomID  string
	send    chan OutgoingMessage

	states      <-chan session.State
	unsubscribe func()

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, s *session.Session) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		session: s,
		roomID:  s.RoomID(),
		send:    make(chan OutgoingMessage, hub.sendBufSize),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the session and launches ReadPump and WritePump.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.states, c.unsubscribe = c.session.Subscribe()
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads view commands from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or WritePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline room=%s: %v", c.roomID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error room=%s: %v", c.roomID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error room=%s: %v", c.roomID, err)
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

// writePump writes room states and replies to the WebSocket connection.
// Exits on ctx cancellation, write error, connection close, or when the session stops.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message room=%s: %v", c.roomID, err)
			}
			return
		case st, ok := <-c.states:
			if !ok {
				// session stopped: tell the view and exit
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			uid := ""
			if id, signedIn := c.hub.identity.Current(); signedIn {
				uid = id.UID
			}
			if !c.write(OutgoingMessage{Type: EventRoomState, Payload: NewRoomState(st, uid)}) {
				return
			}
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline room=%s: %v", c.roomID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// write encodes msg as one text frame; false means the connection is unusable.
func (c *Client) write(msg OutgoingMessage) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logger.Errorf("ws set write deadline room=%s: %v", c.roomID, err)
		return false
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		logger.Errorf("ws marshal error room=%s: %v", c.roomID, err)
		return true
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}
