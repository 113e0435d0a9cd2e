package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/wa-qr-bridge/backend/internal/service/events"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 64
)

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func fromEvent(evt events.Event) outgoingMessage {
	return outgoingMessage{
		Type:      string(evt.Type),
		SessionID: evt.SessionID,
		Data:      evt.Data,
		Timestamp: evt.Timestamp.Unix(),
	}
}

// client is one websocket connection. All writes go through send and the
// write pump so bus handlers never touch the socket.
type client struct {
	id   string
	conn *websocket.Conn
	send chan outgoingMessage
	done chan struct{}

	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]func()
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:    id,
		conn:  conn,
		send:  make(chan outgoingMessage, sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]func()),
	}
}

// enqueue never blocks; a client that cannot keep up loses messages.
func (c *client) enqueue(msg outgoingMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		zap.L().Warn("realtime: send buffer full, dropping message",
			zap.String("client_id", c.id),
			zap.String("type", msg.Type))
	}
}

func (c *client) join(bus Subscriber, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[sessionID]; ok {
		return
	}
	c.rooms[sessionID] = bus.Subscribe(sessionID, func(evt events.Event) {
		c.enqueue(fromEvent(evt))
	})
}

func (c *client) inRoom(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[sessionID]
	return ok
}

func (c *client) leave(sessionID string) {
	c.mu.Lock()
	unsubscribe, ok := c.rooms[sessionID]
	delete(c.rooms, sessionID)
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (c *client) leaveAll() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[string]func())
	c.mu.Unlock()
	for _, unsubscribe := range rooms {
		unsubscribe()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump 串行写出消息并定期发送 ping。
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				zap.L().Warn("realtime: write failed", zap.String("client_id", c.id), zap.Error(err))
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		}
	}
}
