package events

import (
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Type 是推送给客户端的事件名。
type Type string

const (
	TypeConnected     Type = "connected"
	TypeQRCode        Type = "qr_code"
	TypeAuthenticated Type = "authenticated"
	TypeQRExpired     Type = "qr_expired"
	TypeHeartbeat     Type = "heartbeat"
	TypeStatus        Type = "status"
	TypeTestResult    Type = "test_result"
	TypeDisconnected  Type = "disconnected"
	TypeError         Type = "error"
)

// AllSessions subscribes to every session topic.
const AllSessions = "*"

const busTopic = "pairing:session"

// Event is one notification on a session topic.
type Event struct {
	Type      Type
	SessionID string
	Data      map[string]any
	Timestamp time.Time
}

// Publisher delivers events to the subscribers of their session topic.
type Publisher interface {
	Publish(evt Event)
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block or subscribe.
type Handler func(evt Event)

// Bus routes events to per-session subscribers on top of EventBus.
type Bus struct {
	bus evbus.Bus

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

// NewBus creates a Bus.
func NewBus() *Bus {
	b := &Bus{
		bus:  evbus.New(),
		subs: make(map[string]map[uint64]Handler),
	}
	// EventBus 退订时按函数代码指针比较，同一闭包的多个实例无法区分，
	// 因此只订阅一个固定主题，按会话分发和退订由 Bus 自己管理。
	_ = b.bus.Subscribe(busTopic, b.fanout)
	return b
}

// Publish sends evt to its session topic and to AllSessions subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.bus.Publish(busTopic, evt)
}

// Subscribe registers h on topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Subscribers reports the number of handlers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) fanout(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.SessionID])+len(b.subs[AllSessions]))
	for _, h := range b.subs[evt.SessionID] {
		handlers = append(handlers, h)
	}
	if evt.SessionID != AllSessions {
		for _, h := range b.subs[AllSessions] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
