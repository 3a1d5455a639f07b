package ws

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

const broadcastBuffer = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// LogLine is the payload pushed to build log subscribers.
type LogLine struct {
	Line string    `json:"line"`
	Time time.Time `json:"time"`
}

// Hub fans build output out to subscribers keyed by owner/repo.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	dropped   atomic.Uint64
}

// message couples payload with stream key.
type message struct {
	key     string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	key    string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.key]; !ok {
				h.clients[sub.key] = make(map[Subscriber]struct{})
			}
			h.clients[sub.key][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.key]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.key)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.key]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.key)
				}
			}
		}
	}
}

// Register adds a client to a stream.
func (h *Hub) Register(key string, client Subscriber) {
	h.register <- subscription{key: key, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(key string, client Subscriber) {
	h.unreg <- subscription{key: key, client: client}
}

// Broadcast queues payload for all clients of key. When the queue is full
// the payload is dropped so a slow subscriber never stalls a build.
func (h *Hub) Broadcast(key string, payload []byte) {
	select {
	case h.broadcast <- message{key: key, payload: payload}:
	default:
		h.dropped.Add(1)
	}
}

// Publish sends one build output line to subscribers of key.
func (h *Hub) Publish(key, line string) {
	payload, err := json.Marshal(LogLine{Line: line, Time: time.Now().UTC()})
	if err != nil {
		return
	}
	h.Broadcast(key, payload)
}

// Dropped reports how many payloads were discarded because the queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
