package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/splax/deployctl/internal/events"
)

// TopicAll receives every event regardless of entity.
const TopicAll = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	quit      chan struct{}
	closeOnce sync.Once
}

type message struct {
	topics  []string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates an initialized Hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		count:     make(chan chan int),
		quit:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.topic, sub.client)
		case msg := <-h.broadcast:
			sent := make(map[Subscriber]struct{})
			for _, topic := range msg.topics {
				for c := range h.clients[topic] {
					if _, dup := sent[c]; dup {
						continue
					}
					sent[c] = struct{}{}
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						h.remove(topic, c)
					}
				}
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	if clients, ok := h.clients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.quit:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.quit:
	}
}

// Broadcast sends payload to every client of the given topics, once per client.
func (h *Hub) Broadcast(payload []byte, topics ...string) {
	select {
	case h.broadcast <- message{topics: topics, payload: payload}:
	case <-h.quit:
	}
}

// Subscribers reports how many subscriptions are active.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.quit:
		return 0
	}
}

// Close stops the hub and closes every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// Publish implements events.Sink by streaming the event to TopicAll and its entity topic.
func (h *Hub) Publish(_ context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topics := []string{TopicAll}
	if topic := event.Topic(); topic != "" {
		topics = append(topics, topic)
	}
	h.Broadcast(payload, topics...)
	return nil
}
