package ws

import (
	"sync"
)

// Hub tracks connected clients and the topics they listen on.
type Hub struct {
	mu sync.RWMutex

	// clients maps client ID to client
	clients map[string]*Client

	// topics maps a topic to the set of subscribed client IDs
	topics map[string]map[string]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		topics:  make(map[string]map[string]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and all its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range client.Topics() {
		h.unsubscribeLocked(client, topic)
	}

	delete(h.clients, client.ID)
}

// Subscribe adds a client to a topic. A client may hold many topics.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]struct{})
	}

	h.topics[topic][client.ID] = struct{}{}
	client.addTopic(topic)
}

// Unsubscribe removes a client from a topic.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client, topic)
}

func (h *Hub) unsubscribeLocked(client *Client, topic string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, client.ID)

		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}

	client.removeTopic(topic)
}

// Subscribers returns the registered clients subscribed to any of topics,
// each at most once.
func (h *Hub) Subscribers(topics ...string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})

	var out []*Client

	for _, topic := range topics {
		for clientID := range h.topics[topic] {
			if _, dup := seen[clientID]; dup {
				continue
			}

			seen[clientID] = struct{}{}

			if client, ok := h.clients[clientID]; ok {
				out = append(out, client)
			}
		}
	}

	return out
}

// ClientCount returns the number of clients subscribed to a topic.
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.topics[topic])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
