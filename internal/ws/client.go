package ws

import (
	"sync"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Client wraps one WebSocket connection. Sends are serialized so that
// several goroutines may push frames to the same peer.
type Client struct {
	ID     string
	UserID string
	conn   Conn

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewClient creates a new client wrapper.
func NewClient(id, userID string, conn Conn) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		topics: make(map[string]struct{}),
	}
}

// Send encodes payload and sends it as a frame of type t.
func (c *Client) Send(t MessageType, payload any) error {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.WriteJSON(msg)
}

// SendError sends an error frame to the peer.
func (c *Client) SendError(code int, message string) error {
	return c.Send(MessageTypeError, ErrorPayload{Code: code, Message: message})
}

// Receive reads the next frame.
func (c *Client) Receive() (Message, error) {
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return Message{}, err
	}

	return msg, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Topics returns the topics the client is subscribed to.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}

	return topics
}

func (c *Client) addTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.topics[topic] = struct{}{}
}

func (c *Client) removeTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.topics, topic)
}
