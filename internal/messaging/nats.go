// Package messaging provides a NATS client wrapper used to fan match
// notifications and room relay frames out across matchmaker instances.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectMatchFound = "match.found" // + .<participant_id>
	SubjectMatchEnded = "match.ended" // + .<participant_id>
	SubjectRoom       = "room"        // + .<room_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "skipon-matchserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Connected reports whether the underlying connection is currently usable.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// PublishMatchFound publishes data to match.found.<participantID>.
func (c *NATSClient) PublishMatchFound(participantID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+participantID, data)
}

// PublishMatchEnded publishes data to match.ended.<participantID>.
func (c *NATSClient) PublishMatchEnded(participantID string, data []byte) error {
	return c.Publish(SubjectMatchEnded+"."+participantID, data)
}

// PublishRoom publishes a relay frame to room.<roomID>.
func (c *NATSClient) PublishRoom(roomID string, data []byte) error {
	return c.Publish(SubjectRoom+"."+roomID, data)
}

// SubscribeRoom subscribes a single relay connection to room.<roomID>. The
// subscription is keyed by connKey so both occupants connected to the same
// instance do not overwrite each other.
func (c *NATSClient) SubscribeRoom(roomID, connKey string, handler func(data []byte)) error {
	return c.subscribe("roomsub:"+connKey, SubjectRoom+"."+roomID, handler)
}

// UnsubscribeRoom removes the room subscription held by connKey.
func (c *NATSClient) UnsubscribeRoom(connKey string) error {
	return c.unsubscribe("roomsub:" + connKey)
}

// SubscribeMatchEnded subscribes a relay connection to match.ended.<participantID>.
func (c *NATSClient) SubscribeMatchEnded(participantID, connKey string, handler func(data []byte)) error {
	return c.subscribe("endedsub:"+connKey, SubjectMatchEnded+"."+participantID, handler)
}

// UnsubscribeMatchEnded removes the match.ended subscription held by connKey.
func (c *NATSClient) UnsubscribeMatchEnded(connKey string) error {
	return c.unsubscribe("endedsub:" + connKey)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// subscribe registers handler on subject and stores the subscription under
// key, replacing any earlier subscription with the same key.
func (c *NATSClient) subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old, ok := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if ok {
		_ = old.Unsubscribe()
	}
	return nil
}

// unsubscribe removes and unsubscribes from a specific key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
