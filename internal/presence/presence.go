// Package presence fans UserJoined/UserLeft/IAmHere events out across
// relay instances via Redis pub/sub, the same "where is the other side
// of this room" problem the teacher solves for message delivery,
// repurposed here for presence rather than message fan-out.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
)

// Event is one presence notification broadcast on a room's channel.
type Event struct {
	Kind    string `json:"kind"` // "joined", "left", "here"
	Room    string `json:"room"`
	Address string `json:"address"`
	Origin  string `json:"origin,omitempty"` // publishing relay instance, to ignore our own events
}

const (
	EventJoined = "joined"
	EventLeft   = "left"
	EventHere   = "here"
)

// Client wraps a Redis connection for room presence pub/sub.
type Client struct {
	client *redis.Client
	ctx    context.Context
	logger *log.Logger
}

// NewClient connects to the Redis instance at addr.
func NewClient(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: connect to redis: %w", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
		logger: log.New(os.Stdout, "[PRESENCE] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func channelName(room string) string {
	return "presence:room:" + room
}

// Publish broadcasts ev on room's presence channel.
func (c *Client) Publish(room string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("presence: marshal event: %w", err)
	}
	if err := c.client.Publish(c.ctx, channelName(room), data).Err(); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	return nil
}

// Listener receives presence events for a room.
type Listener interface {
	OnPresenceEvent(ev Event)
}

// Subscribe blocks, delivering every Event published on room's channel
// to listener, until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, room string, listener Listener) error {
	sub := c.client.Subscribe(ctx, channelName(room))
	defer func() {
		if err := sub.Close(); err != nil {
			c.logger.Printf("warning: failed to close subscription: %v", err)
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Printf("failed to parse presence event: %v", err)
				continue
			}
			listener.OnPresenceEvent(ev)
		}
	}
}
