// Package redis provides the oracle's Redis Streams and Pub/Sub plumbing.
//
//   - Writes that exhaust their retries are parked on a dead letter stream
//     (dlq:v1:persistence) and replayed later
//   - Issued certificates are announced on certificates:v1:issued
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream and channel names
const (
	PersistenceDLQ = "dlq:v1:persistence"
	IssuedChannel  = "certificates:v1:issued"
)

// Event is the envelope published on Pub/Sub channels.
type Event struct {
	Version   string         `json:"version"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
}

// DLQEntry is one parked write on a dead letter stream.
type DLQEntry struct {
	ID      string
	Kind    string
	Key     string
	Reason  string
	MovedAt time.Time
	Payload []byte
}

// Client wraps the Redis operations the oracle needs.
type Client struct {
	client     *redis.Client
	instanceID string
}

// NewClient creates an unconnected client.
func NewClient() *Client {
	return &Client{
		instanceID: fmt.Sprintf("greencert-%s", uuid.New().String()[:8]),
	}
}

// Connect establishes connection to Redis.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if password != "" {
		opts.Password = password
	}

	c.client = redis.NewClient(opts)

	// Verify connection
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

// MoveToDLQ parks an entry on stream.
func (c *Client) MoveToDLQ(ctx context.Context, stream string, e DLQEntry) error {
	movedAt := e.MovedAt
	if movedAt.IsZero() {
		movedAt = time.Now()
	}
	fields := map[string]interface{}{
		"kind":        e.Kind,
		"key":         e.Key,
		"reason":      e.Reason,
		"moved_at":    movedAt.UTC().Format(time.RFC3339Nano),
		"instance_id": c.instanceID,
		"payload":     string(e.Payload),
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Err()
}

// ReadDLQ returns every entry on stream, oldest first.
func (c *Client) ReadDLQ(ctx context.Context, stream string) ([]DLQEntry, error) {
	msgs, err := c.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", stream, err)
	}
	entries := make([]DLQEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, parseEntry(msg))
	}
	return entries, nil
}

// RemoveFromDLQ deletes replayed entries.
func (c *Client) RemoveFromDLQ(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.client.XDel(ctx, stream, ids...).Err()
}

// DLQLength returns the number of parked entries.
func (c *Client) DLQLength(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

func parseEntry(msg redis.XMessage) DLQEntry {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	e := DLQEntry{
		ID:      msg.ID,
		Kind:    str("kind"),
		Key:     str("key"),
		Reason:  str("reason"),
		Payload: []byte(str("payload")),
	}
	if t, err := time.Parse(time.RFC3339Nano, str("moved_at")); err == nil {
		e.MovedAt = t
	}
	return e
}

// PublishEvent publishes an event on a Pub/Sub channel.
func (c *Client) PublishEvent(ctx context.Context, channel, eventType string, data map[string]any) error {
	event := Event{
		Version:   "1.0",
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    c.instanceID,
		Data:      data,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return c.client.Publish(ctx, channel, eventJSON).Err()
}

// Subscribe returns a subscription to channel. Callers close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.client.Subscribe(ctx, channel)
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// InstanceID returns the identifier stamped on entries and events.
func (c *Client) InstanceID() string {
	return c.instanceID
}
