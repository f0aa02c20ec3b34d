// Package redis wraps the Redis connection shared by the meter cache, the
// per-session locks and the Pub/Sub channels talktime uses:
//
//   - talktime:tasks:notify carries a TaskEvent whenever a task is submitted,
//     so idle workers wake before their poll interval elapses
//   - talktime:session:<key> carries SessionSignal values (pause, resume,
//     end) to whichever API instance holds that session's websocket
//
// Pub/Sub has no replay. Every consumer keeps a polling or heartbeat
// fallback, so a lost message only costs latency.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskNotifyChannel is the Pub/Sub channel for task submissions.
const TaskNotifyChannel = "talktime:tasks:notify"

// TaskEvent is published to TaskNotifyChannel when a task is submitted.
type TaskEvent struct {
	Version   string `json:"version"`
	TaskID    string `json:"taskId"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
}

// SessionSignal is relayed to the client of one metered session.
type SessionSignal struct {
	Type       string `json:"type"` // "pause", "resume", "end"
	SessionKey string `json:"session_key"`
	Balance    int64  `json:"balance"`
	Reason     string `json:"reason,omitempty"`
}

// Client wraps a go-redis client.
type Client struct {
	client   *redis.Client
	clientID string
}

// ClientConfig holds configuration for the Redis client.
type ClientConfig struct {
	URL      string
	Password string
}

// NewClient creates a client that is not yet connected.
func NewClient() *Client {
	return &Client{
		clientID: fmt.Sprintf("talktime-%s", uuid.New().String()[:8]),
	}
}

// Connect establishes connection to Redis.
func (c *Client) Connect(ctx context.Context, cfg ClientConfig) error {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	c.client = redis.NewClient(opts)

	// Verify connection
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client.Close()
		c.client = nil
		return fmt.Errorf("failed to connect to Redis at %s: %w", MaskURL(cfg.URL), err)
	}

	return nil
}

// Redis returns the underlying go-redis client. Nil before Connect.
func (c *Client) Redis() *redis.Client {
	return c.client
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("redis client not connected")
	}
	return c.client.Ping(ctx).Err()
}

// PublishTaskSubmitted announces a new pending task.
func (c *Client) PublishTaskSubmitted(ctx context.Context, taskID, kind string) error {
	event := TaskEvent{
		Version:   "1.0",
		TaskID:    taskID,
		Kind:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}

	return c.client.Publish(ctx, TaskNotifyChannel, eventJSON).Err()
}

// SubscribeTasks returns a channel that receives a value for every task
// submission. Wake-ups are coalesced: if the consumer is busy, at most one
// value is buffered. The channel is closed when ctx is done.
func (c *Client) SubscribeTasks(ctx context.Context) (<-chan struct{}, error) {
	pubsub := c.client.Subscribe(ctx, TaskNotifyChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", TaskNotifyChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}

// SessionChannel returns the Pub/Sub channel for one session's signals.
func SessionChannel(sessionKey string) string {
	return "talktime:session:" + sessionKey
}

// PublishSessionSignal sends a signal to the session's subscribers.
func (c *Client) PublishSessionSignal(ctx context.Context, sig SessionSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal session signal: %w", err)
	}
	return c.client.Publish(ctx, SessionChannel(sig.SessionKey), payload).Err()
}

// SubscribeSession streams the signals of one session until ctx is done.
// Malformed payloads are skipped.
func (c *Client) SubscribeSession(ctx context.Context, sessionKey string) (<-chan SessionSignal, error) {
	channel := SessionChannel(sessionKey)
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan SessionSignal, 8)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sig SessionSignal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ClientID returns the unique identifier of this process's client.
func (c *Client) ClientID() string {
	return c.clientID
}

// MaskURL hides the password in a Redis URL for logging.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
