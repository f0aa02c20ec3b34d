package session

import (
	"context"

	redisclient "github.com/aceteam-ai/talktime/internal/redis"
)

// Signal types delivered to clients.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalEnd    = "end"
)

// Transport mutes and unmutes the live session.
type Transport interface {
	Pause(ctx context.Context, sessionKey string, balance int64) error
	Resume(ctx context.Context, sessionKey string, balance int64) error
	End(ctx context.Context, sessionKey, reason string) error
}

type nopTransport struct{}

func (nopTransport) Pause(context.Context, string, int64) error  { return nil }
func (nopTransport) Resume(context.Context, string, int64) error { return nil }
func (nopTransport) End(context.Context, string, string) error   { return nil }

// Publisher publishes session signals.
type Publisher interface {
	PublishSessionSignal(ctx context.Context, sig redisclient.SessionSignal) error
}

// RedisTransport publishes signals on the session's Pub/Sub channel, where
// the API instance holding the client's websocket picks them up.
type RedisTransport struct {
	pub Publisher
}

// NewRedisTransport creates a RedisTransport.
func NewRedisTransport(pub Publisher) *RedisTransport {
	return &RedisTransport{pub: pub}
}

func (t *RedisTransport) Pause(ctx context.Context, sessionKey string, balance int64) error {
	return t.pub.PublishSessionSignal(ctx, redisclient.SessionSignal{Type: SignalPause, SessionKey: sessionKey, Balance: balance})
}

func (t *RedisTransport) Resume(ctx context.Context, sessionKey string, balance int64) error {
	return t.pub.PublishSessionSignal(ctx, redisclient.SessionSignal{Type: SignalResume, SessionKey: sessionKey, Balance: balance})
}

func (t *RedisTransport) End(ctx context.Context, sessionKey, reason string) error {
	return t.pub.PublishSessionSignal(ctx, redisclient.SessionSignal{Type: SignalEnd, SessionKey: sessionKey, Reason: reason})
}
