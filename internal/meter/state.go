package meter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const heartbeatsKey = "meter:heartbeats"

func hashKey(key string) string { return "meter:session:" + key }
func lockKey(key string) string { return "meter:lock:" + key }
func userKey(email string) string { return "meter:user:" + email }

// compareAndDelete deletes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// State is one session's meter state as held in Redis.
type State struct {
	SessionKey      string
	Email           string
	PendingMs       int64
	ConsumedMs      int64
	Balance         int64
	Paused          bool
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	LastFlushAt     time.Time
}

// remaining is the balance net of unflushed consumption, in whole seconds
// rounded up.
func (s *State) remaining() int64 {
	if s.Paused {
		return 0
	}
	ms := s.Balance*1000 - s.PendingMs
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

func (s *State) fields() map[string]any {
	paused := "0"
	if s.Paused {
		paused = "1"
	}
	return map[string]any{
		"email":             s.Email,
		"pending_ms":        s.PendingMs,
		"consumed_ms":       s.ConsumedMs,
		"balance":           s.Balance,
		"paused":            paused,
		"started_at":        s.StartedAt.UnixMilli(),
		"last_heartbeat_at": s.LastHeartbeatAt.UnixMilli(),
		"last_flush_at":     s.LastFlushAt.UnixMilli(),
	}
}

func parseState(key string, h map[string]string) (*State, error) {
	st := &State{SessionKey: key, Email: h["email"], Paused: h["paused"] == "1"}
	ints := []struct {
		field string
		dst   *int64
	}{
		{"pending_ms", &st.PendingMs},
		{"consumed_ms", &st.ConsumedMs},
		{"balance", &st.Balance},
	}
	for _, f := range ints {
		v, err := strconv.ParseInt(h[f.field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt meter field %s for session %s: %w", f.field, key, err)
		}
		*f.dst = v
	}
	times := []struct {
		field string
		dst   *time.Time
	}{
		{"started_at", &st.StartedAt},
		{"last_heartbeat_at", &st.LastHeartbeatAt},
		{"last_flush_at", &st.LastFlushAt},
	}
	for _, f := range times {
		v, err := strconv.ParseInt(h[f.field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt meter field %s for session %s: %w", f.field, key, err)
		}
		*f.dst = time.UnixMilli(v)
	}
	return st, nil
}

func (m *Meter) load(ctx context.Context, key string) (*State, error) {
	h, err := m.rdb.HGetAll(ctx, hashKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	if len(h) == 0 {
		return nil, ErrSessionNotFound
	}
	return parseState(key, h)
}

// save writes the state and renews the lease on every key of the session.
func (m *Meter) save(ctx context.Context, st *State) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey(st.SessionKey), st.fields())
		pipe.PExpire(ctx, hashKey(st.SessionKey), m.cfg.Lease)
		pipe.Set(ctx, userKey(st.Email), st.SessionKey, m.cfg.Lease)
		pipe.ZAdd(ctx, heartbeatsKey, redis.Z{
			Score:  float64(st.LastHeartbeatAt.UnixMilli()),
			Member: st.SessionKey,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", st.SessionKey, err)
	}
	return nil
}

func (m *Meter) remove(ctx context.Context, st *State) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hashKey(st.SessionKey))
		pipe.ZRem(ctx, heartbeatsKey, st.SessionKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove session %s: %w", st.SessionKey, err)
	}
	// The user may already have moved on to a newer session.
	if err := compareAndDelete.Run(ctx, m.rdb, []string{userKey(st.Email)}, st.SessionKey).Err(); err != nil {
		return fmt.Errorf("failed to clear session mapping for %s: %w", st.Email, err)
	}
	return nil
}

// tryLock makes one attempt at the session lock.
func (m *Meter) tryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, lockKey(key), token, m.cfg.LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock session %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		if err := compareAndDelete.Run(context.WithoutCancel(ctx), m.rdb, []string{lockKey(key)}, token).Err(); err != nil {
			// The lock expires on its own after LockTTL.
			m.logger.Warn("failed to release session lock", zap.String("session_key", key), zap.Error(err))
		}
	}
	return unlock, true, nil
}

const (
	lockAttempts = 20
	lockWait     = 25 * time.Millisecond
)

// lock waits briefly for the session lock, then gives up with
// ErrSessionLocked.
func (m *Meter) lock(ctx context.Context, key string) (func(), error) {
	for i := 0; i < lockAttempts; i++ {
		unlock, ok, err := m.tryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockWait):
		}
	}
	return nil, ErrSessionLocked
}
