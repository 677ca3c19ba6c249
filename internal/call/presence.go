// Package call implements the call session registry: at most one non-ended
// call per user, with start/join/end/cancel and in-call control operations.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore tracks which call each user is currently in, plus short-lived
// join locks that collapse near-simultaneous start/join attempts for the same
// (callID, userID) pair.
type PresenceStore interface {
	// SetActiveCall records callID as userID's active call. Returns false if
	// a different call is already recorded for the user.
	SetActiveCall(ctx context.Context, userID, callID string) (bool, error)
	// ClearActiveCall removes the record, but only if it still names callID.
	ClearActiveCall(ctx context.Context, userID, callID string) error
	// ActiveCall returns the user's current call id, or "" if none.
	ActiveCall(ctx context.Context, userID string) (string, error)

	// AcquireJoinLock claims the in-flight slot for (callID, userID).
	// Returns false if another attempt already holds it.
	AcquireJoinLock(ctx context.Context, callID, userID string, ttl time.Duration) (bool, error)
	// ReleaseJoinLock frees the slot.
	ReleaseJoinLock(ctx context.Context, callID, userID string) error
}

// MemoryPresence is an in-process PresenceStore for tests and single-node
// deployments.
type MemoryPresence struct {
	mu     sync.Mutex
	active map[string]string
	locks  map[string]struct{}
}

// NewMemoryPresence creates an empty in-process presence store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		active: make(map[string]string),
		locks:  make(map[string]struct{}),
	}
}

func (p *MemoryPresence) SetActiveCall(ctx context.Context, userID, callID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.active[userID]; ok && cur != callID {
		return false, nil
	}
	p.active[userID] = callID
	return true, nil
}

func (p *MemoryPresence) ClearActiveCall(ctx context.Context, userID, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[userID] == callID {
		delete(p.active, userID)
	}
	return nil
}

func (p *MemoryPresence) ActiveCall(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[userID], nil
}

func (p *MemoryPresence) AcquireJoinLock(ctx context.Context, callID, userID string, ttl time.Duration) (bool, error) {
	key := callID + ":" + userID
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.locks[key]; held {
		return false, nil
	}
	p.locks[key] = struct{}{}
	return true, nil
}

func (p *MemoryPresence) ReleaseJoinLock(ctx context.Context, callID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.locks, callID+":"+userID)
	return nil
}

// RedisPresence is a PresenceStore backed by Redis, for multi-instance
// deployments. The join lock uses SET NX with a TTL so a crashed instance
// cannot wedge a call permanently.
type RedisPresence struct {
	rdb *redis.Client
}

// NewRedisPresence creates a presence store over an established client.
func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func activeCallKey(userID string) string {
	return fmt.Sprintf("call:active:%s", userID)
}

func joinLockKey(callID, userID string) string {
	return fmt.Sprintf("call:joinlock:%s:%s", callID, userID)
}

func (p *RedisPresence) SetActiveCall(ctx context.Context, userID, callID string) (bool, error) {
	ok, err := p.rdb.SetNX(ctx, activeCallKey(userID), callID, 0).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	cur, err := p.rdb.Get(ctx, activeCallKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return cur == callID, nil
}

func (p *RedisPresence) ClearActiveCall(ctx context.Context, userID, callID string) error {
	// Delete only when the key still names this call.
	const script = `if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end`
	return p.rdb.Eval(ctx, script, []string{activeCallKey(userID)}, callID).Err()
}

func (p *RedisPresence) ActiveCall(ctx context.Context, userID string) (string, error) {
	val, err := p.rdb.Get(ctx, activeCallKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (p *RedisPresence) AcquireJoinLock(ctx context.Context, callID, userID string, ttl time.Duration) (bool, error) {
	return p.rdb.SetNX(ctx, joinLockKey(callID, userID), "1", ttl).Result()
}

func (p *RedisPresence) ReleaseJoinLock(ctx context.Context, callID, userID string) error {
	return p.rdb.Del(ctx, joinLockKey(callID, userID)).Err()
}
