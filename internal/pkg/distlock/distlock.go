package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock guards a mutually exclusive operation, such as starting a job for
// a campaign that may already have one running elsewhere. Implementations
// must be safe for use from a single goroutine; concurrent use across
// goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to take the lock. Returns true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if we still own it.
	Release(ctx context.Context) error
}

// NewLock picks the best available backend. Redis is preferred for
// cross-host guarding; Postgres advisory locks cover a shared database
// without Redis; the process-local table covers single-node setups running
// on SQLite, where neither exists.
func NewLock(redisClient *redis.Client, db *sql.DB, driver, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil && driver == "postgres" {
		return NewPGAdvisoryLock(db, key)
	}
	return newLocalLock(key, ttl)
}

// Redis guard: SET NX with a TTL. Ownership is a random value checked by
// the Lua scripts, so one process cannot release or extend a guard another
// process holds.
var (
	redisReleaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	redisExtendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

type RedisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed guard for the key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{client: client, key: "guard:" + key, owner: hex.EncodeToString(b), ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context) error {
	return redisReleaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

// Extend pushes the guard's expiry out for a holder that outlives the TTL.
// A guard no longer ours is left untouched.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	return redisExtendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Err()
}

// PGAdvisoryLock implements DistLock with pg_try_advisory_lock, which is
// session-scoped: the lock drops with the connection, so a crashed holder
// cannot wedge the campaign forever.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a deterministic lock ID from the key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire is non-blocking: it returns false immediately when another session
// holds the lock.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// localLocks is the shared table behind process-local guards. Entries expire
// by TTL so an abandoned guard clears itself, mirroring the Redis behavior.
var localLocks = struct {
	sync.Mutex
	held map[string]time.Time // key -> expiry
}{held: map[string]time.Time{}}

type localLock struct {
	key string
	ttl time.Duration
}

func newLocalLock(key string, ttl time.Duration) *localLock {
	return &localLock{key: key, ttl: ttl}
}

func (l *localLock) Acquire(ctx context.Context) (bool, error) {
	localLocks.Lock()
	defer localLocks.Unlock()
	if exp, ok := localLocks.held[l.key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	localLocks.held[l.key] = time.Now().Add(l.ttl)
	return true, nil
}

func (l *localLock) Release(ctx context.Context) error {
	localLocks.Lock()
	defer localLocks.Unlock()
	delete(localLocks.held, l.key)
	return nil
}
