// Package presence tracks which session-correlation keys are live in a room.
// Membership lives in Redis sorted sets scored by per-member expiry deadline,
// so concurrent connects and disconnects from different processes never
// overwrite each other, and entries left by a crashed process expire on their
// own even while other sessions keep the room active.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Info is the derived presence view for one room.
type Info struct {
	Count  int  // live non-read-only sessions
	Exists bool // whether the queried session key is represented
	Empty  bool // no live sessions of any kind
}

// Store implements presence bookkeeping on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client, ttl), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		clock:  clockwork.NewRealClock(),
	}
}

func (s *Store) membersKey(room string) string {
	return s.prefix + room
}

func (s *Store) writersKey(room string) string {
	return s.prefix + room + ":writers"
}

func (s *Store) deadline() float64 {
	return float64(s.clock.Now().Add(s.ttl).UnixMilli())
}

func (s *Store) horizon() string {
	return strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
}

// prune drops members whose deadline has passed. Queued on the caller's
// pipeline so reads never observe expired entries.
func (s *Store) prune(ctx context.Context, pipe redis.Pipeliner, room string) {
	horizon := s.horizon()
	pipe.ZRemRangeByScore(ctx, s.membersKey(room), "-inf", horizon)
	pipe.ZRemRangeByScore(ctx, s.writersKey(room), "-inf", horizon)
}

// Join registers a session key in the room's member set, and in the writer
// set unless the session is read-only. Each member carries its own expiry
// deadline; nothing here touches other members' deadlines.
func (s *Store) Join(ctx context.Context, room, sessionKey string, readOnly bool) error {
	member := redis.Z{Score: s.deadline(), Member: sessionKey}

	pipe := s.client.TxPipeline()
	s.prune(ctx, pipe, room)
	pipe.ZAdd(ctx, s.membersKey(room), member)
	if !readOnly {
		pipe.ZAdd(ctx, s.writersKey(room), member)
	}
	// Key-level expiry is a garbage collector for abandoned rooms only;
	// member liveness is decided by scores.
	pipe.Expire(ctx, s.membersKey(room), 2*s.ttl)
	pipe.Expire(ctx, s.writersKey(room), 2*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence join %s: %w", room, err)
	}
	return nil
}

// Leave removes a session key from the room. Removing a key that is not a
// member is a no-op, so concurrent disconnects are safe.
func (s *Store) Leave(ctx context.Context, room, sessionKey string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.membersKey(room), sessionKey)
	pipe.ZRem(ctx, s.writersKey(room), sessionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence leave %s: %w", room, err)
	}
	return nil
}

// Refresh extends one session's expiry deadline. Called on that session's
// activity (pong, poll refresh); other sessions' deadlines are untouched, so
// a crashed process's entries still age out while the room stays busy.
func (s *Store) Refresh(ctx context.Context, room, sessionKey string) error {
	member := redis.Z{Score: s.deadline(), Member: sessionKey}

	pipe := s.client.TxPipeline()
	// XX: never resurrect a member that already left or expired.
	pipe.ZAddXX(ctx, s.membersKey(room), member)
	pipe.ZAddXX(ctx, s.writersKey(room), member)
	pipe.Expire(ctx, s.membersKey(room), 2*s.ttl)
	pipe.Expire(ctx, s.writersKey(room), 2*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence refresh %s: %w", room, err)
	}
	return nil
}

// Lookup recomputes the presence view for a room on demand.
func (s *Store) Lookup(ctx context.Context, room, sessionKey string) (Info, error) {
	pipe := s.client.TxPipeline()
	s.prune(ctx, pipe, room)
	total := pipe.ZCard(ctx, s.membersKey(room))
	writers := pipe.ZCard(ctx, s.writersKey(room))
	score := pipe.ZMScore(ctx, s.membersKey(room), sessionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Info{}, fmt.Errorf("presence lookup %s: %w", room, err)
	}

	return Info{
		Count:  int(writers.Val()),
		Exists: len(score.Val()) == 1 && score.Val()[0] != 0,
		Empty:  total.Val() == 0,
	}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
