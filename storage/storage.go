// Package storage implements the Redis-shaped primitives every reward
// module is written against (core spec §4.4): key/value with TTL, hash,
// list, set, and sorted-set, plus an optional transactional Multi builder.
package storage

import (
	"context"
	"time"
)

// ScoredMember pairs a sorted-set member with its score. zrange/zrevrange
// return this fixed, portable shape when scores are requested (§4.4).
type ScoredMember struct {
	Member string
	Score  float64
}

// KV is the key/value sub-space with optional TTL.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Hash is map<field,value> keyed by a parent key.
type Hash interface {
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
	// HIncrBy fails with gkerrors.ErrNotNumeric if the existing field value
	// cannot be parsed as an integer (§4.4 "hincrby on non-numeric field").
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
}

// List is an ordered sequence supporting left/right push/pop and ranges.
// Negative indices count from the end, inclusive on both sides (§4.4).
type List interface {
	LPush(ctx context.Context, key string, values ...string) (int, error)
	RPush(ctx context.Context, key string, values ...string) (int, error)
	LPop(ctx context.Context, key string) (string, bool, error)
	RPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)
	LLen(ctx context.Context, key string) (int, error)
}

// Set is unordered unique membership.
type Set interface {
	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SRem(ctx context.Context, key string, members ...string) (int, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
}

// SortedSet is map<member,score> with bidirectional rank queries.
type SortedSet interface {
	// ZAdd returns 1 on a new member, 0 on a score update (§4.4).
	ZAdd(ctx context.Context, key, member string, score float64) (int, error)
	ZRem(ctx context.Context, key string, members ...string) (int, error)
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	// ZRange/ZRevRange return bare members ordered ascending/descending.
	ZRange(ctx context.Context, key string, start, stop int) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int) ([]string, error)
	// ZRangeWithScores/ZRevRangeWithScores return {member, score} pairs.
	ZRangeWithScores(ctx context.Context, key string, start, stop int) ([]ScoredMember, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int) ([]ScoredMember, error)
	// ZRank/ZRevRank return (rank, true) or (0, false) for unknown members.
	ZRank(ctx context.Context, key, member string) (int, bool, error)
	ZRevRank(ctx context.Context, key, member string) (int, bool, error)
}

// TTLSpace exposes expiry management independent of the typed sub-space the
// key belongs to.
type TTLSpace interface {
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

// Op is a single operation queued by a Multi transaction builder.
type Op struct {
	Kind string // "kv.set", "hash.hincrby", "zset.zadd", ...
	Key  string
	Args []any
}

// Tx collects operations and executes them in submission order. The
// in-process backends apply each operation under its own lock acquisition;
// the batch is not atomic and is not rolled back when an operation fails.
type Tx interface {
	KVSet(key, value string) Tx
	HIncrBy(key, field string, delta int64) Tx
	ZAdd(key, member string, score float64) Tx
	LPush(key string, values ...string) Tx
	Exec(ctx context.Context) error
}

// Storage is the full contract an implementation must satisfy, plus the
// connection lifecycle operations mandated by §4.4: Connect, Disconnect,
// Connected. Behavior after Disconnect is undefined.
type Storage interface {
	KV
	Hash
	List
	Set
	SortedSet
	TTLSpace

	Multi() Tx

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool
}
