package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	mem := NewMemory()
	require.NoError(t, mem.Connect(context.Background()))

	mdb, err := NewMemDB()
	require.NoError(t, err)
	require.NoError(t, mdb.Connect(context.Background()))

	return map[string]Storage{"memory": mem, "memdb": mdb}
}

func TestStorage_KVRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "k", "v1"))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v1", v)

			n, err := s.Incr(ctx, "counter", 5)
			require.NoError(t, err)
			assert.EqualValues(t, 5, n)
			n, err = s.Incr(ctx, "counter", 3)
			require.NoError(t, err)
			assert.EqualValues(t, 8, n)
		})
	}
}

func TestStorage_TTLExpiresOnRead(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SetTTL(ctx, "ephemeral", "v", time.Millisecond))
			time.Sleep(5 * time.Millisecond)
			_, ok, err := s.Get(ctx, "ephemeral")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorage_HashIncrByOnNonNumericFails(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.HSet(ctx, "h", "f", "not-a-number"))
			_, err := s.HIncrBy(ctx, "h", "f", 1)
			assert.Error(t, err)
		})
	}
}

func TestStorage_ListNegativeIndexRange(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.RPush(ctx, "l", "a", "b", "c", "d")
			require.NoError(t, err)
			vals, err := s.LRange(ctx, "l", -2, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "d"}, vals)
		})
	}
}

func TestStorage_SortedSetZAddReturnsNewVsUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, err := s.ZAdd(ctx, "z", "u1", 10)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			n, err = s.ZAdd(ctx, "z", "u1", 20)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

// TestStorage_SortedSetRevRangeWithScores mirrors core spec §8 seed scenario 6.
func TestStorage_SortedSetRevRangeWithScores(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.ZAdd(ctx, "lb", "u1", 10)
			_, _ = s.ZAdd(ctx, "lb", "u2", 20)
			_, _ = s.ZAdd(ctx, "lb", "u3", 30)

			got, err := s.ZRevRangeWithScores(ctx, "lb", 0, -1)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []ScoredMember{
				{Member: "u3", Score: 30},
				{Member: "u2", Score: 20},
				{Member: "u1", Score: 10},
			}, got)
		})
	}
}

func TestStorage_ZRemRemovesMember(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.ZAdd(ctx, "lb", "u1", 10)
			_, _ = s.ZAdd(ctx, "lb", "u2", 20)

			n, err := s.ZRem(ctx, "lb", "u1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, err := s.ZScore(ctx, "lb", "u1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorage_ZRankUnknownMemberAbsent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.ZRank(ctx, "lb", "ghost")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorage_MultiExecutesInOrder(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := s.Multi().
				KVSet("tx-key", "v").
				HIncrBy("tx-hash", "f", 2).
				ZAdd("tx-z", "m", 5).
				Exec(ctx)
			require.NoError(t, err)

			v, ok, err := s.Get(ctx, "tx-key")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v", v)
		})
	}
}

func TestStorage_KeysWildcardMatch(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "points:u1", "1"))
			require.NoError(t, s.Set(ctx, "points:u2", "2"))
			require.NoError(t, s.Set(ctx, "badges:u1", "3"))

			keys, err := s.Keys(ctx, "points:*")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"points:u1", "points:u2"}, keys)
		})
	}
}
