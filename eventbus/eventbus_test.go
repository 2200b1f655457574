package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersinkoc/gamificationkit/gkerrors"
)

func TestSubscribe_CancelIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	var calls int32
	cancel, err := bus.Subscribe("user.login", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	cancel()
	cancel() // must not panic or double-remove

	_, err = bus.Emit(context.Background(), "user.login", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestEmit_InvokesEachHandlerExactlyOnceAndCollectsErrors(t *testing.T) {
	bus := NewMemoryBus()
	var okCalls, failCalls int32

	_, err := bus.Subscribe("purchase.complete", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&okCalls, 1)
		return nil
	})
	require.NoError(t, err)

	_, err = bus.Subscribe("purchase.complete", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&failCalls, 1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	result, err := bus.Emit(context.Background(), "purchase.complete", map[string]interface{}{"amount": 100})
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&okCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&failCalls))
	assert.Equal(t, 2, result.ListenerCount)
	require.Len(t, result.Errors, 1)
}

func TestEmit_WildcardAnchoredMatch(t *testing.T) {
	bus := NewMemoryBus()
	var matched []string

	_, err := bus.SubscribeWildcard("user.*", func(ctx context.Context, e Event) error {
		matched = append(matched, e.Name)
		return nil
	})
	require.NoError(t, err)

	_, err = bus.Emit(context.Background(), "user.login", nil)
	require.NoError(t, err)
	_, err = bus.Emit(context.Background(), "other.user.login", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"user.login"}, matched)
}

func TestHistory_BoundedByHistoryLimit(t *testing.T) {
	bus := NewMemoryBus(WithHistoryLimit(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := bus.Emit(ctx, "tick", nil)
		require.NoError(t, err)
	}
	assert.Len(t, bus.History("tick", 0), 2)
}

func TestHistory_MaxEventTypesEvictsOldestName(t *testing.T) {
	bus := NewMemoryBus(WithMaxEventTypes(2))
	ctx := context.Background()
	_, _ = bus.Emit(ctx, "a.one", nil)
	_, _ = bus.Emit(ctx, "b.two", nil)
	_, _ = bus.Emit(ctx, "c.three", nil)

	assert.Empty(t, bus.History("a.one", 0))
	assert.Len(t, bus.History("b.two", 0), 1)
	assert.Len(t, bus.History("c.three", 0), 1)
}

func TestPattern_RejectsOverLongOrTooManyWildcards(t *testing.T) {
	_, err := CompilePattern(string(make([]byte, 200)))
	assert.ErrorIs(t, err, gkerrors.ErrPatternTooLong)

	many := ""
	for i := 0; i < 11; i++ {
		many += "*"
	}
	_, err = CompilePattern(many)
	assert.ErrorIs(t, err, gkerrors.ErrTooManyWildcards)
}
