package gamificationkit

import (
	"context"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersinkoc/gamificationkit/lifecycle"
	"github.com/ersinkoc/gamificationkit/modules/points"
	"github.com/ersinkoc/gamificationkit/rules"
)

func newRunningKit(t *testing.T, opts Options) *Kit {
	t.Helper()
	k := New(opts)
	require.NoError(t, k.Register(points.New(points.Config{})))
	require.NoError(t, k.Initialize(context.Background()))
	require.Equal(t, StateRunning, k.State())
	return k
}

func TestKit_InitializeIsIdempotent(t *testing.T) {
	k := newRunningKit(t, Options{})
	defer k.Shutdown(context.Background(), time.Second)

	require.NoError(t, k.Initialize(context.Background()))
	assert.Equal(t, StateRunning, k.State())
}

func TestKit_TrackBeforeInitializeIsRejected(t *testing.T) {
	k := New(Options{})
	_, err := k.Track(context.Background(), "purchase.item", nil)
	assert.Error(t, err)
}

func TestKit_TrackEmitsEventAndReturnsSummary(t *testing.T) {
	k := newRunningKit(t, Options{})
	defer k.Shutdown(context.Background(), time.Second)

	result, err := k.Track(context.Background(), "purchase.item", map[string]interface{}{"userId": "u1", "amount": 150})
	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.NotEmpty(t, result.EventID)
}

func TestKit_RuleActionAwardsPointsThroughTrack(t *testing.T) {
	k := newRunningKit(t, Options{})
	defer k.Shutdown(context.Background(), time.Second)

	require.NoError(t, k.Rules().AddRule(&rules.Rule{
		Name:       "big-purchase-bonus",
		Conditions: rules.Leaf("amount", ">=", float64(100)),
		Actions: []rules.Action{
			{Type: rules.ActionAwardPoints, Points: 10, Reason: "purchase.item"},
		},
	}))

	result, err := k.Track(context.Background(), "purchase.item", map[string]interface{}{"userId": "u1", "amount": 150})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RulesMatched)

	m, ok := k.Module("points")
	require.True(t, ok)
	pm := m.(*points.Module)
	balance, err := pm.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)
}

func TestKit_GetUserStatsFansOutToEveryModule(t *testing.T) {
	k := newRunningKit(t, Options{})
	defer k.Shutdown(context.Background(), time.Second)

	m, ok := k.Module("points")
	require.True(t, ok)
	_, err := m.(*points.Module).Award(context.Background(), "u1", 50, "seed")
	require.NoError(t, err)

	stats, err := k.GetUserStats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Contains(t, stats, "points")
}

func TestKit_RegisterAfterInitializeFails(t *testing.T) {
	k := newRunningKit(t, Options{})
	defer k.Shutdown(context.Background(), time.Second)

	err := k.Register(points.New(points.Config{}))
	assert.Error(t, err)
}

func TestKit_ShutdownIsIdempotent(t *testing.T) {
	k := newRunningKit(t, Options{})
	require.NoError(t, k.Shutdown(context.Background(), time.Second))
	require.NoError(t, k.Shutdown(context.Background(), time.Second))
	assert.Equal(t, StateTerminated, k.State())
}

func TestKit_LifecycleObserverSeesRunningAndTerminated(t *testing.T) {
	k := New(Options{})
	require.NoError(t, k.Register(points.New(points.Config{})))

	var types []string
	obs := lifecycle.NewFunctionalObserver("watcher", func(ctx context.Context, event cloudevents.Event) error {
		types = append(types, event.Type())
		return nil
	})
	require.NoError(t, k.Recorder().RegisterObserver(obs))

	require.NoError(t, k.Initialize(context.Background()))
	require.NoError(t, k.Shutdown(context.Background(), time.Second))

	assert.Contains(t, types, lifecycle.EventTypeKitRunning)
	assert.Contains(t, types, lifecycle.EventTypeKitTerminated)
}
