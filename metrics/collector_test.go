package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordEventAccumulates(t *testing.T) {
	c := New(10, 10)
	c.RecordEvent("user.login", 5*time.Millisecond, false)
	c.RecordEvent("user.login", 10*time.Millisecond, true)

	snap := c.Snapshot()
	st, ok := snap.Events["user.login"]
	require.True(t, ok)
	assert.EqualValues(t, 2, st.Count)
	assert.EqualValues(t, 1, st.Errors)
	assert.Equal(t, 15*time.Millisecond, st.TotalProcessingTime)
}

func TestCollector_BoundedCardinalityEvictsOldest(t *testing.T) {
	c := New(2, 10)
	c.RecordEvent("a", 0, false)
	c.RecordEvent("b", 0, false)
	c.RecordEvent("c", 0, false)

	snap := c.Snapshot()
	assert.Len(t, snap.Events, 2)
	_, hasC := snap.Events["c"]
	assert.True(t, hasC)
}

func TestCollector_RegisterCollectorOmitsFailures(t *testing.T) {
	c := New(10, 10)
	c.RegisterCollector("good", func() (any, error) { return 42, nil })
	c.RegisterCollector("bad", func() (any, error) { return nil, errors.New("boom") })

	snap := c.Snapshot()
	assert.Equal(t, 42, snap.Custom["good"])
	_, hasBad := snap.Custom["bad"]
	assert.False(t, hasBad)
}

func TestCollector_ResetClearsCounters(t *testing.T) {
	c := New(10, 10)
	c.RecordEvent("x", 0, false)
	c.Reset()
	snap := c.Snapshot()
	assert.Empty(t, snap.Events)
}

func TestSnapshot_ExportFormats(t *testing.T) {
	c := New(10, 10)
	c.RecordEvent("points.awarded", time.Millisecond, false)
	snap := c.Snapshot()

	j, err := snap.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(j), "points.awarded")

	assert.Contains(t, string(snap.Prometheus()), "gamification_event_total")
	assert.Contains(t, string(snap.CSV()), "points.awarded,1,0")
}
