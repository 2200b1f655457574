package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_RegisterBadgeThenList(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterBadge(Badge{ID: "first-login", Name: "First Login"}))
	require.NoError(t, c.RegisterBadge(Badge{ID: "streak-7", Name: "Week Streak"}))

	badges := c.Badges()
	require.Len(t, badges, 2)
	assert.Equal(t, "first-login", badges[0].ID)
	assert.Equal(t, "streak-7", badges[1].ID)
}

func TestCatalog_DuplicateRegistrationIsRejected(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterBadge(Badge{ID: "first-login"}))
	err := c.RegisterBadge(Badge{ID: "first-login"})
	assert.Error(t, err)
}

func TestCatalog_ReplaceBadgeUpsertsWithoutError(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterBadge(Badge{ID: "first-login", Name: "v1"}))
	c.ReplaceBadge(Badge{ID: "first-login", Name: "v2"})

	b, ok := c.Badge("first-login")
	require.True(t, ok)
	assert.Equal(t, "v2", b.Name)
}

func TestCatalog_LevelForPointsPicksHighestQualifying(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterLevel(Level{ID: "bronze", MinPoints: 0, Rank: 1}))
	require.NoError(t, c.RegisterLevel(Level{ID: "silver", MinPoints: 100, Rank: 2}))
	require.NoError(t, c.RegisterLevel(Level{ID: "gold", MinPoints: 500, Rank: 3}))

	level, ok := c.LevelForPoints(150)
	require.True(t, ok)
	assert.Equal(t, "silver", level.ID)

	level, ok = c.LevelForPoints(1000)
	require.True(t, ok)
	assert.Equal(t, "gold", level.ID)
}

func TestCatalog_LevelForPointsEmptyCatalogReturnsFalse(t *testing.T) {
	c := New()
	_, ok := c.LevelForPoints(100)
	assert.False(t, ok)
}

func TestCatalog_QuestsSortedByID(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterQuest(Quest{ID: "zeta-quest"}))
	require.NoError(t, c.RegisterQuest(Quest{ID: "alpha-quest"}))

	quests := c.Quests()
	require.Len(t, quests, 2)
	assert.Equal(t, "alpha-quest", quests[0].ID)
}
