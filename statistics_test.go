package msgsock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	var c counters
	c.received(10)
	c.received(5)
	c.sent(7)

	var s Statistics
	c.fill(&s)

	assert.Equal(t, uint64(2), s.ReceivedMessages)
	assert.Equal(t, uint64(15), s.ReceivedBytes)
	assert.Equal(t, uint64(1), s.SentMessages)
	assert.Equal(t, uint64(7), s.SentBytes)
	assert.True(t, s.Active())
}

func TestStatisticsHistory(t *testing.T) {
	h := newStatisticsHistory(time.Minute)

	now := time.Now()
	h.add(Statistics{ID: "b", ConnectedAt: now, DisconnectedAt: now})
	h.add(Statistics{ID: "a", ConnectedAt: now.Add(-time.Second), DisconnectedAt: now})

	got, ok := h.get("a")
	require.True(t, ok)
	assert.False(t, got.Active())

	_, ok = h.get("missing")
	assert.False(t, ok)

	list := h.list()
	sortStatistics(list)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	h.flush()
	assert.Empty(t, h.list())
}

func TestStatisticsHistory_Expires(t *testing.T) {
	h := newStatisticsHistory(20 * time.Millisecond)
	h.add(Statistics{ID: "gone"})

	require.Eventually(t, func() bool {
		_, ok := h.get("gone")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSortStatistics_TieBreak(t *testing.T) {
	now := time.Now()
	list := []Statistics{
		{ID: "z", ConnectedAt: now},
		{ID: "m", ConnectedAt: now},
		{ID: "a", ConnectedAt: now.Add(time.Second)},
	}

	sortStatistics(list)

	assert.Equal(t, []string{"m", "z", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})
}
