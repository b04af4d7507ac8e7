package msgsock

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// Statistics is a snapshot of one connection's exchange counters.
type Statistics struct {
	ID             string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt time.Time

	ReceivedMessages uint64
	ReceivedBytes    uint64
	SentMessages     uint64
	SentBytes        uint64
}

// Active reports whether the connection was live when the snapshot was taken.
func (s Statistics) Active() bool {
	return s.DisconnectedAt.IsZero()
}

// counters are written by the connection's processor and read by snapshots.
type counters struct {
	receivedMessages atomic.Uint64
	receivedBytes    atomic.Uint64
	sentMessages     atomic.Uint64
	sentBytes        atomic.Uint64
}

func (c *counters) received(n int) {
	c.receivedMessages.Add(1)
	c.receivedBytes.Add(uint64(n))
}

func (c *counters) sent(n int) {
	c.sentMessages.Add(1)
	c.sentBytes.Add(uint64(n))
}

func (c *counters) fill(s *Statistics) {
	s.ReceivedMessages = c.receivedMessages.Load()
	s.ReceivedBytes = c.receivedBytes.Load()
	s.SentMessages = c.sentMessages.Load()
	s.SentBytes = c.sentBytes.Load()
}

// statisticsHistory keeps the final statistics of closed connections for a
// retention period.
type statisticsHistory struct {
	items *cache.Cache
}

func newStatisticsHistory(retention time.Duration) *statisticsHistory {
	return &statisticsHistory{items: cache.New(retention, retention)}
}

func (h *statisticsHistory) add(s Statistics) {
	h.items.Set(s.ID, s, cache.DefaultExpiration)
}

func (h *statisticsHistory) get(id string) (Statistics, bool) {
	v, ok := h.items.Get(id)
	if !ok {
		return Statistics{}, false
	}
	s, ok := v.(Statistics)
	return s, ok
}

func (h *statisticsHistory) list() []Statistics {
	items := h.items.Items()
	out := make([]Statistics, 0, len(items))
	for _, item := range items {
		if s, ok := item.Object.(Statistics); ok {
			out = append(out, s)
		}
	}
	return out
}

func (h *statisticsHistory) flush() {
	h.items.Flush()
}

// sortStatistics orders snapshots by connect time, then id.
func sortStatistics(list []Statistics) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ConnectedAt.Before(list[j].ConnectedAt)
		}
		return list[i].ID < list[j].ID
	})
}
