package device

import (
	"sort"
	"sync"
	"time"
)

// Channel is one named process value with its provenance.
type Channel struct {
	Name      string
	Value     float64
	Version   uint64
	UpdatedAt time.Time
}

// historyRing keeps the most recent values of one channel, oldest first.
type historyRing struct {
	values []float64
	next   int
	filled bool
}

func newHistoryRing(depth int) *historyRing {
	return &historyRing{values: make([]float64, depth)}
}

func (r *historyRing) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *historyRing) snapshot() []float64 {
	if !r.filled {
		out := make([]float64, r.next)
		copy(out, r.values[:r.next])
		return out
	}
	out := make([]float64, 0, len(r.values))
	out = append(out, r.values[r.next:]...)
	out = append(out, r.values[:r.next]...)
	return out
}

// ChannelTable holds every channel a device session exposes. Reads return
// the value from the last applied snapshot; the table is the seam an
// external channel-access protocol binds to.
type ChannelTable struct {
	mu      sync.RWMutex
	values  map[string]Channel
	history map[string]*historyRing
	depth   int
}

// NewChannelTable builds an empty table whose history rings hold depth
// samples each.
func NewChannelTable(historyDepth int) *ChannelTable {
	if historyDepth < 1 {
		historyDepth = 100
	}
	return &ChannelTable{
		values:  make(map[string]Channel),
		history: make(map[string]*historyRing),
		depth:   historyDepth,
	}
}

// Set stores a channel value. When keepHistory is set the value is also
// appended to the channel's bounded history ring.
func (t *ChannelTable) Set(name string, value float64, version uint64, now time.Time, keepHistory bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[name] = Channel{Name: name, Value: value, Version: version, UpdatedAt: now}
	if !keepHistory {
		return
	}
	ring, ok := t.history[name]
	if !ok {
		ring = newHistoryRing(t.depth)
		t.history[name] = ring
	}
	ring.push(value)
}

// Get returns one channel value.
func (t *ChannelTable) Get(name string) (Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.values[name]
	return ch, ok
}

// History returns the retained samples of a channel, oldest first. The
// channel is addressed by its base name, not the HST companion name.
func (t *ChannelTable) History(name string) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ring, ok := t.history[name]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// Names lists every channel in the table, sorted, with HST companion names
// for channels that retain history.
func (t *ChannelTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.values)+len(t.history))
	for name := range t.values {
		names = append(names, name)
	}
	for name := range t.history {
		names = append(names, HistoryChannelName(name))
	}
	sort.Strings(names)
	return names
}
