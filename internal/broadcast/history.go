package broadcast

import (
	"sync"

	"simulacrum/internal/model"
)

// History retains the most recent snapshots in a ring indexed by version
// modulo capacity, so catch-up never grows memory with model lifetime.
type History struct {
	mu    sync.Mutex
	slots []*model.Snapshot
}

// NewHistory creates a ring retaining up to depth snapshots.
func NewHistory(depth int) *History {
	if depth < 1 {
		depth = 1
	}
	return &History{slots: make([]*model.Snapshot, depth)}
}

// Record stores a snapshot, evicting whatever previously occupied its slot.
func (h *History) Record(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	h.mu.Lock()
	h.slots[snap.Version%uint64(len(h.slots))] = snap
	h.mu.Unlock()
}

// Get returns the retained snapshot for a version, if it has not been
// evicted.
func (h *History) Get(version uint64) (*model.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.slots[version%uint64(len(h.slots))]
	if snap == nil || snap.Version != version {
		return nil, false
	}
	return snap, true
}

// CatchUp returns, in order, every snapshot after afterVersion up to and
// including latest. ok is false when any needed version has been evicted,
// in which case the subscriber must resynchronize from a full snapshot.
func (h *History) CatchUp(afterVersion, latest uint64) ([]*model.Snapshot, bool) {
	if afterVersion >= latest {
		return nil, true
	}
	if latest-afterVersion > uint64(len(h.slots)) {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.Snapshot, 0, latest-afterVersion)
	for v := afterVersion + 1; v <= latest; v++ {
		snap := h.slots[v%uint64(len(h.slots))]
		if snap == nil || snap.Version != v {
			return nil, false
		}
		out = append(out, snap)
	}
	return out, true
}
