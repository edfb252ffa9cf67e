package model

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"simulacrum/internal/topology"
)

// Batch is the set of pending commands drained for one engine invocation.
// Commands keeps every accepted command so each gets an acknowledgment;
// Merged collapses them to the final value per (element, attribute).
type Batch struct {
	Commands []ControlCommand
	Merged   map[string]map[string]float64
}

// Store owns the authoritative settable values, the latest published
// snapshot, and the pending-change set. All command submissions pass through
// its mutex before batching; snapshot reads never block on it.
type Store struct {
	facility *topology.Facility

	mu       sync.Mutex
	settings map[string]map[string]float64
	pending  []ControlCommand
	version  uint64

	current atomic.Pointer[Snapshot]
	notify  chan struct{}
}

// NewStore seeds the authoritative settings from the facility's initial
// values. No snapshot exists until the first engine run commits version 1.
func NewStore(fac *topology.Facility) *Store {
	return &Store{
		facility: fac,
		settings: fac.InitialSettings(),
		notify:   make(chan struct{}, 1),
	}
}

// Current returns the latest published snapshot, or nil before the first
// commit. It never blocks and never observes a partially built snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Notify signals that the pending set gained work. The channel carries at
// most one outstanding signal; the trigger drains everything on wake-up.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

// SubmitChange validates a command and appends it to the pending set.
// It has no side effect beyond the pending set; recomputation is decoupled.
func (s *Store) SubmitChange(cmd ControlCommand) error {
	el, ok := s.facility.Element(cmd.Element)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidElement, cmd.Element)
	}
	spec, ok := el.Settable(cmd.Attribute)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrInvalidAttribute, cmd.Element, cmd.Attribute)
	}
	if !spec.InRange(cmd.Value) {
		return fmt.Errorf("%w: %s.%s = %v", ErrOutOfRange, cmd.Element, cmd.Attribute, cmd.Value)
	}

	s.mu.Lock()
	s.pending = append(s.pending, cmd)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Cancel withdraws a pending command by token. It succeeds only while the
// command has not yet been merged into an engine invocation.
func (s *Store) Cancel(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cmd := range s.pending {
		if cmd.Token == token {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// PendingCount reports the number of commands awaiting the next batch.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// TakeBatch atomically drains the pending set. Commands submitted after the
// drain land in the next batch, never in the one already in flight.
func (s *Store) TakeBatch() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	batch := &Batch{
		Commands: s.pending,
		Merged:   make(map[string]map[string]float64),
	}
	s.pending = nil
	for _, cmd := range batch.Commands {
		attrs, ok := batch.Merged[cmd.Element]
		if !ok {
			attrs = make(map[string]float64)
			batch.Merged[cmd.Element] = attrs
		}
		attrs[cmd.Attribute] = cmd.Value
	}
	return batch
}

// EngineInput overlays a batch on the authoritative settings and returns the
// full settable mapping the engine should compute from. The result is a
// fresh copy: the store's own settings mutate only on commit.
func (s *Store) EngineInput(batch *Batch) map[string]map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	input := make(map[string]map[string]float64, len(s.settings))
	for el, attrs := range s.settings {
		copied := make(map[string]float64, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
		input[el] = copied
	}
	if batch != nil {
		for el, attrs := range batch.Merged {
			target, ok := input[el]
			if !ok {
				target = make(map[string]float64, len(attrs))
				input[el] = target
			}
			for k, v := range attrs {
				target[k] = v
			}
		}
	}
	return input
}

// CommitBatch applies a successfully computed batch: the merged settables
// become authoritative and a new snapshot with version = previous + 1 is
// published. A failed batch is simply never committed, which is the
// rollback: the last good settings and snapshot remain the system's truth.
func (s *Store) CommitBatch(batch *Batch, readables Readings, now time.Time) *Snapshot {
	s.mu.Lock()
	if batch != nil {
		for el, attrs := range batch.Merged {
			target, ok := s.settings[el]
			if !ok {
				target = make(map[string]float64, len(attrs))
				s.settings[el] = target
			}
			for k, v := range attrs {
				target[k] = v
			}
		}
	}
	s.version++
	snap := &Snapshot{
		Version:   s.version,
		Timestamp: now,
		Readables: readables.Clone(),
		Kinds:     s.changedKinds(batch),
	}
	s.mu.Unlock()

	s.current.Store(snap)
	return snap
}

// changedKinds tags the snapshot with the device families touched by the
// batch so subscribers can filter cheaply. An empty batch (bootstrap,
// jitter-free recompute) tags every kind.
func (s *Store) changedKinds(batch *Batch) []topology.DeviceKind {
	if batch == nil || len(batch.Merged) == 0 {
		return topology.Kinds()
	}
	seen := make(map[topology.DeviceKind]struct{})
	for el := range batch.Merged {
		if element, ok := s.facility.Element(el); ok {
			seen[element.Kind] = struct{}{}
		}
	}
	// Readables of other kinds move whenever any settable moves, so every
	// kind with response terms pointing at a touched source is included.
	for i := range s.facility.Elements {
		el := &s.facility.Elements[i]
		for _, r := range el.Readables {
			for _, term := range r.Response {
				if _, touched := batch.Merged[term.Source]; touched {
					seen[el.Kind] = struct{}{}
				}
			}
		}
	}
	kinds := make([]topology.DeviceKind, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
