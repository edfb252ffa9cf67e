// Package broadcast distributes published snapshots to device subscriber
// sessions with per-session isolation: bounded queues, best-effort delivery,
// heartbeat liveness, and a bounded history ring for catch-up.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"simulacrum/internal/model"
	"simulacrum/internal/telemetry"
)

// SessionState tracks a subscription's delivery health.
type SessionState string

const (
	StateConnected    SessionState = "connected"
	StateLagging      SessionState = "lagging"
	StateDisconnected SessionState = "disconnected"
)

var ErrDuplicateSession = errors.New("session already subscribed")

// Subscription is the publisher's view of one connected device session.
// The publisher owns it exclusively; the transport layer consumes Events
// and Signals.
type Subscription struct {
	ID string

	events  chan *model.Snapshot
	signals chan SessionState

	mu            sync.Mutex
	state         SessionState
	lastAck       uint64
	lastHeartbeat time.Time
}

// Events yields snapshots in publication order. The channel closes when the
// subscription is torn down.
func (s *Subscription) Events() <-chan *model.Snapshot {
	return s.events
}

// Signals yields state transitions (lagging, disconnected) the transport
// should surface to the remote session.
func (s *Subscription) Signals() <-chan SessionState {
	return s.signals
}

// State reports the subscription's current liveness state.
func (s *Subscription) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastAck reports the newest snapshot version the session acknowledged.
func (s *Subscription) LastAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Subscription) signal(state SessionState) {
	select {
	case s.signals <- state:
	default:
	}
}

// Config tunes publisher fan-out and liveness.
type Config struct {
	QueueDepth       int
	HistoryDepth     int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:       16,
		HistoryDepth:     64,
		HeartbeatTimeout: 10 * time.Second,
		SweepInterval:    time.Second,
	}
}

// Publisher owns the live subscription set and the retained history.
type Publisher struct {
	cfg     Config
	log     *logrus.Entry
	metrics *telemetry.Metrics

	mu      sync.Mutex
	subs    map[string]*Subscription
	history *History
	latest  uint64
}

// NewPublisher creates a publisher with the given fan-out configuration.
func NewPublisher(cfg Config, log *logrus.Entry, metrics *telemetry.Metrics) *Publisher {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.HistoryDepth < 1 {
		cfg.HistoryDepth = DefaultConfig().HistoryDepth
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		subs:    make(map[string]*Subscription),
		history: NewHistory(cfg.HistoryDepth),
	}
}

// Subscribe registers a session. An existing subscription with the same ID
// is torn down first, so a reconnecting device replaces its stale session.
func (p *Publisher) Subscribe(id string) *Subscription {
	sub := &Subscription{
		ID:            id,
		events:        make(chan *model.Snapshot, p.cfg.QueueDepth),
		signals:       make(chan SessionState, 1),
		state:         StateConnected,
		lastHeartbeat: time.Now(),
	}

	p.mu.Lock()
	if old, ok := p.subs[id]; ok {
		p.teardownLocked(old)
	}
	p.subs[id] = sub
	count := len(p.subs)
	p.mu.Unlock()

	p.metrics.SetSubscribers(count)
	p.log.WithField("session", id).Info("device subscribed")
	return sub
}

// Drop tears a session down only if sub is still the registered
// subscription for its ID. A handler whose device already reconnected under
// the same ID holds a stale subscription and must not remove the
// replacement.
func (p *Publisher) Drop(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	current, ok := p.subs[sub.ID]
	if ok && current == sub {
		delete(p.subs, sub.ID)
		p.teardownLocked(sub)
	} else {
		ok = false
	}
	count := len(p.subs)
	p.mu.Unlock()

	if ok {
		p.metrics.SetSubscribers(count)
		p.log.WithField("session", sub.ID).Info("device unsubscribed")
	}
}

func (p *Publisher) teardownLocked(sub *Subscription) {
	sub.mu.Lock()
	sub.state = StateDisconnected
	sub.mu.Unlock()
	sub.signal(StateDisconnected)
	close(sub.events)
}

// Publish records the snapshot in history and fans it out. Delivery is
// best-effort and independent per session: a full queue marks that session
// lagging and drops the delivery instead of blocking anyone.
func (p *Publisher) Publish(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	p.mu.Lock()
	p.history.Record(snap)
	p.latest = snap.Version
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	p.metrics.SnapshotPublished()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.state != StateConnected {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.events <- snap:
			sub.mu.Unlock()
		default:
			sub.state = StateLagging
			sub.mu.Unlock()
			sub.signal(StateLagging)
			p.metrics.BroadcastDropped()
			p.log.WithFields(logrus.Fields{
				"session": sub.ID,
				"version": snap.Version,
			}).Warn("session queue full, marked lagging")
		}
	}
}

// Heartbeat records liveness and the newest acknowledged version for a
// session. Returns false for unknown sessions.
func (p *Publisher) Heartbeat(id string, ackVersion uint64, now time.Time) bool {
	p.mu.Lock()
	sub, ok := p.subs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	sub.lastHeartbeat = now
	if ackVersion > sub.lastAck {
		sub.lastAck = ackVersion
	}
	sub.mu.Unlock()
	return true
}

// CatchUp returns the retained snapshots a session missed after
// afterVersion. ok=false means the gap exceeds retention and the session
// must resynchronize from the full current snapshot instead.
func (p *Publisher) CatchUp(afterVersion uint64) ([]*model.Snapshot, bool) {
	p.mu.Lock()
	latest := p.latest
	p.mu.Unlock()
	return p.history.CatchUp(afterVersion, latest)
}

// Resynced clears a session's lagging state after a resync to version,
// discarding queued snapshots the resync already covers. Snapshots newer
// than the resync point stay queued so the session sees no fresh gap.
func (p *Publisher) Resynced(id string, version uint64) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	if sub.state == StateLagging {
		sub.state = StateConnected
	}
	if version > sub.lastAck {
		sub.lastAck = version
	}
	// Holding sub.mu keeps Publish out, so requeueing the kept snapshots
	// cannot interleave with new deliveries.
	var keep []*model.Snapshot
	closed := false
drain:
	for {
		select {
		case snap, ok := <-sub.events:
			if !ok {
				closed = true
				break drain
			}
			if snap.Version > version {
				keep = append(keep, snap)
			}
		default:
			break drain
		}
	}
	if !closed {
		for _, snap := range keep {
			select {
			case sub.events <- snap:
			default:
			}
		}
	}
	sub.mu.Unlock()
}

// Sweep tears down every session whose heartbeat is older than the timeout
// and returns their IDs.
func (p *Publisher) Sweep(now time.Time) []string {
	p.mu.Lock()
	var expired []string
	for id, sub := range p.subs {
		sub.mu.Lock()
		stale := now.Sub(sub.lastHeartbeat) > p.cfg.HeartbeatTimeout
		sub.mu.Unlock()
		if stale {
			expired = append(expired, id)
			delete(p.subs, id)
			p.teardownLocked(sub)
		}
	}
	count := len(p.subs)
	p.mu.Unlock()

	if len(expired) > 0 {
		p.metrics.SetSubscribers(count)
		for _, id := range expired {
			p.log.WithField("session", id).Warn("disconnecting session after heartbeat timeout")
		}
	}
	return expired
}

// Run drives the liveness sweep until the context is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

// Sessions reports the IDs and states of all live subscriptions.
func (p *Publisher) Sessions() map[string]SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]SessionState, len(p.subs))
	for id, sub := range p.subs {
		out[id] = sub.State()
	}
	return out
}
