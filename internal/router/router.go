// Package router accepts control commands from device sessions, fast-rejects
// invalid ones against the element registry, forwards the rest to the model
// state store, and guarantees exactly one acknowledgment per command token.
package router

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"simulacrum/internal/model"
	"simulacrum/internal/telemetry"
	"simulacrum/internal/topology"
)

// Store is the pending-change surface the router forwards to. Satisfied by
// *model.Store; kept narrow because the router may front a remote store.
type Store interface {
	SubmitChange(model.ControlCommand) error
	Cancel(token string) bool
}

// Config tunes acknowledgment behavior.
type Config struct {
	// AckTimeout bounds how long a command may stay unresolved before the
	// originator receives a timeout acknowledgment.
	AckTimeout time.Duration
}

// DefaultConfig returns the deployment default.
func DefaultConfig() Config {
	return Config{AckTimeout: 30 * time.Second}
}

type waiter struct {
	ch    chan model.Ack
	timer *time.Timer
}

// Router validates, forwards, and acknowledges control commands.
type Router struct {
	facility *topology.Facility
	store    Store
	cfg      Config
	log      *logrus.Entry
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	waiters map[string]*waiter
}

// New builds a router over the given element registry and store.
func New(fac *topology.Facility, store Store, cfg Config, log *logrus.Entry, metrics *telemetry.Metrics) *Router {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		facility: fac,
		store:    store,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		waiters:  make(map[string]*waiter),
	}
}

// Submit routes one command. The returned channel delivers exactly one
// acknowledgment: accepted, rejected-with-reason, canceled, or timed out.
func (r *Router) Submit(cmd model.ControlCommand) <-chan model.Ack {
	ch := make(chan model.Ack, 1)

	// Fast-reject path: validate against the registry before touching the
	// store, independently of the store's own validation.
	if reason, ok := r.validate(cmd); !ok {
		ch <- model.Ack{Token: cmd.Token, Status: model.AckRejected, Reason: reason}
		r.metrics.CommandRejected(string(reason))
		r.log.WithFields(logrus.Fields{
			"token":   cmd.Token,
			"element": cmd.Element,
			"reason":  reason,
		}).Warn("command fast-rejected")
		return ch
	}

	// The waiter becomes resolvable the moment it lands in the map, so the
	// timer must be armed first: a batch resolving concurrently with the
	// store call below would otherwise race on w.timer.
	w := &waiter{ch: ch}
	r.mu.Lock()
	if _, dup := r.waiters[cmd.Token]; dup {
		r.mu.Unlock()
		ch <- model.Ack{Token: cmd.Token, Status: model.AckRejected, Reason: model.RejectInvalidElement, Detail: "duplicate token"}
		return ch
	}
	w.timer = time.AfterFunc(r.cfg.AckTimeout, func() {
		if r.Resolve(model.Ack{Token: cmd.Token, Status: model.AckTimeout}) {
			r.log.WithField("token", cmd.Token).Warn("command acknowledgment timed out")
		}
	})
	r.waiters[cmd.Token] = w
	r.mu.Unlock()

	if err := r.store.SubmitChange(cmd); err != nil {
		reason, ok := model.ReasonForError(err)
		if !ok {
			reason = model.RejectTransport
		}
		r.Resolve(model.Ack{Token: cmd.Token, Status: model.AckRejected, Reason: reason, Detail: err.Error()})
		r.metrics.CommandRejected(string(reason))
		return ch
	}
	return ch
}

// Cancel withdraws a pending command. It succeeds only before the command
// was merged into an in-flight engine invocation; once merged, the command
// runs to completion and the eventual batch acknowledgment stands.
func (r *Router) Cancel(token string) bool {
	if !r.store.Cancel(token) {
		return false
	}
	return r.Resolve(model.Ack{Token: token, Status: model.AckCanceled})
}

// Resolve delivers the acknowledgment for a token exactly once. Later
// attempts (late engine results after a timeout, duplicate resolutions)
// are no-ops and return false.
func (r *Router) Resolve(ack model.Ack) bool {
	r.mu.Lock()
	w, ok := r.waiters[ack.Token]
	if ok {
		delete(r.waiters, ack.Token)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- ack
	return true
}

// Outstanding reports commands awaiting acknowledgment.
func (r *Router) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

func (r *Router) validate(cmd model.ControlCommand) (model.RejectReason, bool) {
	el, ok := r.facility.Element(cmd.Element)
	if !ok {
		return model.RejectInvalidElement, false
	}
	spec, ok := el.Settable(cmd.Attribute)
	if !ok {
		return model.RejectInvalidAttribute, false
	}
	if !spec.InRange(cmd.Value) {
		return model.RejectOutOfRange, false
	}
	return "", true
}
