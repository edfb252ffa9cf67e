// Package trigger decides when accumulated pending changes warrant invoking
// the physics engine, serializes those invocations, and turns successful
// computations into published snapshots. It is the system's single writer:
// one goroutine, one invocation in flight, commands accepted during a run
// coalesce into the next batch.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"simulacrum/internal/engine"
	"simulacrum/internal/model"
	"simulacrum/internal/telemetry"
)

// Policy selects between recomputing immediately after any accepted change
// and coalescing bursts into one invocation per window.
type Policy string

const (
	PolicyImmediate Policy = "immediate"
	PolicyCoalesced Policy = "coalesced"
)

// ParsePolicy validates a policy label from configuration.
func ParsePolicy(raw string) (Policy, bool) {
	switch Policy(raw) {
	case PolicyImmediate, PolicyCoalesced:
		return Policy(raw), true
	}
	return "", false
}

// Publisher receives each committed snapshot for fan-out.
type Publisher interface {
	Publish(*model.Snapshot)
}

// Acker resolves command acknowledgments once a batch reaches a terminal
// state.
type Acker interface {
	Resolve(model.Ack)
}

// Config tunes batching and the engine invocation timeout.
type Config struct {
	Policy         Policy
	CoalesceWindow time.Duration
	EngineTimeout  time.Duration
}

// DefaultConfig matches the original deployment's 10 Hz broadcast cadence.
func DefaultConfig() Config {
	return Config{
		Policy:         PolicyCoalesced,
		CoalesceWindow: 100 * time.Millisecond,
		EngineTimeout:  30 * time.Second,
	}
}

// Trigger owns the recompute loop.
type Trigger struct {
	store   *model.Store
	engine  engine.Engine
	pub     Publisher
	acks    Acker
	cfg     Config
	log     *logrus.Entry
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// New wires a trigger. acks may be nil when no router is attached (tests,
// bootstrap-only runs).
func New(store *model.Store, eng engine.Engine, pub Publisher, acks Acker, cfg Config, log *logrus.Entry, metrics *telemetry.Metrics) *Trigger {
	if cfg.Policy == "" {
		cfg.Policy = DefaultConfig().Policy
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultConfig().CoalesceWindow
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = DefaultConfig().EngineTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Trigger{
		store:   store,
		engine:  eng,
		pub:     pub,
		acks:    acks,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		clock:   time.Now,
	}
}

// Bootstrap runs the initial computation that publishes snapshot version 1
// from the facility's initial settings, before any command is accepted.
func (t *Trigger) Bootstrap(ctx context.Context) error {
	out, err := t.invoke(ctx, nil)
	if err != nil {
		return fmt.Errorf("bootstrap compute: %w", err)
	}
	snap := t.store.CommitBatch(nil, out.Readables, t.clock())
	t.pub.Publish(snap)
	t.log.WithField("version", snap.Version).Info("initial snapshot published")
	return nil
}

// Run processes pending changes until the context is done.
func (t *Trigger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.store.Notify():
		}

		if t.cfg.Policy == PolicyCoalesced {
			timer := time.NewTimer(t.cfg.CoalesceWindow)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		t.recompute(ctx)
	}
}

// recompute drains one batch and drives it to a terminal state. The batch
// is taken before the engine call, so commands arriving during the call are
// never interleaved into it.
func (t *Trigger) recompute(ctx context.Context) {
	batch := t.store.TakeBatch()
	if batch == nil {
		return
	}

	out, err := t.invoke(ctx, batch)
	if err != nil {
		t.rejectBatch(batch, err)
		return
	}

	snap := t.store.CommitBatch(batch, out.Readables, t.clock())
	t.pub.Publish(snap)
	for _, cmd := range batch.Commands {
		t.resolve(model.Ack{Token: cmd.Token, Status: model.AckAccepted, Version: snap.Version})
		t.metrics.CommandAccepted()
	}
	t.log.WithFields(logrus.Fields{
		"version":  snap.Version,
		"commands": len(batch.Commands),
	}).Info("snapshot published")
}

func (t *Trigger) invoke(ctx context.Context, batch *model.Batch) (engine.Output, error) {
	input := engine.Input{Settings: t.store.EngineInput(batch)}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.EngineTimeout)
	defer cancel()

	t.metrics.EngineInvoked()
	start := t.clock()
	out, err := t.engine.Compute(ctx, input)
	t.metrics.ObserveEngineLatency(t.clock().Sub(start).Seconds())
	return out, err
}

// rejectBatch fails every command of the offending batch wholesale. The
// previously published snapshot stays authoritative; nothing is committed.
func (t *Trigger) rejectBatch(batch *model.Batch, err error) {
	t.metrics.EngineFailed()
	detail := err.Error()
	if reason, ok := engine.IsComputationError(err); ok {
		detail = reason
	}
	for _, cmd := range batch.Commands {
		t.resolve(model.Ack{
			Token:  cmd.Token,
			Status: model.AckRejected,
			Reason: model.RejectEngineFailure,
			Detail: detail,
		})
		t.metrics.CommandRejected(string(model.RejectEngineFailure))
	}
	t.log.WithFields(logrus.Fields{
		"commands": len(batch.Commands),
		"error":    err,
	}).Error("engine rejected batch")
}

func (t *Trigger) resolve(ack model.Ack) {
	if t.acks != nil {
		t.acks.Resolve(ack)
	}
}
