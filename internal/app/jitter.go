package app

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"simulacrum/internal/model"
	"simulacrum/internal/router"
	"simulacrum/internal/topology"
)

// JitterConfig tunes the synthetic perturbation source.
type JitterConfig struct {
	// Kind selects which elements get perturbed.
	Kind topology.DeviceKind
	// Interval paces perturbation rounds.
	Interval time.Duration
	// Amplitude is the standard deviation of the perturbation around each
	// settable's initial value.
	Amplitude float64
}

// Jitter periodically nudges settables around their initial values through
// the ordinary command path, exercising the full recompute and broadcast
// pipeline without any connected operator.
type Jitter struct {
	cfg     JitterConfig
	rt      *router.Router
	log     *logrus.Entry
	rng     *rand.Rand
	targets []jitterTarget
}

type jitterTarget struct {
	element string
	spec    topology.SettableSpec
}

// NewJitter resolves the perturbation targets from the topology.
func NewJitter(cfg JitterConfig, fac *topology.Facility, rt *router.Router, log *logrus.Entry) (*Jitter, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("jitter interval must be positive")
	}
	if cfg.Amplitude <= 0 {
		return nil, fmt.Errorf("jitter amplitude must be positive")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var targets []jitterTarget
	for _, el := range fac.ElementsOfKind(cfg.Kind) {
		for _, spec := range el.Settables {
			targets = append(targets, jitterTarget{element: el.Name, spec: spec})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no %s settables to perturb", cfg.Kind)
	}

	return &Jitter{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		targets: targets,
	}, nil
}

// Run perturbs every target once per interval until the context ends.
func (j *Jitter) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.perturb(ctx)
		}
	}
}

func (j *Jitter) perturb(ctx context.Context) {
	now := time.Now()
	for _, target := range j.targets {
		value := target.spec.Initial + j.rng.NormFloat64()*j.cfg.Amplitude
		if target.spec.Min != nil && value < *target.spec.Min {
			value = *target.spec.Min
		}
		if target.spec.Max != nil && value > *target.spec.Max {
			value = *target.spec.Max
		}
		ackCh := j.rt.Submit(model.ControlCommand{
			Element:   target.element,
			Attribute: target.spec.Name,
			Value:     value,
			Origin:    "jitter",
			Token:     uuid.NewString(),
			IssuedAt:  now,
		})
		go func(element, attribute string) {
			select {
			case ack := <-ackCh:
				if ack.Status != model.AckAccepted {
					j.log.WithFields(logrus.Fields{
						"element":   element,
						"attribute": attribute,
						"status":    ack.Status,
					}).Warn("jitter command not accepted")
				}
			case <-ctx.Done():
			}
		}(target.element, target.spec.Name)
	}
}
