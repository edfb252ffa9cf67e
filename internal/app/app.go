// Package app assembles the model process: state store, engine, recompute
// trigger, snapshot publisher, command router, transport endpoints, and the
// optional snapshot archive.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"simulacrum/internal/archive"
	"simulacrum/internal/broadcast"
	"simulacrum/internal/engine"
	"simulacrum/internal/model"
	"simulacrum/internal/net/ws"
	"simulacrum/internal/router"
	"simulacrum/internal/telemetry"
	"simulacrum/internal/topology"
	"simulacrum/internal/trigger"
)

// Config collects every knob of the model process.
type Config struct {
	// TopologyPath locates the facility description.
	TopologyPath string
	// BroadcastAddr is the listen address for the snapshot endpoint and
	// metrics.
	BroadcastAddr string
	// CommandAddr optionally moves the command endpoint to its own
	// listener. Empty means it shares BroadcastAddr.
	CommandAddr string

	// TriggerPolicy is "immediate" or "coalesced".
	TriggerPolicy  string
	CoalesceWindow time.Duration
	EngineTimeout  time.Duration

	QueueDepth       int
	HistoryDepth     int
	HeartbeatTimeout time.Duration
	AckTimeout       time.Duration

	// ArchivePath enables the SQLite snapshot journal when non-empty.
	ArchivePath string

	// JitterInterval enables periodic synthetic perturbations when
	// positive.
	JitterInterval  time.Duration
	JitterAmplitude float64
	JitterKind      string

	Logger *logrus.Logger
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		TopologyPath:    "topology.yaml",
		BroadcastAddr:   ":9080",
		TriggerPolicy:   string(trigger.PolicyCoalesced),
		JitterAmplitude: 0.01,
		JitterKind:      string(topology.KindMagnet),
	}
}

// routerAcker adapts the router's resolve-with-result to the trigger's
// fire-and-forget acknowledgment sink.
type routerAcker struct {
	rt *router.Router
}

func (a routerAcker) Resolve(ack model.Ack) {
	a.rt.Resolve(ack)
}

// Run builds and runs the model process until the context ends.
func Run(ctx context.Context, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	fac, err := topology.Load(cfg.TopologyPath)
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	log.WithFields(logrus.Fields{"facility": fac.Name, "elements": len(fac.Elements)}).Info("topology loaded")

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	store := model.NewStore(fac)
	metrics.WatchPendingCommands(store.PendingCount)
	eng := engine.NewResponseMatrix(fac)

	pubCfg := broadcast.DefaultConfig()
	if cfg.QueueDepth > 0 {
		pubCfg.QueueDepth = cfg.QueueDepth
	}
	if cfg.HistoryDepth > 0 {
		pubCfg.HistoryDepth = cfg.HistoryDepth
	}
	if cfg.HeartbeatTimeout > 0 {
		pubCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	pub := broadcast.NewPublisher(pubCfg, logrus.NewEntry(log), metrics)

	var journal *archive.Journal
	var trigPub trigger.Publisher = pub
	if cfg.ArchivePath != "" {
		journal, err = archive.Open(cfg.ArchivePath, logrus.NewEntry(log))
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer journal.Close()
		trigPub = archive.NewTap(journal, pub)
		log.WithField("path", cfg.ArchivePath).Info("snapshot archive enabled")
	}

	rtCfg := router.DefaultConfig()
	if cfg.AckTimeout > 0 {
		rtCfg.AckTimeout = cfg.AckTimeout
	}
	rt := router.New(fac, store, rtCfg, logrus.NewEntry(log), metrics)

	policy, ok := trigger.ParsePolicy(cfg.TriggerPolicy)
	if !ok {
		return fmt.Errorf("unknown trigger policy %q", cfg.TriggerPolicy)
	}
	trigCfg := trigger.Config{
		Policy:         policy,
		CoalesceWindow: cfg.CoalesceWindow,
		EngineTimeout:  cfg.EngineTimeout,
	}
	trig := trigger.New(store, eng, trigPub, routerAcker{rt}, trigCfg, logrus.NewEntry(log), metrics)

	if err := trig.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.WithField("version", store.Current().Version).Info("initial snapshot published")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go trig.Run(runCtx)
	go pub.Run(runCtx)

	if cfg.JitterInterval > 0 {
		jitter, err := NewJitter(JitterConfig{
			Kind:      topology.DeviceKind(cfg.JitterKind),
			Interval:  cfg.JitterInterval,
			Amplitude: cfg.JitterAmplitude,
		}, fac, rt, logrus.NewEntry(log))
		if err != nil {
			return fmt.Errorf("jitter: %w", err)
		}
		go jitter.Run(runCtx)
		log.WithFields(logrus.Fields{"kind": cfg.JitterKind, "interval": cfg.JitterInterval}).Info("jitter enabled")
	}

	broadcastHandler := ws.NewBroadcastHandler(pub, store, logrus.NewEntry(log))
	commandHandler := ws.NewCommandHandler(rt, logrus.NewEntry(log))

	mux := http.NewServeMux()
	mux.HandleFunc("/broadcast", broadcastHandler.Handle)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	servers := []*http.Server{{Addr: cfg.BroadcastAddr, Handler: mux}}
	if cfg.CommandAddr != "" && cfg.CommandAddr != cfg.BroadcastAddr {
		cmdMux := http.NewServeMux()
		cmdMux.HandleFunc("/commands", commandHandler.Handle)
		servers = append(servers, &http.Server{Addr: cfg.CommandAddr, Handler: cmdMux})
	} else {
		mux.HandleFunc("/commands", commandHandler.Handle)
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		log.WithField("addr", srv.Addr).Info("listening")
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case err := <-errCh:
		cancel()
		for _, srv := range servers {
			srv.Close()
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("shutdown %s: %v", srv.Addr, err)
		}
	}
	return nil
}
