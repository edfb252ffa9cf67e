// modeld runs the model process: it owns the authoritative machine state,
// recomputes on demand, broadcasts snapshots, and accepts control commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"simulacrum/internal/app"
)

var (
	logLevel string

	topologyPath  string
	broadcastAddr string
	commandAddr   string

	triggerPolicy  string
	coalesceWindow time.Duration
	engineTimeout  time.Duration

	queueDepth       int
	historyDepth     int
	heartbeatTimeout time.Duration
	ackTimeout       time.Duration

	archivePath string

	jitterInterval  time.Duration
	jitterAmplitude float64
	jitterKind      string
)

var rootCmd = &cobra.Command{
	Use:   "modeld",
	Short: "Machine model daemon: state store, recompute trigger, snapshot broadcast, command routing",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := app.DefaultConfig()
		cfg.TopologyPath = topologyPath
		cfg.BroadcastAddr = broadcastAddr
		cfg.CommandAddr = commandAddr
		cfg.TriggerPolicy = triggerPolicy
		cfg.CoalesceWindow = coalesceWindow
		cfg.EngineTimeout = engineTimeout
		cfg.QueueDepth = queueDepth
		cfg.HistoryDepth = historyDepth
		cfg.HeartbeatTimeout = heartbeatTimeout
		cfg.AckTimeout = ackTimeout
		cfg.ArchivePath = archivePath
		cfg.JitterInterval = jitterInterval
		cfg.JitterAmplitude = jitterAmplitude
		cfg.JitterKind = jitterKind
		cfg.Logger = logrus.StandardLogger()

		return app.Run(ctx, cfg)
	},
}

func init() {
	defaults := app.DefaultConfig()
	flags := rootCmd.Flags()
	flags.StringVar(&logLevel, "log-level", "info", "log verbosity (trace, debug, info, warn, error)")
	flags.StringVar(&topologyPath, "topology", defaults.TopologyPath, "facility topology YAML file")
	flags.StringVar(&broadcastAddr, "broadcast-addr", defaults.BroadcastAddr, "listen address for snapshot broadcast and metrics")
	flags.StringVar(&commandAddr, "command-addr", "", "separate listen address for the command endpoint (default: shared)")
	flags.StringVar(&triggerPolicy, "trigger-policy", defaults.TriggerPolicy, "recompute trigger policy (immediate or coalesced)")
	flags.DurationVar(&coalesceWindow, "coalesce-window", 100*time.Millisecond, "batching window for the coalesced policy")
	flags.DurationVar(&engineTimeout, "engine-timeout", 30*time.Second, "per-invocation engine deadline")
	flags.IntVar(&queueDepth, "queue-depth", 16, "per-session snapshot queue depth")
	flags.IntVar(&historyDepth, "history-depth", 64, "retained snapshot versions for catch-up")
	flags.DurationVar(&heartbeatTimeout, "heartbeat-timeout", 10*time.Second, "subscriber liveness timeout")
	flags.DurationVar(&ackTimeout, "ack-timeout", 30*time.Second, "command acknowledgment timeout")
	flags.StringVar(&archivePath, "archive", "", "SQLite snapshot archive path (empty: disabled)")
	flags.DurationVar(&jitterInterval, "jitter-interval", 0, "synthetic perturbation interval (0: disabled)")
	flags.Float64Var(&jitterAmplitude, "jitter-amplitude", defaults.JitterAmplitude, "perturbation standard deviation")
	flags.StringVar(&jitterKind, "jitter-kind", defaults.JitterKind, "device kind whose settables get perturbed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
