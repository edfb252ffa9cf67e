// deviced emulates one device family: it subscribes to model snapshots,
// projects them onto a channel table, and exposes the table over HTTP for
// reads and writes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"simulacrum/internal/device"
	"simulacrum/internal/topology"
)

var (
	logLevel string

	topologyPath string
	kindName     string
	sessionID    string

	broadcastURL string
	commandURL   string
	listenAddr   string

	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	historyDepth      int
)

var rootCmd = &cobra.Command{
	Use:   "deviced",
	Short: "Device emulation daemon: mirrors model snapshots onto named channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		log := logrus.StandardLogger()

		kind, ok := topology.ParseDeviceKind(kindName)
		if !ok {
			return errors.New("unknown device kind " + strconv.Quote(kindName))
		}
		fac, err := topology.Load(topologyPath)
		if err != nil {
			return err
		}

		session, err := device.NewSession(device.Config{
			BroadcastURL:      broadcastURL,
			CommandURL:        commandURL,
			SessionID:         sessionID,
			Kind:              kind,
			HeartbeatInterval: heartbeatInterval,
			WriteTimeout:      writeTimeout,
			HistoryDepth:      historyDepth,
		}, fac, logrus.NewEntry(log))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{Addr: listenAddr, Handler: channelAPI(session)}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		go func() {
			log.WithField("addr", listenAddr).Info("channel API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("channel API failed: %v", err)
				stop()
			}
		}()

		err = session.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// channelAPI serves channel reads and writes:
//
//	GET  /channels              -> channel names
//	GET  /channels/{name}       -> value (or history for HST companions)
//	PUT  /channels/{name}       -> {"value": v}, blocks until acknowledged
func channelAPI(session *device.Session) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, session.Channels().Names())
	})
	mux.HandleFunc("/channels/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/channels/"):]
		switch r.Method {
		case http.MethodGet:
			if base, ok := baseOfHistoryChannel(name); ok {
				writeJSON(w, session.Channels().History(base))
				return
			}
			ch, ok := session.Channels().Get(name)
			if !ok {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, ch)
		case http.MethodPut:
			var body struct {
				Value float64 `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ack, err := session.WriteChannel(r.Context(), name, body.Value)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, ack)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func baseOfHistoryChannel(name string) (string, bool) {
	const suffix = "HST"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)], true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&logLevel, "log-level", "info", "log verbosity (trace, debug, info, warn, error)")
	flags.StringVar(&topologyPath, "topology", "topology.yaml", "facility topology YAML file")
	flags.StringVar(&kindName, "kind", "", "device kind to emulate (bpm, magnet, camera, klystron, undulator, obstruction)")
	flags.StringVar(&sessionID, "session", "", "stable session identifier (default: generated)")
	flags.StringVar(&broadcastURL, "broadcast-url", "ws://localhost:9080/broadcast", "model snapshot endpoint")
	flags.StringVar(&commandURL, "command-url", "ws://localhost:9080/commands", "model command endpoint")
	flags.StringVar(&listenAddr, "listen", ":9090", "channel API listen address")
	flags.DurationVar(&heartbeatInterval, "heartbeat-interval", 3*time.Second, "liveness heartbeat interval")
	flags.DurationVar(&writeTimeout, "write-timeout", 30*time.Second, "channel write acknowledgment timeout")
	flags.IntVar(&historyDepth, "history-depth", 100, "samples retained per history channel")
	rootCmd.MarkFlagRequired("kind")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
