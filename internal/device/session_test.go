package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simulacrum/internal/broadcast"
	"simulacrum/internal/model"
	"simulacrum/internal/net/proto"
	"simulacrum/internal/net/ws"
	"simulacrum/internal/router"
	"simulacrum/internal/topology"
)

const sessionTestYAML = `
name: test-line
elements:
  - name: Q1
    kind: magnet
    device: "QUAD:TL01:100"
    settables:
      - name: current
        initial: 0.0
        min: -10.0
        max: 10.0
    readables:
      - name: current
  - name: BPM1
    kind: bpm
    device: "BPMS:TL01:110"
    readables:
      - name: x
      - name: y
      - name: tmit
`

type memorySource struct {
	mu   sync.Mutex
	snap *model.Snapshot
}

func (m *memorySource) Current() *model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *memorySource) set(snap *model.Snapshot) {
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
}

type acceptAllStore struct {
	mu     sync.Mutex
	tokens []string
}

func (s *acceptAllStore) SubmitChange(cmd model.ControlCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, cmd.Token)
	return nil
}

func (s *acceptAllStore) Cancel(string) bool { return true }

func (s *acceptAllStore) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

type sessionHarness struct {
	facility *topology.Facility
	pub      *broadcast.Publisher
	source   *memorySource
	store    *acceptAllStore
	router   *router.Router
	cfg      Config
}

func newSessionHarness(t *testing.T, kind topology.DeviceKind) *sessionHarness {
	t.Helper()
	fac, err := topology.Parse([]byte(sessionTestYAML))
	require.NoError(t, err)

	source := &memorySource{snap: &model.Snapshot{
		Version:   1,
		Timestamp: time.Now(),
		Readables: model.Readings{
			"Q1":   {"current": 0.0},
			"BPM1": {"x": 0.001, "y": -0.002, "tmit": 1e9},
		},
	}}
	pub := broadcast.NewPublisher(broadcast.DefaultConfig(), nil, nil)
	store := &acceptAllStore{}
	rt := router.New(fac, store, router.DefaultConfig(), nil, nil)

	bh := ws.NewBroadcastHandler(pub, source, nil)
	ch := ws.NewCommandHandler(rt, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/broadcast", bh.Handle)
	mux.HandleFunc("/commands", ch.Handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	return &sessionHarness{
		facility: fac,
		pub:      pub,
		source:   source,
		store:    store,
		router:   rt,
		cfg: Config{
			BroadcastURL:      base + "/broadcast",
			CommandURL:        base + "/commands",
			SessionID:         "test-session",
			Kind:              kind,
			HeartbeatInterval: 50 * time.Millisecond,
			WriteTimeout:      2 * time.Second,
			ReconnectDelay:    20 * time.Millisecond,
			HistoryDepth:      8,
		},
	}
}

func (h *sessionHarness) start(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSessionProjectsSnapshotOntoChannels(t *testing.T) {
	h := newSessionHarness(t, topology.KindBPM)
	s, err := NewSession(h.cfg, h.facility, nil)
	require.NoError(t, err)
	h.start(t, s)

	waitFor(t, func() bool { return s.Synced() && s.Version() == 1 })

	x, ok := s.Channels().Get("BPMS:TL01:110:X")
	require.True(t, ok)
	assert.InDelta(t, 1.0, x.Value, 1e-9) // 0.001 m -> 1 mm

	y, ok := s.Channels().Get("BPMS:TL01:110:Y")
	require.True(t, ok)
	assert.InDelta(t, -2.0, y.Value, 1e-9)

	tmit, ok := s.Channels().Get("BPMS:TL01:110:TMIT")
	require.True(t, ok)
	assert.InDelta(t, 1e9, tmit.Value, 1)
}

func TestSessionAppliesIncrementalUpdatesAndHistory(t *testing.T) {
	h := newSessionHarness(t, topology.KindBPM)
	s, err := NewSession(h.cfg, h.facility, nil)
	require.NoError(t, err)
	h.start(t, s)
	waitFor(t, func() bool { return s.Synced() })

	for v := uint64(2); v <= 4; v++ {
		snap := &model.Snapshot{
			Version:   v,
			Timestamp: time.Now(),
			Readables: model.Readings{"BPM1": {"x": float64(v) * 0.001, "y": 0, "tmit": 1e9}},
		}
		h.source.set(snap)
		h.pub.Publish(snap)
	}

	waitFor(t, func() bool { return s.Version() == 4 })
	x, ok := s.Channels().Get("BPMS:TL01:110:X")
	require.True(t, ok)
	assert.InDelta(t, 4.0, x.Value, 1e-9)

	hist := s.Channels().History("BPMS:TL01:110:X")
	require.NotEmpty(t, hist)
	assert.InDelta(t, 4.0, hist[len(hist)-1], 1e-9)
}

func TestSessionSkipsUntaggedKindsButTracksVersion(t *testing.T) {
	h := newSessionHarness(t, topology.KindBPM)
	s, err := NewSession(h.cfg, h.facility, nil)
	require.NoError(t, err)
	h.start(t, s)
	waitFor(t, func() bool { return s.Synced() })

	snap := &model.Snapshot{
		Version:   2,
		Timestamp: time.Now(),
		Kinds:     []topology.DeviceKind{topology.KindMagnet},
		Readables: model.Readings{"BPM1": {"x": 0.5, "y": 0, "tmit": 0}},
	}
	h.source.set(snap)
	h.pub.Publish(snap)

	waitFor(t, func() bool { return s.Version() == 2 })
	x, ok := s.Channels().Get("BPMS:TL01:110:X")
	require.True(t, ok)
	assert.InDelta(t, 1.0, x.Value, 1e-9, "untagged update must not touch channels")
}

// gapServer scripts a broadcast endpoint that hands out a full snapshot,
// then an incremental with a version gap, and serves catch-up requests with
// the retained incrementals, the way the real handler does.
type gapServer struct {
	mu       sync.Mutex
	resyncs  int
	upgrader websocket.Upgrader
}

func gapSnapshot(version uint64) *model.Snapshot {
	return &model.Snapshot{
		Version:   version,
		Timestamp: time.Now(),
		Readables: model.Readings{"BPM1": {"x": float64(version) * 0.001, "y": 0, "tmit": 1e9}},
	}
}

func (g *gapServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	write := func(msg any) error {
		data, err := proto.Encode(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	write(proto.NewSnapshotMessage(gapSnapshot(1), true, time.Now()))
	write(proto.NewSnapshotMessage(gapSnapshot(3), false, time.Now()))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			continue
		}
		switch msg.Type {
		case proto.TypeResync:
			g.mu.Lock()
			g.resyncs++
			g.mu.Unlock()
			if msg.After != nil && *msg.After < 3 {
				for v := *msg.After + 1; v <= 3; v++ {
					write(proto.NewSnapshotMessage(gapSnapshot(v), false, time.Now()))
				}
			} else {
				write(proto.NewSnapshotMessage(gapSnapshot(3), true, time.Now()))
			}
		case proto.TypeHeartbeat:
			write(proto.NewHeartbeatAckMessage(msg.SentAt, time.Now()))
		}
	}
}

func (g *gapServer) resyncCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resyncs
}

func TestSessionRecoversFromSnapshotGapViaReplay(t *testing.T) {
	fac, err := topology.Parse([]byte(sessionTestYAML))
	require.NoError(t, err)

	gap := &gapServer{}
	srv := httptest.NewServer(http.HandlerFunc(gap.handle))
	t.Cleanup(srv.Close)

	s, err := NewSession(Config{
		BroadcastURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		SessionID:         "gap-session",
		Kind:              topology.KindBPM,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    20 * time.Millisecond,
		HistoryDepth:      8,
	}, fac, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	waitFor(t, func() bool { return s.Synced() && s.Version() == 3 })

	x, ok := s.Channels().Get("BPMS:TL01:110:X")
	require.True(t, ok)
	assert.InDelta(t, 3.0, x.Value, 1e-9)

	// The replayed incrementals must apply on the existing base: one
	// catch-up request, not a request storm.
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, gap.resyncCount(), 2)
	assert.True(t, s.Synced())
}

func TestSessionWriteChannelRoundTrip(t *testing.T) {
	h := newSessionHarness(t, topology.KindMagnet)
	s, err := NewSession(h.cfg, h.facility, nil)
	require.NoError(t, err)
	h.start(t, s)
	waitFor(t, func() bool { return s.Synced() })

	done := make(chan model.Ack, 1)
	go func() {
		ack, err := s.WriteChannel(context.Background(), "QUAD:TL01:100:BDES", 2.5)
		if err != nil {
			t.Errorf("write channel: %v", err)
			done <- model.Ack{}
			return
		}
		done <- ack
	}()

	// The write stays pending until the model resolves its batch.
	waitFor(t, func() bool { return h.router.Outstanding() == 1 })
	token := h.store.lastToken()
	require.NotEmpty(t, token)
	require.True(t, h.router.Resolve(model.Ack{Token: token, Status: model.AckAccepted, Version: 2}))

	ack := <-done
	assert.Equal(t, model.AckAccepted, ack.Status)
	assert.Equal(t, uint64(2), ack.Version)
}

func TestSessionRejectsWriteOnReadOnlyChannel(t *testing.T) {
	h := newSessionHarness(t, topology.KindMagnet)
	s, err := NewSession(h.cfg, h.facility, nil)
	require.NoError(t, err)

	_, err = s.WriteChannel(context.Background(), "QUAD:TL01:100:BACT", 1.0)
	require.Error(t, err)
}

func TestNewSessionRequiresElementsOfKind(t *testing.T) {
	h := newSessionHarness(t, topology.KindBPM)
	cfg := h.cfg
	cfg.Kind = topology.KindKlystron
	_, err := NewSession(cfg, h.facility, nil)
	require.Error(t, err)
}
