package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"simulacrum/internal/model"
	"simulacrum/internal/net/proto"
	"simulacrum/internal/net/ws"
	"simulacrum/internal/topology"
)

// Config tunes one device session.
type Config struct {
	// BroadcastURL is the model's snapshot endpoint.
	BroadcastURL string
	// CommandURL is the model's command endpoint.
	CommandURL string
	// SessionID identifies this session across reconnects. Generated when
	// empty.
	SessionID string
	// Kind selects the channel bindings and the elements to mirror.
	Kind topology.DeviceKind
	// HeartbeatInterval paces liveness heartbeats on the broadcast link.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds how long a channel write waits for its
	// acknowledgment.
	WriteTimeout time.Duration
	// ReconnectDelay spaces redial attempts after a dropped link.
	ReconnectDelay time.Duration
	// HistoryDepth sizes the per-channel history rings.
	HistoryDepth int
}

func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.HistoryDepth < 1 {
		c.HistoryDepth = 100
	}
}

// readableTarget projects one snapshot attribute onto one channel.
type readableTarget struct {
	channel   string
	element   string
	attribute string
	scale     float64
	history   bool
}

// writeTarget routes one channel write to a control command.
type writeTarget struct {
	element   string
	attribute string
	scale     float64
}

// Session mirrors the model state for one device kind. It stays subscribed
// to the broadcast endpoint, applies snapshots to its channel table, and
// turns channel writes into control commands.
type Session struct {
	cfg       Config
	log       *logrus.Entry
	table     *ChannelTable
	readables []readableTarget
	writes    map[string]writeTarget

	mu      sync.Mutex
	version uint64
	synced  bool

	cmdMu   sync.Mutex
	cmdConn *ws.Conn
	pending map[string]chan model.Ack
}

// NewSession resolves the kind's bindings against the facility topology.
// Elements that lack an attribute a binding names simply do not get that
// channel.
func NewSession(cfg Config, fac *topology.Facility, log *logrus.Entry) (*Session, error) {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"session": cfg.SessionID, "kind": cfg.Kind})

	bindings, err := Bindings(cfg.Kind)
	if err != nil {
		return nil, err
	}
	elements := fac.ElementsOfKind(cfg.Kind)
	if len(elements) == 0 {
		return nil, fmt.Errorf("topology has no %s elements", cfg.Kind)
	}

	s := &Session{
		cfg:     cfg,
		log:     log,
		table:   NewChannelTable(cfg.HistoryDepth),
		writes:  make(map[string]writeTarget),
		pending: make(map[string]chan model.Ack),
	}
	for _, el := range elements {
		for _, b := range bindings {
			name := ChannelName(el.Device, b.Suffix)
			if b.Settable {
				if _, ok := el.Settable(b.Attribute); ok {
					s.writes[name] = writeTarget{element: el.Name, attribute: b.Attribute, scale: b.Scale}
				}
				continue
			}
			if _, ok := el.Readable(b.Attribute); ok {
				s.readables = append(s.readables, readableTarget{
					channel:   name,
					element:   el.Name,
					attribute: b.Attribute,
					scale:     b.Scale,
					history:   b.History,
				})
			}
		}
	}
	return s, nil
}

// Channels exposes the session's channel table.
func (s *Session) Channels() *ChannelTable {
	return s.table
}

// Version returns the last applied snapshot version.
func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Synced reports whether the session sits on a full-snapshot base.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Run keeps both links to the model alive until the context ends,
// redialing after failures. Incremental snapshots apply only on top of a
// synced base; every reconnect starts from the full snapshot the server
// sends first.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := s.runBroadcast(ctx); err != nil && ctx.Err() == nil {
			s.log.Warnf("broadcast link lost: %v", err)
		}
		s.mu.Lock()
		s.synced = false
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Session) runBroadcast(ctx context.Context) error {
	url := s.cfg.BroadcastURL + "?session=" + s.cfg.SessionID
	conn, err := ws.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info("broadcast link established")

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(hbCtx, conn)
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	for {
		payload, err := conn.ReadRaw()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			s.log.Warnf("discarding malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case proto.TypeSnapshotFull:
			s.apply(msg.Snapshot(), true)
		case proto.TypeSnapshot:
			if err := s.applyIncremental(conn, msg); err != nil {
				return err
			}
		case proto.TypeLagging:
			s.log.WithField("latest", msg.Version).Warn("marked lagging, resynchronizing")
			if err := s.requestResync(conn, nil); err != nil {
				return err
			}
		case proto.TypeHeartbeatAck:
			// Liveness confirmation only.
		default:
			s.log.Warnf("unknown message type %q", msg.Type)
		}
	}
}

// applyIncremental enforces version continuity: a gap means missed
// snapshots, so the session asks for catch-up from its last good version
// before applying anything newer.
func (s *Session) applyIncremental(conn *ws.Conn, msg proto.ServerMessage) error {
	s.mu.Lock()
	synced := s.synced
	last := s.version
	s.mu.Unlock()

	switch {
	case !synced:
		// No base to build on; only a full snapshot can establish one.
		return s.requestResync(conn, nil)
	case msg.Version <= last:
		return nil
	case msg.Version == last+1:
		s.apply(msg.Snapshot(), false)
		return nil
	default:
		// The base at last is still valid: ask for the retained replay and
		// let the continuity check above apply it in order. Clearing the
		// base here would refuse the very snapshots the replay delivers.
		s.log.WithFields(logrus.Fields{"have": last, "got": msg.Version}).Warn("snapshot gap, resynchronizing")
		after := last
		return s.requestResync(conn, &after)
	}
}

func (s *Session) requestResync(conn *ws.Conn, after *uint64) error {
	return conn.Write(proto.ClientMessage{Type: proto.TypeResync, After: after})
}

// apply projects one snapshot onto the channel table. Snapshots tagged with
// changed kinds that exclude this session's kind still advance the version
// but touch no channels.
func (s *Session) apply(snap *model.Snapshot, full bool) {
	s.mu.Lock()
	if full {
		s.synced = true
	}
	s.version = snap.Version
	s.mu.Unlock()

	if !full && !kindTagged(snap.Kinds, s.cfg.Kind) {
		return
	}
	now := time.Now()
	for _, target := range s.readables {
		value, ok := snap.Value(target.element, target.attribute)
		if !ok {
			continue
		}
		s.table.Set(target.channel, value*target.scale, snap.Version, now, target.history)
	}
}

func kindTagged(kinds []topology.DeviceKind, kind topology.DeviceKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *ws.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ack := s.Version()
			msg := proto.ClientMessage{
				Type:   proto.TypeHeartbeat,
				Ack:    &ack,
				SentAt: time.Now().UnixMilli(),
			}
			if err := conn.Write(msg); err != nil {
				return
			}
		}
	}
}

// WriteChannel routes a write on a settable channel through the command
// path and blocks until the acknowledgment arrives or the write times out.
func (s *Session) WriteChannel(ctx context.Context, channel string, value float64) (model.Ack, error) {
	target, ok := s.writes[channel]
	if !ok {
		return model.Ack{}, fmt.Errorf("channel %q is not settable", channel)
	}

	conn, err := s.commandConn(ctx)
	if err != nil {
		return model.Ack{}, err
	}

	cmd := model.ControlCommand{
		Element:   target.element,
		Attribute: target.attribute,
		Value:     value / target.scale,
		Origin:    s.cfg.SessionID,
		Token:     uuid.NewString(),
		IssuedAt:  time.Now(),
	}
	ackCh := make(chan model.Ack, 1)
	s.cmdMu.Lock()
	s.pending[cmd.Token] = ackCh
	s.cmdMu.Unlock()
	defer func() {
		s.cmdMu.Lock()
		delete(s.pending, cmd.Token)
		s.cmdMu.Unlock()
	}()

	msg := proto.ClientMessage{Type: proto.TypeCommand, Token: cmd.Token, Command: &cmd}
	if err := conn.Write(msg); err != nil {
		return model.Ack{}, fmt.Errorf("send command: %w", err)
	}

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		return ack, nil
	case <-timer.C:
		return model.Ack{}, fmt.Errorf("write on %q timed out after %s", channel, s.cfg.WriteTimeout)
	case <-ctx.Done():
		return model.Ack{}, ctx.Err()
	}
}

// commandConn returns the live command connection, dialing on first use and
// after failures. The read loop resolves pending writes by token.
func (s *Session) commandConn(ctx context.Context) (*ws.Conn, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.cmdConn != nil {
		return s.cmdConn, nil
	}
	conn, err := ws.Dial(ctx, s.cfg.CommandURL)
	if err != nil {
		return nil, fmt.Errorf("dial command endpoint: %w", err)
	}
	s.cmdConn = conn
	go s.commandReadLoop(conn)
	return conn, nil
}

func (s *Session) commandReadLoop(conn *ws.Conn) {
	for {
		payload, err := conn.ReadRaw()
		if err != nil {
			s.cmdMu.Lock()
			if s.cmdConn == conn {
				s.cmdConn = nil
			}
			s.cmdMu.Unlock()
			conn.Close()
			return
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil || msg.Type != proto.TypeCommandAck {
			continue
		}
		s.cmdMu.Lock()
		ch, ok := s.pending[msg.Token]
		s.cmdMu.Unlock()
		if ok {
			ch <- msg.Ack()
		}
	}
}
