// Package ws carries the model <-> device transport: a publish/subscribe
// endpoint for snapshot distribution and a request/response endpoint for
// command submission, both plain websocket so device services start, stop,
// and reconnect independently of the model process.
package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"simulacrum/internal/broadcast"
	"simulacrum/internal/model"
	"simulacrum/internal/net/proto"
)

// SnapshotSource exposes the latest published snapshot for initial sync and
// resynchronization. Satisfied by *model.Store.
type SnapshotSource interface {
	Current() *model.Snapshot
}

// BroadcastHandler serves the snapshot pub/sub endpoint.
type BroadcastHandler struct {
	pub      *broadcast.Publisher
	source   SnapshotSource
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewBroadcastHandler wires the endpoint over a publisher and a snapshot
// source.
func NewBroadcastHandler(pub *broadcast.Publisher, source SnapshotSource, log *logrus.Entry) *BroadcastHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BroadcastHandler{
		pub:      pub,
		source:   source,
		log:      log,
		upgrader: newUpgrader(),
	}
}

// Handle upgrades one device session. The session receives the full current
// snapshot immediately, then incremental snapshots in version order; it must
// send heartbeats and may request resynchronization at any time.
func (h *BroadcastHandler) Handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("session", sessionID).Warnf("upgrade failed: %v", err)
		return
	}
	conn := NewConn(raw)

	current := h.source.Current()
	if current == nil {
		conn.CloseWithPolicyViolation("model not bootstrapped")
		return
	}

	sub := h.pub.Subscribe(sessionID)
	log := h.log.WithField("session", sessionID)

	if err := conn.Write(proto.NewSnapshotMessage(current, true, time.Now())); err != nil {
		h.pub.Drop(sub)
		conn.Close()
		return
	}
	h.pub.Resynced(sessionID, current.Version)

	done := make(chan struct{})
	go h.pump(conn, sub, log, done)

	h.readLoop(conn, sessionID, log)

	h.pub.Drop(sub)
	conn.Close()
	<-done
}

// pump forwards queued snapshots and state signals to the wire. It exits
// when the subscription is torn down or a write fails.
func (h *BroadcastHandler) pump(conn *Conn, sub *broadcast.Subscription, log *logrus.Entry, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case snap, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.Write(proto.NewSnapshotMessage(snap, false, time.Now())); err != nil {
				log.Warnf("snapshot delivery failed: %v", err)
				h.pub.Drop(sub)
				return
			}
		case state := <-sub.Signals():
			switch state {
			case broadcast.StateLagging:
				latest := uint64(0)
				if cur := h.source.Current(); cur != nil {
					latest = cur.Version
				}
				if err := conn.Write(proto.NewLaggingMessage(latest)); err != nil {
					h.pub.Drop(sub)
					return
				}
			case broadcast.StateDisconnected:
				return
			}
		}
	}
}

func (h *BroadcastHandler) readLoop(conn *Conn, sessionID string, log *logrus.Entry) {
	for {
		payload, err := conn.ReadRaw()
		if err != nil {
			return
		}
		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			log.Warnf("discarding malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case proto.TypeHello:
			// Session identity travels in the query string; hello is kept
			// for devices that announce their kind for diagnostics.
			log.WithField("kind", msg.Kind).Debug("device hello")
		case proto.TypeHeartbeat:
			ack := uint64(0)
			if msg.Ack != nil {
				ack = *msg.Ack
			}
			if !h.pub.Heartbeat(sessionID, ack, time.Now()) {
				// Unknown to the publisher: the session was swept and must
				// reconnect to resynchronize.
				conn.CloseWithPolicyViolation("session expired")
				return
			}
			if err := conn.Write(proto.NewHeartbeatAckMessage(msg.SentAt, time.Now())); err != nil {
				return
			}
		case proto.TypeResync:
			if err := h.resync(conn, sessionID, msg); err != nil {
				return
			}
		default:
			log.Warnf("unknown message type %q", msg.Type)
		}
	}
}

// resync serves catch-up from retained history when the gap is small and a
// full snapshot otherwise.
func (h *BroadcastHandler) resync(conn *Conn, sessionID string, msg proto.ClientMessage) error {
	current := h.source.Current()
	if current == nil {
		return conn.CloseWithPolicyViolation("model not bootstrapped")
	}

	if msg.After != nil {
		if snaps, ok := h.pub.CatchUp(*msg.After); ok {
			for _, snap := range snaps {
				if err := conn.Write(proto.NewSnapshotMessage(snap, false, time.Now())); err != nil {
					return err
				}
			}
			h.pub.Resynced(sessionID, current.Version)
			return nil
		}
	}

	if err := conn.Write(proto.NewSnapshotMessage(current, true, time.Now())); err != nil {
		return err
	}
	h.pub.Resynced(sessionID, current.Version)
	return nil
}
