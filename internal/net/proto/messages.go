// Package proto defines the versioned JSON payloads exchanged between the
// model process and device sessions over the broadcast and command channels.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"simulacrum/internal/model"
	"simulacrum/internal/topology"
)

// Version tracks the wire-protocol revision expected by device sessions.
const Version = 1

// Device-to-model message type identifiers.
const (
	TypeHello     = "hello"
	TypeHeartbeat = "heartbeat"
	TypeResync    = "resync"
	TypeCommand   = "command"
	TypeCancel    = "cancel"
)

// Model-to-device message type identifiers.
const (
	TypeSnapshot     = "snapshot"
	TypeSnapshotFull = "snapshotFull"
	TypeLagging      = "lagging"
	TypeCommandAck   = "commandAck"
	TypeHeartbeatAck = "heartbeatAck"
)

// ClientMessage captures any inbound message from a device session.
type ClientMessage struct {
	Ver       int                   `json:"ver,omitempty"`
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId,omitempty"`
	Kind      string                `json:"kind,omitempty"`
	Ack       *uint64               `json:"ack,omitempty"`
	SentAt    int64                 `json:"sentAt,omitempty"`
	After     *uint64               `json:"after,omitempty"`
	Token     string                `json:"token,omitempty"`
	Command   *model.ControlCommand `json:"command,omitempty"`
}

// DecodeClientMessage parses an inbound payload.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("client message missing type")
	}
	return msg, nil
}

// SnapshotMessage carries one model snapshot, either incremental (regular
// broadcast) or full (initial sync and resynchronization).
type SnapshotMessage struct {
	Ver        int                   `json:"ver"`
	Type       string                `json:"type"`
	Version    uint64                `json:"version"`
	Timestamp  time.Time             `json:"timestamp"`
	Kinds      []topology.DeviceKind `json:"kinds,omitempty"`
	Readables  model.Readings        `json:"readables"`
	ServerTime int64                 `json:"serverTime"`
}

// NewSnapshotMessage wraps a snapshot for broadcast. full selects the
// resynchronization type tag.
func NewSnapshotMessage(snap *model.Snapshot, full bool, now time.Time) SnapshotMessage {
	typ := TypeSnapshot
	if full {
		typ = TypeSnapshotFull
	}
	return SnapshotMessage{
		Ver:        Version,
		Type:       typ,
		Version:    snap.Version,
		Timestamp:  snap.Timestamp,
		Kinds:      snap.Kinds,
		Readables:  snap.Readables,
		ServerTime: now.UnixMilli(),
	}
}

// Snapshot converts a wire snapshot back to the model form.
func (m SnapshotMessage) Snapshot() *model.Snapshot {
	return &model.Snapshot{
		Version:   m.Version,
		Timestamp: m.Timestamp,
		Readables: m.Readables,
		Kinds:     m.Kinds,
	}
}

// LaggingMessage tells a session it fell behind the retained history and
// must resynchronize from a full snapshot.
type LaggingMessage struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Version uint64 `json:"version,omitempty"`
}

// NewLaggingMessage builds the lagging notice for the given latest version.
func NewLaggingMessage(latest uint64) LaggingMessage {
	return LaggingMessage{Ver: Version, Type: TypeLagging, Version: latest}
}

// CommandAckMessage resolves one submitted command by token.
type CommandAckMessage struct {
	Ver    int                `json:"ver"`
	Type   string             `json:"type"`
	Token  string             `json:"token"`
	Status model.AckStatus    `json:"status"`
	Reason model.RejectReason `json:"reason,omitempty"`
	Detail string             `json:"detail,omitempty"`
	// Version is the snapshot that incorporates an accepted command.
	Version uint64 `json:"version,omitempty"`
}

// NewCommandAckMessage wraps a model acknowledgment for the wire.
func NewCommandAckMessage(ack model.Ack) CommandAckMessage {
	return CommandAckMessage{
		Ver:     Version,
		Type:    TypeCommandAck,
		Token:   ack.Token,
		Status:  ack.Status,
		Reason:  ack.Reason,
		Detail:  ack.Detail,
		Version: ack.Version,
	}
}

// Ack converts a wire acknowledgment back to the model form.
func (m CommandAckMessage) Ack() model.Ack {
	return model.Ack{
		Token:   m.Token,
		Status:  m.Status,
		Reason:  m.Reason,
		Detail:  m.Detail,
		Version: m.Version,
	}
}

// HeartbeatAckMessage answers a session heartbeat with server time for RTT
// estimation.
type HeartbeatAckMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
}

// NewHeartbeatAckMessage builds a heartbeat response.
func NewHeartbeatAckMessage(clientSent int64, now time.Time) HeartbeatAckMessage {
	return HeartbeatAckMessage{
		Ver:        Version,
		Type:       TypeHeartbeatAck,
		ServerTime: now.UnixMilli(),
		ClientTime: clientSent,
	}
}

// ServerMessage captures any inbound message on the device side: snapshots,
// lagging notices, command acknowledgments, and heartbeat answers.
type ServerMessage struct {
	Ver        int                   `json:"ver,omitempty"`
	Type       string                `json:"type"`
	Version    uint64                `json:"version,omitempty"`
	Timestamp  time.Time             `json:"timestamp,omitempty"`
	Kinds      []topology.DeviceKind `json:"kinds,omitempty"`
	Readables  model.Readings        `json:"readables,omitempty"`
	ServerTime int64                 `json:"serverTime,omitempty"`
	ClientTime int64                 `json:"clientTime,omitempty"`
	Token      string                `json:"token,omitempty"`
	Status     model.AckStatus       `json:"status,omitempty"`
	Reason     model.RejectReason    `json:"reason,omitempty"`
	Detail     string                `json:"detail,omitempty"`
}

// DecodeServerMessage parses a payload received by a device session.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("server message missing type")
	}
	return msg, nil
}

// Snapshot rebuilds the model snapshot carried by a snapshot-typed message.
func (m ServerMessage) Snapshot() *model.Snapshot {
	return &model.Snapshot{
		Version:   m.Version,
		Timestamp: m.Timestamp,
		Readables: m.Readables,
		Kinds:     m.Kinds,
	}
}

// Ack rebuilds the acknowledgment carried by a commandAck-typed message.
func (m ServerMessage) Ack() model.Ack {
	return model.Ack{
		Token:   m.Token,
		Status:  m.Status,
		Reason:  m.Reason,
		Detail:  m.Detail,
		Version: m.Version,
	}
}

// Encode renders any outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return data, nil
}
