package proto

import (
	"testing"
	"time"

	"simulacrum/internal/model"
)

func TestDecodeClientMessageRequiresType(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{"sessionId":"s"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := DecodeClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
	msg, err := DecodeClientMessage([]byte(`{"type":"hello","sessionId":"bpm-1","kind":"bpm"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != TypeHello || msg.SessionID != "bpm-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSnapshotMessageRoundTrip(t *testing.T) {
	snap := &model.Snapshot{
		Version:   7,
		Timestamp: time.Unix(100, 0).UTC(),
		Readables: model.Readings{"BPM1": {"x": 0.12}},
	}
	msg := NewSnapshotMessage(snap, false, time.Unix(200, 0))
	if msg.Type != TypeSnapshot {
		t.Fatalf("expected incremental type, got %s", msg.Type)
	}

	full := NewSnapshotMessage(snap, true, time.Unix(200, 0))
	if full.Type != TypeSnapshotFull {
		t.Fatalf("expected full type, got %s", full.Type)
	}

	restored := msg.Snapshot()
	if restored.Version != 7 {
		t.Fatalf("expected version 7, got %d", restored.Version)
	}
	if v, ok := restored.Value("BPM1", "x"); !ok || v != 0.12 {
		t.Fatalf("lost readable through round trip: %v %v", v, ok)
	}
}

func TestCommandAckMessageRoundTrip(t *testing.T) {
	ack := model.Ack{
		Token:  "tok",
		Status: model.AckRejected,
		Reason: model.RejectEngineFailure,
		Detail: "non-convergent solve",
	}
	msg := NewCommandAckMessage(ack)
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeClientMessage(data)
	if err != nil {
		t.Fatalf("ack payload should parse as a typed message: %v", err)
	}
	if decoded.Type != TypeCommandAck {
		t.Fatalf("unexpected type: %s", decoded.Type)
	}
	if got := msg.Ack(); got != ack {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, ack)
	}
}
