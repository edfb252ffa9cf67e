package model

import (
	"errors"
	"testing"
	"time"

	"simulacrum/internal/topology"
)

const storeTestYAML = `
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
        response:
          - source: Q1
            attribute: current
            coefficient: 1.0
  - name: BPM1
    kind: bpm
    device: "BPMS:TL01:110"
    readables:
      - name: x
        response:
          - source: Q1
            attribute: current
            coefficient: 0.024
      - name: y
        baseline: -0.03
`

func testFacility(t *testing.T) *topology.Facility {
	t.Helper()
	fac, err := topology.Parse([]byte(storeTestYAML))
	if err != nil {
		t.Fatalf("failed to parse test topology: %v", err)
	}
	return fac
}

func TestSubmitChangeValidation(t *testing.T) {
	store := NewStore(testFacility(t))

	if err := store.SubmitChange(ControlCommand{Element: "Q9", Attribute: "current", Value: 1}); !errors.Is(err, ErrInvalidElement) {
		t.Fatalf("expected ErrInvalidElement, got %v", err)
	}
	if err := store.SubmitChange(ControlCommand{Element: "BPM1", Attribute: "x", Value: 1}); !errors.Is(err, ErrInvalidAttribute) {
		t.Fatalf("expected ErrInvalidAttribute for readable-only attribute, got %v", err)
	}
	if err := store.SubmitChange(ControlCommand{Element: "Q1", Attribute: "current", Value: 99}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := store.SubmitChange(ControlCommand{Element: "Q1", Attribute: "current", Value: 5, Token: "a"}); err != nil {
		t.Fatalf("expected valid command to queue, got %v", err)
	}
	if got := store.PendingCount(); got != 1 {
		t.Fatalf("expected 1 pending command, got %d", got)
	}
}

func TestTakeBatchCoalescesFinalValue(t *testing.T) {
	store := NewStore(testFacility(t))

	for i, v := range []float64{5.0, 6.0} {
		cmd := ControlCommand{Element: "Q1", Attribute: "current", Value: v, Token: string(rune('a' + i))}
		if err := store.SubmitChange(cmd); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	batch := store.TakeBatch()
	if batch == nil {
		t.Fatalf("expected a batch")
	}
	if len(batch.Commands) != 2 {
		t.Fatalf("expected both commands retained for acks, got %d", len(batch.Commands))
	}
	if got := batch.Merged["Q1"]["current"]; got != 6.0 {
		t.Fatalf("expected merged value 6.0, got %v", got)
	}
	if store.TakeBatch() != nil {
		t.Fatalf("expected pending set to be drained")
	}
}

func TestCancelOnlyBeforeTake(t *testing.T) {
	store := NewStore(testFacility(t))
	cmd := ControlCommand{Element: "Q1", Attribute: "current", Value: 2, Token: "tok-1"}
	if err := store.SubmitChange(cmd); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !store.Cancel("tok-1") {
		t.Fatalf("expected cancel to succeed while pending")
	}
	if err := store.SubmitChange(cmd); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	store.TakeBatch()
	if store.Cancel("tok-1") {
		t.Fatalf("expected cancel to fail once merged into a batch")
	}
}

func TestEngineInputOverlaysWithoutMutating(t *testing.T) {
	store := NewStore(testFacility(t))
	if err := store.SubmitChange(ControlCommand{Element: "Q1", Attribute: "current", Value: 5, Token: "a"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	batch := store.TakeBatch()

	input := store.EngineInput(batch)
	if got := input["Q1"]["current"]; got != 5.0 {
		t.Fatalf("expected overlay value 5.0, got %v", got)
	}

	// Failure path: never committed, so a later input sees the old value.
	fresh := store.EngineInput(nil)
	if got := fresh["Q1"]["current"]; got != 0.0 {
		t.Fatalf("expected authoritative value 0.0 before commit, got %v", got)
	}
}

func TestCommitBatchVersionsAndVisibility(t *testing.T) {
	store := NewStore(testFacility(t))
	if store.Current() != nil {
		t.Fatalf("expected no snapshot before first commit")
	}

	readables := Readings{"BPM1": {"x": 0.12, "y": -0.03}, "Q1": {"current": 0.0}}
	first := store.CommitBatch(nil, readables, time.Now())
	if first.Version != 1 {
		t.Fatalf("expected first snapshot at version 1, got %d", first.Version)
	}

	if err := store.SubmitChange(ControlCommand{Element: "Q1", Attribute: "current", Value: 5, Token: "a"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	batch := store.TakeBatch()
	second := store.CommitBatch(batch, Readings{"BPM1": {"x": 0.24, "y": -0.03}, "Q1": {"current": 5.0}}, time.Now())
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	if got := store.Current(); got != second {
		t.Fatalf("expected Current to return the newest snapshot")
	}
	if got := store.EngineInput(nil)["Q1"]["current"]; got != 5.0 {
		t.Fatalf("expected committed setting 5.0, got %v", got)
	}

	// Published snapshots are immutable: mutating the source map afterwards
	// must not leak into the snapshot.
	readables["BPM1"]["x"] = 99
	if v, _ := first.Value("BPM1", "x"); v != 0.12 {
		t.Fatalf("snapshot contents changed after publish: %v", v)
	}
}

func TestChangedKindsIncludeResponders(t *testing.T) {
	store := NewStore(testFacility(t))
	if err := store.SubmitChange(ControlCommand{Element: "Q1", Attribute: "current", Value: 1, Token: "a"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	batch := store.TakeBatch()
	snap := store.CommitBatch(batch, Readings{}, time.Now())

	want := map[topology.DeviceKind]bool{topology.KindMagnet: true, topology.KindBPM: true}
	if len(snap.Kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, snap.Kinds)
	}
	for _, k := range snap.Kinds {
		if !want[k] {
			t.Fatalf("unexpected kind %q in %v", k, snap.Kinds)
		}
	}
}
