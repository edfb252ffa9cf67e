package broadcast

import (
	"testing"
	"time"
)

func testPublisher(queueDepth int) *Publisher {
	cfg := DefaultConfig()
	cfg.QueueDepth = queueDepth
	cfg.HistoryDepth = 8
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	return NewPublisher(cfg, nil, nil)
}

func TestPublishFanOut(t *testing.T) {
	p := testPublisher(4)
	a := p.Subscribe("bpm-1")
	b := p.Subscribe("magnet-1")

	p.Publish(snap(1))
	p.Publish(snap(2))

	for _, sub := range []*Subscription{a, b} {
		for want := uint64(1); want <= 2; want++ {
			select {
			case got := <-sub.Events():
				if got.Version != want {
					t.Fatalf("session %s expected version %d, got %d", sub.ID, want, got.Version)
				}
			case <-time.After(time.Second):
				t.Fatalf("session %s never received version %d", sub.ID, want)
			}
		}
	}
}

func TestSlowSessionNeverBlocksOthers(t *testing.T) {
	p := testPublisher(1)
	slow := p.Subscribe("slow")
	fast := p.Subscribe("fast")

	// Nobody drains "slow": its queue holds one snapshot, the second marks
	// it lagging, and "fast" still sees every version.
	for v := uint64(1); v <= 3; v++ {
		p.Publish(snap(v))
		select {
		case got := <-fast.Events():
			if got.Version != v {
				t.Fatalf("fast session expected version %d, got %d", v, got.Version)
			}
		case <-time.After(time.Second):
			t.Fatalf("fast session starved at version %d", v)
		}
	}

	if slow.State() != StateLagging {
		t.Fatalf("expected slow session to be lagging, got %s", slow.State())
	}
	select {
	case state := <-slow.Signals():
		if state != StateLagging {
			t.Fatalf("expected lagging signal, got %s", state)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a lagging signal")
	}
}

func TestLaggingSessionStopsReceivingUntilResync(t *testing.T) {
	p := testPublisher(1)
	sub := p.Subscribe("s")

	p.Publish(snap(1))
	p.Publish(snap(2)) // marks lagging
	p.Publish(snap(3)) // skipped while lagging

	<-sub.Events() // version 1

	p.Resynced("s", 3)
	if sub.State() != StateConnected {
		t.Fatalf("expected connected after resync, got %s", sub.State())
	}

	p.Publish(snap(4))
	select {
	case got := <-sub.Events():
		if got.Version != 4 {
			t.Fatalf("expected delivery to resume at version 4, got %d", got.Version)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected delivery to resume after resync")
	}
}

func TestCatchUpDelegatesToHistory(t *testing.T) {
	p := testPublisher(4)
	for v := uint64(1); v <= 5; v++ {
		p.Publish(snap(v))
	}

	snaps, ok := p.CatchUp(3)
	if !ok || len(snaps) != 2 {
		t.Fatalf("expected versions 4..5, got %v ok=%v", snaps, ok)
	}
}

func TestHeartbeatTimeoutTearsDownSession(t *testing.T) {
	p := testPublisher(4)
	sub := p.Subscribe("s")

	if !p.Heartbeat("s", 0, time.Now()) {
		t.Fatalf("expected heartbeat to be recorded")
	}

	expired := p.Sweep(time.Now().Add(time.Minute))
	if len(expired) != 1 || expired[0] != "s" {
		t.Fatalf("expected session to expire, got %v", expired)
	}
	if sub.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", sub.State())
	}
	if _, open := <-sub.Events(); open {
		t.Fatalf("expected events channel to close on teardown")
	}
	if p.Heartbeat("s", 1, time.Now()) {
		t.Fatalf("expected heartbeat for expired session to be refused")
	}
}

func TestResubscribeReplacesStaleSession(t *testing.T) {
	p := testPublisher(4)
	old := p.Subscribe("s")
	fresh := p.Subscribe("s")

	if old.State() != StateDisconnected {
		t.Fatalf("expected old session torn down on resubscribe")
	}
	p.Publish(snap(1))
	select {
	case got := <-fresh.Events():
		if got.Version != 1 {
			t.Fatalf("expected fresh session to receive version 1, got %d", got.Version)
		}
	case <-time.After(time.Second):
		t.Fatalf("fresh session received nothing")
	}
}

func TestDropIgnoresStaleSubscription(t *testing.T) {
	p := testPublisher(4)
	stale := p.Subscribe("s")
	fresh := p.Subscribe("s")

	// The stale handler exiting late must not tear down the replacement.
	p.Drop(stale)
	if _, ok := p.Sessions()["s"]; !ok {
		t.Fatalf("dropping a stale subscription removed the live one")
	}

	p.Publish(snap(1))
	select {
	case got := <-fresh.Events():
		if got.Version != 1 {
			t.Fatalf("expected version 1, got %d", got.Version)
		}
	case <-time.After(time.Second):
		t.Fatalf("live session received nothing after stale drop")
	}

	p.Drop(fresh)
	if _, ok := p.Sessions()["s"]; ok {
		t.Fatalf("dropping the live subscription must remove it")
	}
}

func TestResyncedKeepsQueuedSnapshotsPastResyncPoint(t *testing.T) {
	p := testPublisher(4)
	sub := p.Subscribe("s")

	p.Publish(snap(2))
	p.Publish(snap(4))

	// Resync covered versions up to 3; the queued 4 must survive the drain.
	p.Resynced("s", 3)

	select {
	case got := <-sub.Events():
		if got.Version != 4 {
			t.Fatalf("expected version 4 to stay queued, got %d", got.Version)
		}
	case <-time.After(time.Second):
		t.Fatalf("snapshot past the resync point was discarded")
	}
	select {
	case got := <-sub.Events():
		t.Fatalf("stale version %d should have been drained", got.Version)
	default:
	}
}
