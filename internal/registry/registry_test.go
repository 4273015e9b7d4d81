package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestBindGetUnbindRoundTrip(t *testing.T) {
	r := New(90*time.Second, zerolog.Nop(), nil)
	conn := &fakeSender{}

	if r.IsOnline("alice") {
		t.Fatal("expected offline before bind")
	}
	r.Bind("alice", ChannelMessage, conn)
	if !r.IsOnline("alice") {
		t.Fatal("expected online after bind")
	}
	if r.Get("alice", ChannelMessage) != conn {
		t.Fatal("expected Get to return bound connection")
	}
	if r.Get("alice", ChannelCommand) != nil {
		t.Fatal("expected other channels to remain unbound")
	}

	r.Unbind("alice", ChannelMessage, conn)
	if r.IsOnline("alice") {
		t.Fatal("expected offline after unbinding the only channel")
	}
}

func TestBindReplacesOnlyItsOwnChannel(t *testing.T) {
	r := New(90*time.Second, zerolog.Nop(), nil)
	msgConn := &fakeSender{}
	cmdConn := &fakeSender{}
	r.Bind("alice", ChannelMessage, msgConn)
	r.Bind("alice", ChannelCommand, cmdConn)

	if r.Get("alice", ChannelMessage) != msgConn {
		t.Fatal("binding cmd channel must not disturb msg channel")
	}
	if r.Get("alice", ChannelCommand) != cmdConn {
		t.Fatal("expected cmd channel bound")
	}
}

func TestUnbindIgnoresStaleConnection(t *testing.T) {
	r := New(90*time.Second, zerolog.Nop(), nil)
	first := &fakeSender{}
	second := &fakeSender{}
	r.Bind("alice", ChannelMessage, first)
	r.Bind("alice", ChannelMessage, second) // supersedes first

	r.Unbind("alice", ChannelMessage, first) // stale handle, must not clobber second
	if r.Get("alice", ChannelMessage) != second {
		t.Fatal("a stale unbind must not remove the current binding")
	}
}

func TestHeartbeatSweepEvictsStaleConnections(t *testing.T) {
	r := New(20*time.Millisecond, zerolog.Nop(), nil)
	conn := &fakeSender{}
	r.Bind("alice", ChannelMessage, conn)

	time.Sleep(50 * time.Millisecond)
	r.sweepOnce()

	if r.IsOnline("alice") {
		t.Fatal("expected user evicted after heartbeat timeout")
	}
	if !conn.isClosed() {
		t.Fatal("expected stale connection to be closed")
	}
}

func TestTouchPreventsEviction(t *testing.T) {
	r := New(30*time.Millisecond, zerolog.Nop(), nil)
	conn := &fakeSender{}
	r.Bind("alice", ChannelMessage, conn)

	time.Sleep(20 * time.Millisecond)
	r.Touch("alice", ChannelMessage)
	time.Sleep(20 * time.Millisecond)
	r.sweepOnce()

	if !r.IsOnline("alice") {
		t.Fatal("expected touch to keep the connection alive past the original timeout")
	}
}

// TestHeartbeatProbeThenSecondMissEvicts exercises Scenario E end to end:
// a CMD-bound user goes idle, the first sweep past the timeout probes
// instead of evicting, and only a second full timeout with no reply
// unbinds everything.
func TestHeartbeatProbeThenSecondMissEvicts(t *testing.T) {
	timeout := 20 * time.Millisecond
	r := New(timeout, zerolog.Nop(), nil)
	cmdConn := &fakeSender{}
	r.Bind("alice", ChannelCommand, cmdConn)

	time.Sleep(30 * time.Millisecond)
	r.sweepOnce()

	if !r.IsOnline("alice") {
		t.Fatal("expected the first stale sweep to probe, not evict")
	}
	if cmdConn.isClosed() {
		t.Fatal("expected the CMD connection to stay open after just one missed interval")
	}
	if len(cmdConn.sent) != 1 {
		t.Fatalf("expected exactly one HEARTBEAT probe sent, got %d", len(cmdConn.sent))
	}

	time.Sleep(30 * time.Millisecond)
	r.sweepOnce()

	if r.IsOnline("alice") {
		t.Fatal("expected eviction after a second missed interval with no reply")
	}
	if !cmdConn.isClosed() {
		t.Fatal("expected the CMD connection to be closed on the second miss")
	}
}

// TestHeartbeatProbeCanceledByReply mirrors a client replying to the
// probe: any Touch clears the pending probe, so the next sweep does not
// evict; a full timeout has passed since the Touch, so it sends a fresh
// probe instead.
func TestHeartbeatProbeCanceledByReply(t *testing.T) {
	timeout := 20 * time.Millisecond
	r := New(timeout, zerolog.Nop(), nil)
	cmdConn := &fakeSender{}
	r.Bind("alice", ChannelCommand, cmdConn)

	time.Sleep(30 * time.Millisecond)
	r.sweepOnce()
	if len(cmdConn.sent) != 1 {
		t.Fatalf("expected one probe sent, got %d", len(cmdConn.sent))
	}

	r.Touch("alice", ChannelCommand) // simulates the client's HEARTBEAT reply
	time.Sleep(30 * time.Millisecond)
	r.sweepOnce()

	if !r.IsOnline("alice") {
		t.Fatal("expected the reply to cancel the pending probe and keep alice online")
	}
	if cmdConn.isClosed() {
		t.Fatal("expected the connection to remain open after a timely reply")
	}
}
