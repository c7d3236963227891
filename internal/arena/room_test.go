package arena

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/arenabroker/server/internal/config"
	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/timer"
)

// fakeBroadcaster is a minimal Broadcaster stand-in recording outbound
// frames keyed by peer, mirroring the teacher's pattern of substituting a
// fake PlayerConnection in place of a real socket.
type fakeBroadcaster struct {
	mu    sync.Mutex
	sent  map[string][]map[string]interface{}
	peers []string
}

func newFakeBroadcaster(peers ...string) *fakeBroadcaster {
	return &fakeBroadcaster{sent: make(map[string][]map[string]interface{}), peers: peers}
}

func (f *fakeBroadcaster) decode(msg []byte) map[string]interface{} {
	var m map[string]interface{}
	_ = json.Unmarshal(msg, &m)
	return m
}

func (f *fakeBroadcaster) SendTo(_ registry.RoomID, peer string, msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peer] = append(f.sent[peer], f.decode(msg))
	return true
}

func (f *fakeBroadcaster) Broadcast(_ registry.RoomID, msg []byte, exclude string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.peers {
		if p == exclude {
			continue
		}
		f.sent[p] = append(f.sent[p], f.decode(msg))
		n++
	}
	return n
}

func (f *fakeBroadcaster) PeersOf(registry.RoomID) []string {
	return f.peers
}

func (f *fakeBroadcaster) last(peer string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[peer]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (f *fakeBroadcaster) count(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[peer])
}

func TestMarkReadyAutoStartsWithTwoPeers(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	room := New(1, b, timer.New())

	room.MarkReady("a")
	if room.Phase() != PhaseWaiting {
		t.Fatalf("expected phase to stay Waiting with only one ready peer")
	}

	room.MarkReady("b")
	time.Sleep(config.ArenaAutoStartHold + 200*time.Millisecond)
	if room.Phase() != PhaseCountdown {
		t.Fatalf("expected auto-start to move the room to Countdown, got %v", room.Phase())
	}
}

func TestStartGameWithZeroReadySendsError(t *testing.T) {
	b := newFakeBroadcaster("a")
	room := New(1, b, timer.New())

	room.StartGame("a")
	msg := b.last("a")
	if msg == nil || msg["type"] != "error" {
		t.Fatalf("expected an error frame to the requester, got %v", msg)
	}
	if room.Phase() != PhaseWaiting {
		t.Fatalf("expected phase to remain Waiting")
	}
}

func TestStartGameWithOneReadyEndsImmediately(t *testing.T) {
	b := newFakeBroadcaster("a")
	room := New(1, b, timer.New())

	room.MarkReady("a")
	room.StartGame("a")

	if room.Phase() != PhaseEnded {
		t.Fatalf("expected a lone ready peer to end the game immediately, got %v", room.Phase())
	}
}

func TestEliminatedEndsGameWithOneSurvivor(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	timers := timer.New()
	room := New(1, b, timers)

	room.MarkReady("a")
	room.MarkReady("b")
	room.StartGame("a") // two ready -> Countdown

	// Force phase to Active the way onCountdownFired would.
	room.mu.Lock()
	room.phase = PhaseActive
	room.mu.Unlock()

	room.Update("a", json.RawMessage(`{"alive":true}`))
	room.Update("b", json.RawMessage(`{"alive":true}`))

	room.Eliminated("a")

	if room.Phase() != PhaseEnded {
		t.Fatalf("expected the room to end once only one peer remains alive, got %v", room.Phase())
	}
}

func TestPlayerDisconnectedReportsEmptyRoom(t *testing.T) {
	b := newFakeBroadcaster() // no live peers left
	room := New(1, b, timer.New())

	empty := room.PlayerDisconnected("a")
	if !empty {
		t.Fatalf("expected PlayerDisconnected to report the room empty when no peers remain")
	}
}

func TestWinnerEndsRoomRegardlessOfPhase(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	room := New(1, b, timer.New())

	room.Winner("b")
	if room.Phase() != PhaseEnded {
		t.Fatalf("expected Winner to force the room to Ended, got %v", room.Phase())
	}
	msg := b.last("a")
	if msg == nil || msg["type"] != "winner" || msg["winnerId"] != "b" {
		t.Fatalf("expected a winner frame naming b, got %v", msg)
	}
}
