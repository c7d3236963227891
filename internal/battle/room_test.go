package battle

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/arenabroker/server/internal/config"
	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/timer"
)

// fakeBroadcaster mirrors internal/arena's test double: a Broadcaster
// stand-in recording outbound frames per peer instead of writing to a
// socket.
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

func TestJoinTransitionsToReadyAtTwoPlayers(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	room := New("x", b, timer.New())

	if err := room.Join("a"); err != nil {
		t.Fatalf("unexpected error joining first player: %v", err)
	}
	if room.Status() != StatusWaiting {
		t.Fatalf("expected Waiting with one player, got %v", room.Status())
	}

	if err := room.Join("b"); err != nil {
		t.Fatalf("unexpected error joining second player: %v", err)
	}
	if room.Status() != StatusReady {
		t.Fatalf("expected Ready once the second player joins, got %v", room.Status())
	}

	time.Sleep(config.BattleReadyHold + 200*time.Millisecond)
	if room.Status() != StatusInProgress {
		t.Fatalf("expected InProgress after the ready hold elapses, got %v", room.Status())
	}
}

func TestJoinRefusesThirdPlayer(t *testing.T) {
	b := newFakeBroadcaster("a", "b", "c")
	room := New("x", b, timer.New())

	room.Join("a")
	room.Join("b")
	if err := room.Join("c"); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull for a third join, got %v", err)
	}
}

func TestJoinIsIdempotentForExistingParticipant(t *testing.T) {
	b := newFakeBroadcaster("a")
	room := New("x", b, timer.New())

	if err := room.Join("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := room.Join("a"); err != nil {
		t.Fatalf("expected a reconnect of an existing participant to succeed, got %v", err)
	}
}

func TestSubmitMoveBroadcastsRoundCompleteOnBothMoves(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	room := New("x", b, timer.New())
	room.Join("a")
	room.Join("b")

	// Force InProgress without waiting on the ready-hold timer.
	room.mu.Lock()
	room.status = StatusInProgress
	room.mu.Unlock()

	room.SubmitMove("a", 0, "rock")
	msg := b.last("b")
	if msg == nil || msg["type"] != "opponent_moved" {
		t.Fatalf("expected b to be notified of a's move, got %v", msg)
	}

	room.SubmitMove("b", 0, "paper")
	msg = b.last("a")
	if msg == nil || msg["type"] != "round_complete" {
		t.Fatalf("expected a round_complete broadcast once both moves are in, got %v", msg)
	}
	if msg["round"].(float64) != 0 {
		t.Fatalf("expected round 0, got %v", msg["round"])
	}
}

func TestSubmitMoveIgnoresDuplicateForSameRound(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	room := New("x", b, timer.New())
	room.Join("a")
	room.Join("b")
	room.mu.Lock()
	room.status = StatusInProgress
	room.mu.Unlock()

	room.SubmitMove("a", 0, "rock")
	room.SubmitMove("a", 0, "scissors") // duplicate, should be ignored

	room.mu.Lock()
	moves := room.moves[0]
	room.mu.Unlock()
	if len(moves) != 1 || moves[0].MoveToken != "rock" {
		t.Fatalf("expected the duplicate submission to be dropped, got %+v", moves)
	}
}

func TestLeaveDuringInProgressEndsGameForRemainingPlayer(t *testing.T) {
	b := newFakeBroadcaster("a", "b")
	room := New("x", b, timer.New())
	room.Join("a")
	room.Join("b")
	room.mu.Lock()
	room.status = StatusInProgress
	room.mu.Unlock()

	room.Leave("a")

	if room.Status() != StatusEnded {
		t.Fatalf("expected the room to end once a peer leaves mid-game, got %v", room.Status())
	}
	msg := b.last("b")
	if msg == nil || msg["type"] != "game_ended" || msg["winner"] != "b" {
		t.Fatalf("expected game_ended naming b as winner, got %v", msg)
	}
}

func TestShouldReapRules(t *testing.T) {
	b := newFakeBroadcaster()
	room := New("x", b, timer.New())

	if !room.ShouldReap(time.Now(), 0) {
		t.Fatalf("expected a room with no connected peers to be reapable")
	}

	room.mu.Lock()
	room.status = StatusInProgress
	room.mu.Unlock()
	if room.ShouldReap(time.Now(), 1) {
		t.Fatalf("expected an in-progress room with a connected peer not to be reaped")
	}
}
