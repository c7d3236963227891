// Package battle implements the two-party room flavor: the Waiting/Ready/
// InProgress/Ended state machine and per-round move ledger described in
// §3/§4.4. It mirrors internal/arena's shape (mutex-guarded Room whose
// methods all take the room's lock, called by the router, by
// internal/acceptor on join/leave and by timer callbacks) but generalizes
// the teacher's Room from an
// N-player racing roster to a fixed two-peer ledger.
package battle

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arenabroker/server/internal/config"
	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/timer"
)

// Status is the battle state machine's current state (§3).
type Status int

const (
	StatusWaiting Status = iota
	StatusReady
	StatusInProgress
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusReady:
		return "ready"
	case StatusInProgress:
		return "in_progress"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MoveRecord is one peer's submission for a round (§3).
type MoveRecord struct {
	Peer        string
	MoveToken   string
	Round       int
	SubmittedAt time.Time
}

// Broadcaster is the narrow slice of registry.Registry the room needs.
type Broadcaster interface {
	SendTo(room registry.RoomID, peer string, msg []byte) bool
	Broadcast(room registry.RoomID, msg []byte, exclude string) int
	PeersOf(room registry.RoomID) []string
}

// Room is a single battle session, keyed by challenge id.
type Room struct {
	mu sync.Mutex

	ChallengeID string
	roomID      registry.RoomID
	genID       string // opaque id minted per room instance; stored only, no timer or other code reads it

	status    Status
	players   []string // up to 2, in join order
	moves     map[int][]MoveRecord
	winner    string
	createdAt time.Time

	broadcaster Broadcaster
	timers      *timer.Service
}

// New creates an empty, Waiting-status battle room.
func New(challengeID string, b Broadcaster, timers *timer.Service) *Room {
	return &Room{
		ChallengeID: challengeID,
		roomID:      registry.RoomID{Flavor: registry.FlavorBattle, Key: challengeID},
		genID:       uuid.NewString(),
		status:      StatusWaiting,
		moves:       make(map[int][]MoveRecord),
		createdAt:   time.Now(),
		broadcaster: b,
		timers:      timers,
	}
}

// RoomID returns the registry key this room is addressed by.
func (r *Room) RoomID() registry.RoomID { return r.roomID }

// CreatedAt returns room creation time (used by age-based cleanup, §4.4).
func (r *Room) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// Status returns the current status.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) readyHoldKey() timer.Key {
	return timer.Key{Room: r.roomID, Kind: timer.KindBattleReady}
}

// --- envelope helpers ----------------------------------------------------

func (r *Room) sendTo(peer string, payload map[string]interface{}) {
	payload["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[battle] marshal frame for %s: %v", peer, err)
		return
	}
	r.broadcaster.SendTo(r.roomID, peer, data)
}

func (r *Room) broadcastAll(payload map[string]interface{}, exclude string) {
	payload["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[battle] marshal broadcast: %v", err)
		return
	}
	r.broadcaster.Broadcast(r.roomID, data, exclude)
}

// --- lifecycle -------------------------------------------------------------

// errRoomFull is returned by Join when a third peer attempts to join an
// already-full room (§4.1/§8).
type errRoomFull struct{}

func (errRoomFull) Error() string { return "battle room is full" }

// ErrRoomFull is returned by Join when the room already has two players.
var ErrRoomFull error = errRoomFull{}

// Join adds peer to the room. Refuses a third connection attempt to an
// already-full battle (§3 invariant, §8 boundary behavior).
func (r *Room) Join(peer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.players {
		if p == peer {
			return nil // reconnect of an existing participant
		}
	}

	if len(r.players) >= 2 {
		return ErrRoomFull
	}

	r.players = append(r.players, peer)

	r.broadcastAll(map[string]interface{}{
		"type":     "player_joined",
		"playerId": peer,
	}, peer)

	if len(r.players) == 2 && r.status == StatusWaiting {
		r.status = StatusReady
		r.broadcastAll(map[string]interface{}{
			"type": "game_ready",
		}, "")
		r.timers.Arm(r.readyHoldKey(), config.BattleReadyHold, r.onReadyHoldElapsed)
	}

	return nil
}

func (r *Room) onReadyHoldElapsed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusReady {
		return
	}
	r.status = StatusInProgress
}

// Leave removes peer from the room. If the other peer is still present
// and the game was in progress, ends the game with that peer as winner
// (§4.4).
func (r *Room) Leave(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, p := range r.players {
		if p == peer {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	r.players = append(r.players[:idx], r.players[idx+1:]...)

	if r.status == StatusInProgress && len(r.players) == 1 {
		other := r.players[0]
		r.broadcastAll(map[string]interface{}{
			"type":     "opponent_left",
			"playerId": peer,
		}, "")
		r.endGameLocked(other)
	}
}

// SubmitMove appends peer's move for round if they have not already
// moved this round, then broadcasts progress (§4.4).
func (r *Room) SubmitMove(peer string, round int, move string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusInProgress {
		return
	}

	for _, m := range r.moves[round] {
		if m.Peer == peer {
			return // duplicate submission for this round, ignored
		}
	}

	r.moves[round] = append(r.moves[round], MoveRecord{
		Peer:        peer,
		MoveToken:   move,
		Round:       round,
		SubmittedAt: time.Now(),
	})

	var other string
	for _, p := range r.players {
		if p != peer {
			other = p
		}
	}
	if other != "" {
		r.sendTo(other, map[string]interface{}{
			"type":     "opponent_moved",
			"playerId": peer,
		})
	}

	if len(r.moves[round]) == 2 {
		moves := make([]map[string]interface{}, 0, 2)
		for _, m := range r.moves[round] {
			moves = append(moves, map[string]interface{}{
				"playerAddress": m.Peer,
				"move":          m.MoveToken,
			})
		}
		r.broadcastAll(map[string]interface{}{
			"type":  "round_complete",
			"round": round,
			"moves": moves,
		}, "")
	}
}

// GameEnded finalizes the room with the given winner. It arms no cleanup
// timer: the room is removed later by Manager.ReapExpired's periodic scan
// once ShouldReap reports it, not 30 s after game_ended. Any peer may send
// this (§4.4); the spec preserves that trust model as an open question
// shared with arena's `winner` message (§9).
func (r *Room) GameEnded(winner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endGameLocked(winner)
}

func (r *Room) endGameLocked(winner string) {
	if r.status == StatusEnded {
		return
	}
	r.timers.Cancel(r.readyHoldKey())
	r.status = StatusEnded
	r.winner = winner

	r.broadcastAll(map[string]interface{}{
		"type":        "game_ended",
		"winner":      winner,
		"challengeId": r.ChallengeID,
	}, "")

	// Actual reclamation happens on Manager.ReapExpired's periodic scan
	// (ShouldReap below), not a per-room timer: Room has no back-reference
	// to the Manager that could remove it from the map, and arming a timer
	// whose callback does nothing but "fire" was dead weight (see
	// DESIGN.md).
}

// ShouldReap reports whether the room is eligible for deletion: it has no
// connected players left, or it is not InProgress and was created more
// than config.BattleMaxAge ago (§4.4).
func (r *Room) ShouldReap(now time.Time, connectedPeers int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if connectedPeers == 0 {
		return true
	}
	if r.status == StatusInProgress {
		return false
	}
	return now.Sub(r.createdAt) > config.BattleMaxAge
}
