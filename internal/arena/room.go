// Package arena implements the free-for-all room flavor: the ready/
// countdown/active/ended state machine and roster described in §3/§4.3.
//
// Room generalizes the teacher's internal/game.Room: a mutex-guarded
// struct whose methods all take the room's lock, whether called by the
// router, by internal/acceptor (connect/disconnect) or by a timer callback,
// satisfying the single-writer-per-room discipline from §5 the same way the
// teacher protects its players map with a RWMutex.
package arena

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/arenabroker/server/internal/config"
	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/timer"
)

// Phase is the arena state machine's current state. Transitions are
// strictly forward: Waiting -> Countdown -> Active -> Ended (§3).
type Phase int

const (
	PhaseWaiting Phase = iota
	PhaseCountdown
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseCountdown:
		return "countdown"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// PlayerState is an opaque-to-the-server dictionary forwarded verbatim
// except for the `alive` field, which the server reads for end-game
// detection (§3).
type PlayerState map[string]interface{}

func (p PlayerState) alive() (value bool, present bool) {
	v, ok := p["alive"]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Broadcaster is the narrow slice of registry.Registry the room needs,
// scoped to its own RoomID by the caller (internal/router wires this up).
type Broadcaster interface {
	SendTo(room registry.RoomID, peer string, msg []byte) bool
	Broadcast(room registry.RoomID, msg []byte, exclude string) int
	PeersOf(room registry.RoomID) []string
}

// Room is a single arena session, §3's ArenaRoom.
type Room struct {
	mu sync.Mutex // guards every field below

	ID     int64
	roomID registry.RoomID

	phase               Phase
	countdownStartedAt  time.Time
	countdownHasRun     bool
	countdownDurationMs int64
	startedAt           time.Time
	hasStarted          bool
	winnerPeerID        string

	players  map[string]PlayerState
	readySet map[string]struct{}

	broadcaster Broadcaster
	timers      *timer.Service
}

// New creates an empty, Waiting-phase arena room.
func New(id int64, b Broadcaster, timers *timer.Service) *Room {
	return &Room{
		ID:                  id,
		roomID:              registry.RoomID{Flavor: registry.FlavorArena, Key: formatID(id)},
		phase:               PhaseWaiting,
		countdownDurationMs: config.ArenaCountdownDuration.Milliseconds(),
		players:             make(map[string]PlayerState),
		readySet:            make(map[string]struct{}),
		broadcaster:         b,
		timers:              timers,
	}
}

// RoomID returns the registry key this room is addressed by.
func (r *Room) RoomID() registry.RoomID { return r.roomID }

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// --- envelope helpers -------------------------------------------------

func (r *Room) sendError(peer, message string) {
	r.sendTo(peer, map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

func (r *Room) sendTo(peer string, payload map[string]interface{}) {
	payload["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[arena] marshal frame for %s: %v", peer, err)
		return
	}
	r.broadcaster.SendTo(r.roomID, peer, data)
}

func (r *Room) broadcastAll(payload map[string]interface{}, exclude string) {
	payload["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[arena] marshal broadcast: %v", err)
		return
	}
	r.broadcaster.Broadcast(r.roomID, data, exclude)
}

// gameStateUpdatePayloadLocked builds the {type:"game_state_update", gameState:{...}}
// broadcast emitted on every phase transition or ready-count change (§4.3).
func (r *Room) gameStateUpdatePayloadLocked() map[string]interface{} {
	var countdownStart int64
	if r.countdownHasRun {
		countdownStart = r.countdownStartedAt.UnixMilli()
	}
	return map[string]interface{}{
		"type": "game_state_update",
		"gameState": map[string]interface{}{
			"phase":               r.phase.String(),
			"countdownStartTime":  countdownStart,
			"countdownDuration":   r.countdownDurationMs,
			"readyPlayers":        len(r.readySet),
			"totalPlayers":        len(r.broadcaster.PeersOf(r.roomID)),
		},
	}
}

func (r *Room) broadcastStateLocked() {
	r.broadcastAll(r.gameStateUpdatePayloadLocked(), "")
}

// --- lifecycle ----------------------------------------------------------

// Sync builds the initial {type:"sync"} payload sent to a newly joined
// peer, snapshotting the current roster.
func (r *Room) Sync(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	players := make([]map[string]interface{}, 0, len(r.players))
	for id, state := range r.players {
		entry := map[string]interface{}{"playerId": id}
		for k, v := range state {
			entry[k] = v
		}
		players = append(players, entry)
	}

	r.sendTo(peer, map[string]interface{}{
		"type":    "sync",
		"players": players,
	})
	r.sendTo(peer, r.gameStateUpdatePayloadLocked())
}

// PlayerConnected is called when peer joins the room; notifies the rest
// of the roster per §8 scenario 1.
func (r *Room) PlayerConnected(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastAll(map[string]interface{}{
		"type":     "player_connected",
		"playerId": peer,
	}, peer)
}

// PlayerDisconnected removes peer's player state and notifies the
// remaining roster. Returns whether the room is now empty (no players,
// no live connections) and therefore eligible for deletion (§3).
func (r *Room) PlayerDisconnected(peer string) (empty bool) {
	r.mu.Lock()
	delete(r.players, peer)
	delete(r.readySet, peer)
	r.broadcastAll(map[string]interface{}{
		"type":     "player_disconnected",
		"playerId": peer,
	}, "")
	remaining := len(r.broadcaster.PeersOf(r.roomID))
	empty = remaining == 0 && len(r.players) == 0
	r.mu.Unlock()

	return empty
}

// --- inbound events, §4.3 / §6 -----------------------------------------

// Heartbeat touches the connection (the router/registry does the actual
// touch) and replies heartbeat_ack.
func (r *Room) Heartbeat(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendTo(peer, map[string]interface{}{"type": "heartbeat_ack"})
}

// MarkReady adds peer to the ready set. If at least two peers are ready,
// schedules an auto-start in +1s.
func (r *Room) MarkReady(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseWaiting {
		return
	}

	if _, already := r.readySet[peer]; already {
		return
	}
	r.readySet[peer] = struct{}{}
	r.broadcastStateLocked()

	if len(r.readySet) >= 2 {
		r.timers.Arm(r.autoStartKey(), config.ArenaAutoStartHold, r.autoStart)
	}
}

func (r *Room) autoStartKey() timer.Key {
	return timer.Key{Room: r.roomID, Kind: timer.KindAutoStart}
}

func (r *Room) deadlineKey() timer.Key {
	return timer.Key{Room: r.roomID, Kind: timer.KindDeadline}
}

func (r *Room) countdownKey() timer.Key {
	return timer.Key{Room: r.roomID, Kind: timer.KindCountdown}
}

// autoStart is invoked by the timer service; it re-enters through the
// room's own lock, preserving the single-writer discipline (§4.6).
func (r *Room) autoStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryStartLocked("")
}

// StartGame handles an explicit start_game request from requester.
func (r *Room) StartGame(requester string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryStartLocked(requester)
}

// tryStartLocked implements the Waiting-phase transition table (§4.3).
// requester is empty when triggered by a timer rather than a message.
func (r *Room) tryStartLocked(requester string) {
	if r.phase != PhaseWaiting {
		return
	}

	switch len(r.readySet) {
	case 0:
		if requester != "" {
			r.sendError(requester, "No players ready")
		}
	case 1:
		var winner string
		for p := range r.readySet {
			winner = p
		}
		r.endGameLocked(winner)
	default:
		r.timers.Cancel(r.autoStartKey())
		r.phase = PhaseCountdown
		r.countdownHasRun = true
		r.countdownStartedAt = time.Now()
		r.broadcastStateLocked()
		r.timers.Arm(r.countdownKey(), config.ArenaCountdownDuration, r.onCountdownFired)
	}
}

// onCountdownFired transitions Countdown -> Active.
func (r *Room) onCountdownFired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseCountdown {
		return
	}
	r.phase = PhaseActive
	r.hasStarted = true
	r.startedAt = time.Now()
	r.broadcastStateLocked()
}

// SetDeadline arms (or rearms) a deadline timer. When it fires, or
// immediately if deadlineMs is already in the past, it behaves as an
// auto-start trigger (§4.3).
func (r *Room) SetDeadline(requester string, deadlineMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delay := time.Until(time.UnixMilli(deadlineMs))
	if delay <= 0 {
		r.tryStartLocked("")
		return
	}
	r.timers.Arm(r.deadlineKey(), delay, r.onDeadlineFired)
}

func (r *Room) onDeadlineFired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tryStartLocked("")
}

// Update stores peer's player state dictionary and rebroadcasts it. Does
// not affect phase (§4.3/§9).
func (r *Room) Update(peer string, data json.RawMessage) {
	var state PlayerState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[arena] bad update payload from %s: %v", peer, err)
		return
	}

	r.mu.Lock()
	r.players[peer] = state
	r.broadcastAll(map[string]interface{}{
		"type":     "update",
		"playerId": peer,
		"data":     map[string]interface{}(state),
	}, peer)
	r.mu.Unlock()
}

// Eliminated marks peer as not alive (if it has a player state) and, if
// exactly one peer is left alive afterward, ends the game with that peer
// as winner. Per the open question in §9, a peer that never sent an
// `update` is not counted in this liveness check.
func (r *Room) Eliminated(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseActive {
		return
	}

	if state, ok := r.players[peer]; ok {
		state["alive"] = false
		r.players[peer] = state
	}

	r.broadcastAll(map[string]interface{}{
		"type":     "eliminated",
		"playerId": peer,
	}, "")

	var aliveCount int
	var lastAlive string
	for id, state := range r.players {
		if alive, present := state.alive(); present && alive {
			aliveCount++
			lastAlive = id
		}
	}

	if aliveCount == 1 {
		r.endGameLocked(lastAlive)
	}
}

// Winner forces the room to Ended with the given winner id. Any peer may
// send this; the spec preserves that trust model as an open question
// (§9).
func (r *Room) Winner(winnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endGameLocked(winnerID)
}

// endGameLocked performs the "Any -> Ended" transition: cancels the
// countdown timer if armed and broadcasts game_state_update + winner.
func (r *Room) endGameLocked(winnerID string) {
	if r.phase == PhaseEnded {
		return
	}
	r.timers.Cancel(r.countdownKey())
	r.timers.Cancel(r.deadlineKey())
	r.timers.Cancel(r.autoStartKey())

	r.phase = PhaseEnded
	r.winnerPeerID = winnerID

	r.broadcastStateLocked()
	r.broadcastAll(map[string]interface{}{
		"type":     "winner",
		"winnerId": winnerID,
	}, "")
}

// Phase returns the room's current phase (for tests/diagnostics).
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// ReadyCount returns the number of ready peers.
func (r *Room) ReadyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readySet)
}
