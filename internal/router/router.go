// Package router implements the message router described in §4.5: it
// parses inbound envelopes and dispatches each frame to the arena or
// battle manager for the room the frame's connection belongs to. It is not
// the only caller into the rooms: internal/acceptor calls the join/leave
// methods directly and timer callbacks call back into the rooms; every such
// call takes the room's own lock.
package router

import (
	"encoding/json"
	"log"

	"github.com/arenabroker/server/internal/arena"
	"github.com/arenabroker/server/internal/battle"
	"github.com/arenabroker/server/internal/registry"
)

// Envelope is the inbound frame shape accepted from both room flavors.
// Unknown/absent fields are simply ignored by whichever handler doesn't
// need them — the tolerant envelope policy of §4.5.
type Envelope struct {
	Type string `json:"type"`

	// arena
	Deadline int64           `json:"deadline,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	WinnerID string          `json:"winnerId,omitempty"`

	// battle
	Round int    `json:"round,omitempty"`
	Move  string `json:"move,omitempty"`

	// shared (battle game_ended, arena winner both carry a "winner"-ish key
	// under different names per §4.4/§6)
	Winner string `json:"winner,omitempty"`
}

// Router owns the two session managers and dispatches parsed envelopes
// into them. It never mutates session state directly — only the
// managers' own locked methods do (§4.5).
type Router struct {
	Registry *registry.Registry
	Arena    *arena.Manager
	Battle   *battle.Manager
}

// New creates a router wired to the given managers.
func New(reg *registry.Registry, arenaMgr *arena.Manager, battleMgr *battle.Manager) *Router {
	return &Router{Registry: reg, Arena: arenaMgr, Battle: battleMgr}
}

// HandleArenaFrame parses raw and dispatches it to the arena room
// identified by gameID on behalf of peer. A frame that fails to parse is
// logged and dropped (§4.5, §7); an unknown type is ignored without
// closing the connection.
func (r *Router) HandleArenaFrame(gameID int64, peer string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[router] bad arena frame from %s: %v", peer, err)
		return
	}

	room, ok := r.Arena.Get(gameID)
	if !ok {
		return
	}

	switch env.Type {
	case "heartbeat":
		r.Registry.Touch(room.RoomID(), peer)
		room.Heartbeat(peer)
	case "mark_ready":
		room.MarkReady(peer)
	case "start_game":
		room.StartGame(peer)
	case "set_deadline":
		room.SetDeadline(peer, env.Deadline)
	case "update":
		room.Update(peer, env.Data)
	case "eliminated":
		room.Eliminated(peer)
	case "winner":
		room.Winner(env.WinnerID)
	default:
		log.Printf("[router] unknown arena message type %q from %s", env.Type, peer)
	}
}

// HandleBattleFrame parses raw and dispatches it to the battle room
// identified by challengeID on behalf of peer.
func (r *Router) HandleBattleFrame(challengeID string, peer string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[router] bad battle frame from %s: %v", peer, err)
		return
	}

	room, ok := r.Battle.Get(challengeID)
	if !ok {
		return
	}

	switch env.Type {
	case "submit_move":
		room.SubmitMove(peer, env.Round, env.Move)
	case "game_ended":
		room.GameEnded(env.Winner)
	case "heartbeat":
		r.Registry.Touch(room.RoomID(), peer)
	default:
		log.Printf("[router] unknown battle message type %q from %s", env.Type, peer)
	}
}
