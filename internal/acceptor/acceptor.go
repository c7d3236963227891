// Package acceptor implements the acceptor/demultiplexer described in
// §4.1: it upgrades incoming connections, routes by URL path to arena vs
// battle, validates query parameters, and attaches peer identity before
// handing the connection off to the appropriate session manager.
package acceptor

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/arenabroker/server/internal/config"
	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/router"
	"github.com/arenabroker/server/internal/wsconn"
)

// Acceptor upgrades HTTP connections and demultiplexes them to the arena
// or battle manager, mirroring the teacher's GameServer.handleWebSocket
// generalized to two URL paths (§9: "demultiplex on path, not on a framed
// envelope").
type Acceptor struct {
	cfg      *config.ServerConfig
	registry *registry.Registry
	router   *router.Router
	upgrader websocket.Upgrader
}

// New creates an acceptor wired to cfg, the shared registry, and router.
func New(cfg *config.ServerConfig, reg *registry.Registry, rt *router.Router) *Acceptor {
	a := &Acceptor{cfg: cfg, registry: reg, router: rt}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return a
}

// ServeArena handles `ws://host/?gameId=<int>&playerId=<str>`.
func (a *Acceptor) ServeArena(w http.ResponseWriter, r *http.Request) {
	gameIDRaw := r.URL.Query().Get("gameId")
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))

	gameID, err := strconv.ParseInt(gameIDRaw, 10, 64)
	valid := err == nil && playerID != ""

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[acceptor] arena upgrade failed: %v", err)
		return
	}

	if !valid {
		closeInvalid(ws)
		return
	}

	room := a.router.Arena.GetOrCreate(gameID)
	roomID := room.RoomID()

	var transport *wsconn.Conn
	transport = wsconn.New(ws,
		func(data []byte) {
			a.router.HandleArenaFrame(gameID, playerID, data)
		},
		func() {
			a.registry.Touch(roomID, playerID)
		},
		func() {
			// A connection replaced by a newer one for the same (room, peer)
			// leaves its successor's registration and player state alone.
			if c, ok := a.registry.Get(roomID, playerID); ok && c.Transport != transport {
				return
			}
			a.registry.Remove(roomID, playerID)
			empty := room.PlayerDisconnected(playerID)
			if empty {
				a.router.Arena.Remove(gameID)
			}
		},
	)

	// Register the new connection, evicting any prior connection for this
	// (room, peer) per the open question in §9: close the incumbent
	// rather than silently leak it.
	_, replaced := a.registry.Add(roomID, playerID, transport)
	if replaced != nil && replaced.Transport != nil {
		replaced.Transport.Close(4000, "replaced by new connection")
	}

	room.Sync(playerID)
	room.PlayerConnected(playerID)
}

// ServeBattle handles `ws://host/battle?challengeId=<str>&playerId=<str>`.
func (a *Acceptor) ServeBattle(w http.ResponseWriter, r *http.Request) {
	challengeID := strings.TrimSpace(r.URL.Query().Get("challengeId"))
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))
	valid := challengeID != "" && playerID != ""

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[acceptor] battle upgrade failed: %v", err)
		return
	}

	if !valid {
		closeInvalid(ws)
		return
	}

	room := a.router.Battle.GetOrCreate(challengeID)
	roomID := room.RoomID()

	// The transport must be registered before Join runs: Join is what
	// broadcasts player_joined/game_ready, and a connection not yet in the
	// registry can't receive either (unlike arena, battle has no separate
	// post-join sync step).
	var transport *wsconn.Conn
	transport = wsconn.New(ws,
		func(data []byte) {
			a.router.HandleBattleFrame(challengeID, playerID, data)
		},
		func() {
			a.registry.Touch(roomID, playerID)
		},
		func() {
			// A connection replaced by a newer one for the same (room, peer)
			// leaves its successor's registration and seat alone.
			if c, ok := a.registry.Get(roomID, playerID); ok && c.Transport != transport {
				return
			}
			a.registry.Remove(roomID, playerID)
			room.Leave(playerID)
		},
	)

	_, replaced := a.registry.Add(roomID, playerID, transport)
	if replaced != nil && replaced.Transport != nil {
		replaced.Transport.Close(4000, "replaced by new connection")
	}

	if err := room.Join(playerID); err != nil {
		transport.Close(websocket.ClosePolicyViolation, "Room full")
		return
	}
}

// closeInvalid closes ws with the 1008 policy-violation code and reason
// required by §4.1/§6, without ever sending an application frame.
func closeInvalid(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid parameters")
	ws.WriteMessage(websocket.CloseMessage, msg)
	ws.Close()
}
