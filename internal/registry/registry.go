// Package registry tracks live peer sockets indexed by (room, peer),
// generalizing the teacher's Room.players map (internal/game/room.go) into
// a standalone component shared by both the arena and battle flavors.
package registry

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Flavor distinguishes the two room namespaces. Rooms of different
// flavors share no identifier namespace (§3).
type Flavor string

const (
	FlavorArena  Flavor = "arena"
	FlavorBattle Flavor = "battle"
)

// RoomID names a room uniquely across both flavors.
type RoomID struct {
	Flavor Flavor
	Key    string
}

// Transport abstracts the underlying socket so the registry and session
// managers never depend on *websocket.Conn directly, mirroring the
// teacher's PlayerConnection interface in internal/game/player.go.
type Transport interface {
	// Send enqueues data for delivery. Returns false if the transport is
	// not open or the send could not be enqueued.
	Send(data []byte) bool
	// Close closes the transport with the given close code/reason.
	Close(code int, reason string) error
	// IsOpen reports whether the transport can still accept sends.
	IsOpen() bool
	// Ping sends a transport-level liveness probe (§5).
	Ping() error
}

// Connection is a single (room, peer) connection record, §3.
type Connection struct {
	Transport Transport
	PeerID    string
	Room      RoomID
	JoinedAt  time.Time

	lastHeartbeatNs int64 // unix nanos, atomic
	alive           int32 // atomic bool
}

func newConnection(room RoomID, peer string, t Transport) *Connection {
	now := time.Now()
	c := &Connection{
		Transport: t,
		PeerID:    peer,
		Room:      room,
		JoinedAt:  now,
	}
	atomic.StoreInt64(&c.lastHeartbeatNs, now.UnixNano())
	atomic.StoreInt32(&c.alive, 1)
	return c
}

// Touch updates lastHeartbeatTs = now and sets aliveFlag = true (§4.2).
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastHeartbeatNs, time.Now().UnixNano())
	atomic.StoreInt32(&c.alive, 1)
}

// MarkPingOutstanding sets aliveFlag = false, called when a transport-level
// ping is sent (§5).
func (c *Connection) MarkPingOutstanding() {
	atomic.StoreInt32(&c.alive, 0)
}

// Alive reports the current aliveFlag.
func (c *Connection) Alive() bool {
	return atomic.LoadInt32(&c.alive) == 1
}

// LastHeartbeat returns lastHeartbeatTs.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastHeartbeatNs))
}

// Registry is the connection registry described in §4.2.
type Registry struct {
	mu     sync.RWMutex
	byRoom map[RoomID]map[string]*Connection
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byRoom: make(map[RoomID]map[string]*Connection)}
}

// Add inserts (room,peer) -> Connection, replacing any prior record for the
// same key. The prior record's transport is returned (not closed) so the
// caller can decide whether to evict the incumbent socket, per the open
// question in §9.
func (r *Registry) Add(room RoomID, peer string, t Transport) (conn *Connection, replaced *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.byRoom[room]
	if !ok {
		peers = make(map[string]*Connection)
		r.byRoom[room] = peers
	}

	replaced = peers[peer]
	conn = newConnection(room, peer, t)
	peers[peer] = conn
	return conn, replaced
}

// Remove deletes the (room,peer) record. If the per-room set becomes
// empty, the room's index entry is removed too.
func (r *Registry) Remove(room RoomID, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.byRoom[room]
	if !ok {
		return
	}
	delete(peers, peer)
	if len(peers) == 0 {
		delete(r.byRoom, room)
	}
}

// Get returns the connection record for (room, peer), if any.
func (r *Registry) Get(room RoomID, peer string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers, ok := r.byRoom[room]
	if !ok {
		return nil, false
	}
	c, ok := peers[peer]
	return c, ok
}

// Touch updates lastHeartbeatTs/aliveFlag for (room, peer), if present.
func (r *Registry) Touch(room RoomID, peer string) {
	if c, ok := r.Get(room, peer); ok {
		c.Touch()
	}
}

// SendTo performs a best-effort send to (room, peer). Returns whether a
// frame was enqueued.
func (r *Registry) SendTo(room RoomID, peer string, msg []byte) bool {
	c, ok := r.Get(room, peer)
	if !ok || !c.Transport.IsOpen() {
		return false
	}
	return c.Transport.Send(msg)
}

// Broadcast sends msg to every open connection in room whose peer is not
// exclude. Returns the count sent.
func (r *Registry) Broadcast(room RoomID, msg []byte, exclude string) int {
	r.mu.RLock()
	peers := r.byRoom[room]
	snapshot := make([]*Connection, 0, len(peers))
	for id, c := range peers {
		if id == exclude {
			continue
		}
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range snapshot {
		if !c.Transport.IsOpen() {
			continue
		}
		if c.Transport.Send(msg) {
			sent++
		}
	}
	return sent
}

// PeersOf returns a stable snapshot of the peer ids currently registered in
// room.
func (r *Registry) PeersOf(room RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := r.byRoom[room]
	out := make([]string, 0, len(peers))
	for id := range peers {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live connections in room.
func (r *Registry) Count(room RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[room])
}

// SweepStale closes and removes every record whose lastHeartbeatTs is
// older than maxAge relative to now. onEvict is invoked (outside the
// registry lock) for every evicted (room, peer) pair so callers can run
// room-level bookkeeping (e.g. broadcasting player_disconnected).
func (r *Registry) SweepStale(now time.Time, maxAge time.Duration, onEvict func(room RoomID, peer string)) {
	type evicted struct {
		room RoomID
		peer string
		conn *Connection
	}

	r.mu.Lock()
	var stale []evicted
	for room, peers := range r.byRoom {
		for peer, c := range peers {
			if now.Sub(c.LastHeartbeat()) > maxAge {
				stale = append(stale, evicted{room, peer, c})
			}
		}
	}
	for _, e := range stale {
		delete(r.byRoom[e.room], e.peer)
		if len(r.byRoom[e.room]) == 0 {
			delete(r.byRoom, e.room)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		if err := e.conn.Transport.Close(1000, "stale connection"); err != nil {
			log.Printf("[registry] close stale transport for %s/%s: %v", e.room.Key, e.peer, err)
		}
		if onEvict != nil {
			onEvict(e.room, e.peer)
		}
	}
}

// PingAllOpen sends a transport-level ping to every open connection and
// marks aliveFlag = false, per §5. Connections still marked false when the
// next sweep runs should be terminated by the caller via SweepDead.
func (r *Registry) PingAllOpen(ping func(t Transport) error) {
	r.mu.RLock()
	var snapshot []*Connection
	for _, peers := range r.byRoom {
		for _, c := range peers {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !c.Transport.IsOpen() {
			continue
		}
		c.MarkPingOutstanding()
		if err := ping(c.Transport); err != nil {
			log.Printf("[registry] ping %s/%s: %v", c.Room.Key, c.PeerID, err)
		}
	}
}

// SweepDead closes and removes every connection still marked !Alive(),
// i.e. it did not answer the previous ping with a pong or application
// heartbeat. Mirrors SweepStale's eviction-callback contract.
func (r *Registry) SweepDead(onEvict func(room RoomID, peer string)) {
	type evicted struct {
		room RoomID
		peer string
		conn *Connection
	}

	r.mu.Lock()
	var dead []evicted
	for room, peers := range r.byRoom {
		for peer, c := range peers {
			if !c.Alive() {
				dead = append(dead, evicted{room, peer, c})
			}
		}
	}
	for _, e := range dead {
		delete(r.byRoom[e.room], e.peer)
		if len(r.byRoom[e.room]) == 0 {
			delete(r.byRoom, e.room)
		}
	}
	r.mu.Unlock()

	for _, e := range dead {
		if err := e.conn.Transport.Close(1000, "no pong"); err != nil {
			log.Printf("[registry] close dead transport for %s/%s: %v", e.room.Key, e.peer, err)
		}
		if onEvict != nil {
			onEvict(e.room, e.peer)
		}
	}
}

// CloseAll closes every registered transport with the given code/reason and
// empties the registry, used during process shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	var all []*Connection
	for _, peers := range r.byRoom {
		for _, c := range peers {
			all = append(all, c)
		}
	}
	r.byRoom = make(map[RoomID]map[string]*Connection)
	r.mu.Unlock()

	for _, c := range all {
		if err := c.Transport.Close(code, reason); err != nil {
			log.Printf("[registry] close %s/%s on shutdown: %v", c.Room.Key, c.PeerID, err)
		}
	}
}

// RoomCount returns the number of distinct rooms of a given flavor with at
// least one live connection.
func (r *Registry) RoomCount(flavor Flavor) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for room := range r.byRoom {
		if room.Flavor == flavor {
			n++
		}
	}
	return n
}

// TotalPlayers returns the total number of live connections across all
// rooms of a given flavor.
func (r *Registry) TotalPlayers(flavor Flavor) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for room, peers := range r.byRoom {
		if room.Flavor == flavor {
			n += len(peers)
		}
	}
	return n
}
