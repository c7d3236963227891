package arena

import (
	"log"
	"sync"

	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/timer"
)

// Manager owns the set of live arena rooms, keyed by the caller-supplied
// gameId, generalizing the teacher's Matchmaker (internal/matchmaker) from
// "find any room with space" to "get or create the room for this id".
type Manager struct {
	mu       sync.RWMutex
	rooms    map[int64]*Room
	registry *registry.Registry
	timers   *timer.Service
}

// NewManager creates an empty arena room manager.
func NewManager(reg *registry.Registry, timers *timer.Service) *Manager {
	return &Manager{
		rooms:    make(map[int64]*Room),
		registry: reg,
		timers:   timers,
	}
}

// GetOrCreate returns the room for id, creating it if necessary.
func (m *Manager) GetOrCreate(id int64) *Room {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[id]; ok {
		return room
	}
	room = New(id, m.registry, m.timers)
	m.rooms[id] = room
	log.Printf("[arena] room %d created", id)
	return room
}

// Get returns the room for id, if it exists.
func (m *Manager) Get(id int64) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

// Remove deletes the room for id and cancels its timers.
func (m *Manager) Remove(id int64) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if ok {
		delete(m.rooms, id)
	}
	m.mu.Unlock()

	if ok {
		m.timers.CancelRoom(room.RoomID())
		log.Printf("[arena] room %d deleted", id)
	}
}

// ReapEmpty removes every room with zero live connections. Called by the
// stale-sweep loop after a registry sweep evicts connections.
func (m *Manager) ReapEmpty() int {
	m.mu.RLock()
	var toRemove []int64
	for id, room := range m.rooms {
		if m.registry.Count(room.RoomID()) == 0 {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toRemove {
		m.Remove(id)
	}
	return len(toRemove)
}

// Stats returns (rooms, players) across the whole manager.
func (m *Manager) Stats() (rooms, players int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms = len(m.rooms)
	for _, room := range m.rooms {
		players += len(m.registry.PeersOf(room.RoomID()))
	}
	return rooms, players
}
