package battle

import (
	"log"
	"sync"
	"time"

	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/timer"
)

// Manager owns the set of live battle rooms, keyed by challenge id.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	registry *registry.Registry
	timers   *timer.Service
}

// NewManager creates an empty battle room manager.
func NewManager(reg *registry.Registry, timers *timer.Service) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		registry: reg,
		timers:   timers,
	}
}

// GetOrCreate returns the room for challengeID, creating it if necessary.
func (m *Manager) GetOrCreate(challengeID string) *Room {
	m.mu.RLock()
	room, ok := m.rooms[challengeID]
	m.mu.RUnlock()
	if ok {
		return room
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[challengeID]; ok {
		return room
	}
	room = New(challengeID, m.registry, m.timers)
	m.rooms[challengeID] = room
	log.Printf("[battle] room %s created", challengeID)
	return room
}

// Get returns the room for challengeID, if it exists.
func (m *Manager) Get(challengeID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[challengeID]
	return room, ok
}

// Remove deletes the room for challengeID and cancels its timers.
func (m *Manager) Remove(challengeID string) {
	m.mu.Lock()
	room, ok := m.rooms[challengeID]
	if ok {
		delete(m.rooms, challengeID)
	}
	m.mu.Unlock()

	if ok {
		m.timers.CancelRoom(room.RoomID())
		log.Printf("[battle] room %s deleted", challengeID)
	}
}

// ReapExpired removes every room that is empty or has aged out per
// Room.ShouldReap, closing any lingering sockets first (§4.4's "age > 30
// min AND status != InProgress" and the empty-room rule shared with
// arena).
func (m *Manager) ReapExpired(now time.Time) int {
	m.mu.RLock()
	var toRemove []string
	for id, room := range m.rooms {
		connected := m.registry.Count(room.RoomID())
		if room.ShouldReap(now, connected) {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toRemove {
		m.mu.RLock()
		room := m.rooms[id]
		m.mu.RUnlock()
		if room != nil {
			for _, peer := range m.registry.PeersOf(room.RoomID()) {
				if c, ok := m.registry.Get(room.RoomID(), peer); ok {
					c.Transport.Close(1000, "room closed")
				}
			}
		}
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
