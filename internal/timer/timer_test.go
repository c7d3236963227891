package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/arenabroker/server/internal/registry"
)

func testKey(kind Kind) Key {
	return Key{Room: registry.RoomID{Flavor: registry.FlavorArena, Key: "1"}, Kind: kind}
}

func TestArmFiresCallback(t *testing.T) {
	s := New()
	var fired int32
	s.Arm(testKey(KindCountdown), 10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected callback to fire exactly once, got %d", fired)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New()
	key := testKey(KindDeadline)
	var fired int32
	s.Arm(key, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Cancel(key)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected cancelled timer not to fire, got %d", fired)
	}
	if s.Armed(key) {
		t.Fatalf("expected key to be unarmed after Cancel")
	}
}

func TestRearmOnlyFiresLatestCallback(t *testing.T) {
	s := New()
	key := testKey(KindAutoStart)

	var firstFired, secondFired int32
	s.Arm(key, 15*time.Millisecond, func() { atomic.AddInt32(&firstFired, 1) })
	s.Arm(key, 30*time.Millisecond, func() { atomic.AddInt32(&secondFired, 1) })

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&firstFired) != 0 {
		t.Fatalf("expected the superseded timer not to fire, got %d", firstFired)
	}
	if atomic.LoadInt32(&secondFired) != 1 {
		t.Fatalf("expected the rearmed timer to fire exactly once, got %d", secondFired)
	}
}

func TestCancelRoomCancelsAllKinds(t *testing.T) {
	s := New()
	room := registry.RoomID{Flavor: registry.FlavorBattle, Key: "x"}
	k1 := Key{Room: room, Kind: KindBattleReady}
	k2 := Key{Room: room, Kind: KindBattleCleanup}

	var fired int32
	s.Arm(k1, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Arm(k2, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	s.CancelRoom(room)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected both timers to be cancelled, got %d firings", fired)
	}
}
