// Package main implements the arena/battle coordination server.
//
// Architecture Overview:
// - Peers connect over WebSocket, one per (room, peer) pair
// - The acceptor demultiplexes by URL path: "/" is an arena room, "/battle"
//   is a two-party battle room
// - A shared connection registry tracks live transports per room
// - Arena and battle session managers each own a mutex-guarded room state
//   machine; the router dispatches inbound frames into them, and the
//   acceptor calls their join/leave methods directly
// - A timer service arms/cancels the countdown, deadline, auto-start, and
//   battle ready-hold timers; heartbeat, sweep, cleanup-scan and stats jobs
//   run on tickers in this package
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/arenabroker/server/internal/acceptor"
	"github.com/arenabroker/server/internal/arena"
	"github.com/arenabroker/server/internal/battle"
	"github.com/arenabroker/server/internal/config"
	"github.com/arenabroker/server/internal/registry"
	"github.com/arenabroker/server/internal/router"
	"github.com/arenabroker/server/internal/timer"
)

// Server is the main process instance wiring config, registry, session
// managers and the HTTP surface together.
type Server struct {
	config   *config.ServerConfig
	registry *registry.Registry
	timers   *timer.Service
	arena    *arena.Manager
	battle   *battle.Manager
	router   *router.Router
	acceptor *acceptor.Acceptor
	startedAt time.Time
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()
	srv := NewServer(cfg)

	log.Printf("=================================")
	log.Printf("  Arena/Battle Coordination Server")
	log.Printf("=================================")
	log.Printf("  Host: %s", cfg.Host)
	log.Printf("  Port: %d", cfg.Port)
	log.Printf("  Production: %v", cfg.Production)
	log.Printf("=================================")

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// NewServer creates and wires a new Server instance.
func NewServer(cfg *config.ServerConfig) *Server {
	reg := registry.New()
	timers := timer.New()
	arenaMgr := arena.NewManager(reg, timers)
	battleMgr := battle.NewManager(reg, timers)
	rt := router.New(reg, arenaMgr, battleMgr)

	return &Server{
		config:    cfg,
		registry:  reg,
		timers:    timers,
		arena:     arenaMgr,
		battle:    battleMgr,
		router:    rt,
		acceptor:  acceptor.New(cfg, reg, rt),
		startedAt: time.Now(),
	}
}

// Run starts background jobs, registers HTTP routes, and blocks serving
// requests until a shutdown signal arrives.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.heartbeatLoop(ctx)
	go s.staleSweepLoop(ctx)
	go s.battleCleanupLoop(ctx)
	go s.statsLoop(ctx)

	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.HandleFunc("/", s.handleRoot)
	r.HandleFunc("/health", s.handleHealth)
	r.HandleFunc("/battle", s.acceptor.ServeBattle)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	httpServer := &http.Server{Addr: addr, Handler: r}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		s.closeAllConnections()
		return nil
	}
}

// closeAllConnections evicts every open socket across both room flavors so
// shutdown doesn't abandon them to the OS to time out.
func (s *Server) closeAllConnections() {
	s.registry.CloseAll(1001, "server shutting down")
	log.Printf("connections closed")
}

// heartbeatLoop evicts connections that didn't answer the previous tick's
// ping, then pings every remaining open socket and marks it outstanding
// again, giving the pong a full tick's window to arrive before the next
// sweep (§5: ping+mark-false on tick N, sweep-still-false on tick N+1).
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(config.HeartbeatPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.SweepDead(func(room registry.RoomID, peer string) {
				log.Printf("[heartbeat] evicted stale connection %s/%s", room.Key, peer)
			})
			s.registry.PingAllOpen(func(t registry.Transport) error {
				return t.Ping()
			})
		}
	}
}

// staleSweepLoop reaps connections whose last heartbeat or pong is older
// than StaleConnectionAge, then reaps arena rooms left empty by that sweep
// (§5/§4.6).
func (s *Server) staleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(config.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.SweepStale(time.Now(), config.StaleConnectionAge, func(room registry.RoomID, peer string) {
				log.Printf("[sweep] evicted idle connection %s/%s", room.Key, peer)
			})
			if removed := s.arena.ReapEmpty(); removed > 0 {
				log.Printf("[sweep] reaped %d empty arena rooms", removed)
			}
		}
	}
}

// battleCleanupLoop reaps ended or aged-out battle rooms every
// BattleCleanupScan (§4.4).
func (s *Server) battleCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(config.BattleCleanupScan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.battle.ReapExpired(time.Now()); removed > 0 {
				log.Printf("[battle] reaped %d expired rooms", removed)
			}
		}
	}
}

// statsLoop logs room/player counts every StatsLogInterval, the way the
// teacher's matchmaker stats goroutine does at a slower cadence.
func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(config.StatsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			arenaRooms, arenaPlayers := s.arena.Stats()
			battleRooms, battlePlayers := s.battle.Stats()
			if arenaRooms+battleRooms > 0 {
				log.Printf("stats: arena(%d rooms, %d players) battle(%d rooms, %d players)",
					arenaRooms, arenaPlayers, battleRooms, battlePlayers)
			}
		}
	}
}

// handleRoot serves the arena WebSocket upgrade for requests carrying an
// Upgrade header and falls back to the JSON status payload otherwise,
// merging the teacher's separate /ws and /stats handlers into the single
// surface §6 describes.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "" {
		s.acceptor.ServeArena(w, r)
		return
	}
	s.writeStatus(w)
}

// handleHealth serves the same JSON status payload as "/" for load
// balancers and container orchestrators.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w)
}

func (s *Server) writeStatus(w http.ResponseWriter) {
	arenaRooms, arenaPlayers := s.arena.Stats()
	battleRooms, battlePlayers := s.battle.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"arena-broker","games":%d,"players":%d,"uptime":%d,"timestamp":%d,"version":%q}`,
		arenaRooms+battleRooms,
		arenaPlayers+battlePlayers,
		int(time.Since(s.startedAt).Seconds()),
		time.Now().UnixMilli(),
		s.config.Version,
	)
}

// corsMiddleware mirrors the teacher's CheckOrigin callback extended to
// the plain HTTP surface (§4 supplemented features): allow every origin,
// answer preflight with an empty 200.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
