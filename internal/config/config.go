// Package config centralizes server tuning constants and environment-derived
// runtime configuration, the way the teacher's config package does for the
// racing server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Network / lifecycle constants shared by every room flavor.
const (
	DefaultPort = 3001

	// Arena countdown, §4.3.
	ArenaCountdownDuration = 15 * time.Second
	ArenaAutoStartHold     = 1 * time.Second

	// Battle hold between Ready and InProgress, §4.4.
	BattleReadyHold = 1 * time.Second
	// Battle cleanup delay after Ended, §4.4. No code arms a timer with it:
	// Ended rooms are removed by the BattleCleanupScan pass instead (see
	// battle.Room.ShouldReap).
	BattleEndedCleanupDelay = 30 * time.Second
	// Battle max room age before forced cleanup, §4.4.
	BattleMaxAge = 30 * time.Minute

	// Heartbeat / liveness, §5.
	HeartbeatPingInterval = 30 * time.Second
	StaleSweepInterval    = 30 * time.Second
	StaleConnectionAge    = 60 * time.Second

	// Periodic background jobs, §4.6.
	StatsLogInterval     = 60 * time.Second
	BattleCleanupScan    = 60 * time.Second

	// WebSocket transport limits (teacher's ReadBufferSize/WriteBufferSize
	// and SetReadLimit pattern, generalized to JSON text frames).
	MaxMessageBytes   = 8192
	WriteWait         = 10 * time.Second
	SendQueueCapacity = 64
)

// ServerConfig is the process-wide configuration loaded from the
// environment at startup.
type ServerConfig struct {
	Host           string
	Port           int
	Production     bool
	AllowedOrigins []string // empty or containing "*" disables the check
	Version        string
}

// DefaultServerConfig returns the baseline configuration before
// environment overrides are applied.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "0.0.0.0",
		Port:           DefaultPort,
		Production:     false,
		AllowedOrigins: nil,
		Version:        "1.0.0",
	}
}

// LoadFromEnv reads PORT (preferred) / WS_PORT (fallback), NODE_ENV and
// ALLOWED_ORIGINS, overriding the defaults in place. Matches §6.
func LoadFromEnv() *ServerConfig {
	cfg := DefaultServerConfig()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	} else if wsPort := os.Getenv("WS_PORT"); wsPort != "" {
		if p, err := strconv.Atoi(wsPort); err == nil {
			cfg.Port = p
		}
	}

	cfg.Production = os.Getenv("NODE_ENV") == "production"

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	return cfg
}

// OriginAllowed reports whether origin passes the allow-list. The check is
// only enforced in production mode per §4.1/§6; a "*" entry or an empty
// list disables it.
func (c *ServerConfig) OriginAllowed(origin string) bool {
	if !c.Production {
		return true
	}
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
