// Package config loads server settings from the environment. A .env file in
// the working directory is honored when present so local runs don't need
// exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Addr is the listen address for the relay server.
	Addr string

	// RoomCap is the maximum number of members per room. The Full check in
	// the registry and the client's slot rendering both read this one value.
	RoomCap int

	// RoomIdle is how long a room may sit without activity before the sweep
	// deletes it.
	RoomIdle time.Duration

	// SweepInterval is how often the registry garbage-collects rooms.
	SweepInterval time.Duration

	// SignalBuffer is how many undelivered signal payloads the relay holds
	// per recipient before dropping the oldest.
	SignalBuffer int

	// SignalTTL is how long a buffered payload waits for its recipient to
	// show up before being garbage-collected.
	SignalTTL time.Duration

	// AllowedOrigins feeds the CORS middleware. "*" during development.
	AllowedOrigins []string
}

func Default() Config {
	return Config{
		Addr:           ":8080",
		RoomCap:        4,
		RoomIdle:       2 * time.Hour,
		SweepInterval:  5 * time.Minute,
		SignalBuffer:   32,
		SignalTTL:      30 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Load reads the environment on top of defaults. Unset variables keep their
// default; malformed values are an error rather than a silent fallback.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	var err error

	if v := os.Getenv("BOARDROOM_ADDR"); v != "" {
		cfg.Addr = v
	}
	if cfg.RoomCap, err = intVar("BOARDROOM_ROOM_CAP", cfg.RoomCap); err != nil {
		return Config{}, err
	}
	if cfg.RoomCap < 2 {
		return Config{}, fmt.Errorf("config: BOARDROOM_ROOM_CAP must be at least 2, got %d", cfg.RoomCap)
	}
	if cfg.RoomIdle, err = durationVar("BOARDROOM_ROOM_IDLE", cfg.RoomIdle); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationVar("BOARDROOM_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SignalBuffer, err = intVar("BOARDROOM_SIGNAL_BUFFER", cfg.SignalBuffer); err != nil {
		return Config{}, err
	}
	if cfg.SignalTTL, err = durationVar("BOARDROOM_SIGNAL_TTL", cfg.SignalTTL); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("BOARDROOM_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}
	return cfg, nil
}

func intVar(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

func durationVar(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return d, nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
