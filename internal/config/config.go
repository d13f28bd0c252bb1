package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	Env         string // "dev" | "prod"
	DatabaseURL string

	CountdownFrom     int
	CountdownInterval time.Duration
	WaitingTTL        time.Duration
	TicketTTL         time.Duration
}

// Load reads configuration from the environment, with a .env file as a
// convenience in development. Missing values fall back to defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:              getenv("ADDR", ":8080"),
		Env:               getenv("APP_ENV", "prod"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		CountdownFrom:     getint("COUNTDOWN_FROM", 3),
		CountdownInterval: getdur("COUNTDOWN_INTERVAL", time.Second),
		WaitingTTL:        getdur("WAITING_TTL", 5*time.Minute),
		TicketTTL:         getdur("QUEUE_TICKET_TTL", 5*time.Minute),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
