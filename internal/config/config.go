// Package config loads the environment-driven settings for the demo
// relay and client binaries.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// loadEnvFiles loads environment files as a cascade: a base .env, then a
// NODE_ENV-specific override, then a local override on top. godotenv.Load
// never replaces a variable that is already set, so the files are loaded
// from the most specific to the least; variables already present in the
// process environment win over every file.
func loadEnvFiles() {
	_ = godotenv.Load(".env.local")
	env := os.Getenv("NODE_ENV")
	if env == "" {
		if base, err := godotenv.Read(); err == nil {
			env = base["NODE_ENV"]
		}
	}
	if env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load()
}

// RelayConfig configures the cmd/e2erelay frame-forwarding server.
type RelayConfig struct {
	ListenAddr    string
	RedisURL      string
	InstanceID    string
	MetricsAddr   string
	HandshakeIdle time.Duration
}

// ClientConfig configures the cmd/e2eclient demo participant.
type ClientConfig struct {
	RelayURL     string
	WalletDBPath string
	Address      string
}

// LoadRelayConfig reads environment files then environment variables,
// falling back to development defaults for anything unset.
func LoadRelayConfig() *RelayConfig {
	loadEnvFiles()
	return &RelayConfig{
		ListenAddr:    getEnv("RELAY_LISTEN_ADDR", ":8443"),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		InstanceID:    getEnv("RELAY_INSTANCE_ID", "relay-1"),
		MetricsAddr:   getEnv("METRICS_LISTEN_ADDR", ":9090"),
		HandshakeIdle: getEnvDuration("RELAY_IDLE_TIMEOUT", 60*time.Second),
	}
}

// LoadClientConfig reads environment files then environment variables.
// Address (WALLET_ADDRESS) is MustGetEnv'd: a demo client with no wallet address
// to act as has nothing to do.
func LoadClientConfig() *ClientConfig {
	loadEnvFiles()
	return &ClientConfig{
		RelayURL:     getEnv("RELAY_URL", "ws://localhost:8443/ws"),
		WalletDBPath: getEnv("WALLET_DB_PATH", "walletseed.db"),
		Address:      MustGetEnv("WALLET_ADDRESS"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return defaultValue
}

// MustGetEnv retrieves an environment variable or fails the process —
// used for values with no sane default, like which wallet the demo
// client is acting as.
func MustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("FATAL: required environment variable %s is not set", key)
	}
	return value
}
