package config

import (
	"os"
	"time"
)

// Server captures vault server level configuration.
type Server struct {
	Addr            string
	CapabilityKey   string
	ShutdownTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	capabilityKey := os.Getenv("VAULT_CAPABILITY_KEY")
	if capabilityKey == "" {
		// Development default, override in production.
		capabilityKey = "dev-capability-key-change-in-production"
	}

	shutdown := 10 * time.Second
	if s := os.Getenv("VAULT_SHUTDOWN_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			shutdown = d
		}
	}

	return Server{
		Addr:            addr,
		CapabilityKey:   capabilityKey,
		ShutdownTimeout: shutdown,
	}
}
