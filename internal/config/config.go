// Package config loads runtime configuration for the kryptofon endpoint.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for a kryptofon endpoint process.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// RendezvousHost/RendezvousPort address the shared line-oriented
	// broadcast relay used for signaling.
	RendezvousHost string
	RendezvousPort int

	// LocalUser is this endpoint's user id on the rendezvous channel.
	// Whitespace runs are collapsed to '-' on emission.
	LocalUser string

	// UDPPortBase is the start of the [base, base+100) range the
	// datagram channel scans for a free port to bind.
	UDPPortBase int

	// IdentityDir overrides the default $HOME/.mykf directory for
	// persisted keys and the authorized-keys trust store.
	IdentityDir string

	// AutoAnswer, if true, accepts inbound invites without waiting for
	// user confirmation.
	AutoAnswer bool

	// RingTimeout bounds how long an outstanding invite waits for a RING
	// before the call is failed and the engine returns to idle.
	RingTimeout int // seconds

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultRendezvousHost = "localhost"
	defaultRendezvousPort = 6668
	defaultUDPPortBase    = 19000
	defaultRingTimeout    = 3
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all kryptofon environment variables.
const envPrefix = "KFON_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("kryptofon", flag.ContinueOnError)

	fs.StringVar(&cfg.RendezvousHost, "host", defaultRendezvousHost, "rendezvous relay hostname")
	fs.IntVar(&cfg.RendezvousPort, "port", defaultRendezvousPort, "rendezvous relay TCP port")
	fs.StringVar(&cfg.LocalUser, "user", "", "local user id announced on the rendezvous channel")
	fs.IntVar(&cfg.UDPPortBase, "udp-port-base", defaultUDPPortBase, "start of the UDP port range scanned for the datagram channel")
	fs.StringVar(&cfg.IdentityDir, "identity-dir", "", "directory for persisted identity keys and authorized-keys file (default $HOME/.mykf)")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", false, "accept inbound invites without waiting for user confirmation")
	fs.IntVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "seconds to wait for RING after INVITE before failing the call")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"host":          envPrefix + "HOST",
		"port":          envPrefix + "PORT",
		"user":          envPrefix + "USER",
		"udp-port-base": envPrefix + "UDP_PORT_BASE",
		"identity-dir":  envPrefix + "IDENTITY_DIR",
		"auto-answer":   envPrefix + "AUTO_ANSWER",
		"ring-timeout":  envPrefix + "RING_TIMEOUT",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "host":
			cfg.RendezvousHost = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RendezvousPort = v
			}
		case "user":
			cfg.LocalUser = val
		case "udp-port-base":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.UDPPortBase = v
			}
		case "identity-dir":
			cfg.IdentityDir = val
		case "auto-answer":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AutoAnswer = v
			}
		case "ring-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RingTimeout = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.RendezvousPort < 1 || c.RendezvousPort > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.RendezvousPort)
	}
	if c.UDPPortBase < 1024 || c.UDPPortBase > 65435 {
		return fmt.Errorf("udp-port-base must be between 1024 and 65435, got %d", c.UDPPortBase)
	}
	if c.RingTimeout < 1 {
		return fmt.Errorf("ring-timeout must be at least 1 second, got %d", c.RingTimeout)
	}
	if strings.TrimSpace(c.LocalUser) == "" {
		return fmt.Errorf("user must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
