package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/softdial/softdial/internal/callflow"
)

// Config holds all runtime configuration for the softdial server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for dialer JWT signing
	ArchiveDSN  string // optional Postgres DSN for the call record archive
	CallerID    string // E.164 number presented on outbound calls

	// SIP provider account.
	SIPHost         string
	SIPPort         int
	SIPTransport    string
	SIPUsername     string
	SIPAuthUsername string
	SIPPassword     string
	SIPListenAddr   string
	SIPExpiry       int
	ExternalIP      string // public IP for SDP (auto-detected if empty)
	MediaPort       int

	// Call flow timing policy. Zero values fall back to the engine defaults.
	SettleDelay         time.Duration
	EarlyFailureTimeout time.Duration
	SafetyResetTimeout  time.Duration
	ProgressionTimeout  time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultSIPPort      = 5060
	defaultSIPTransport = "udp"
	defaultSIPListen    = "0.0.0.0:5090"
	defaultSIPExpiry    = 300
	defaultMediaPort    = 10000
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all softdial environment variables.
const envPrefix = "SOFTDIAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("softdial", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for dialer JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.ArchiveDSN, "archive-dsn", "", "Postgres DSN for mirroring call records (disabled if empty)")
	fs.StringVar(&cfg.CallerID, "caller-id", "", "number presented on outbound calls")

	fs.StringVar(&cfg.SIPHost, "sip-host", "", "SIP provider host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP provider port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp, tls)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPAuthUsername, "sip-auth-username", "", "SIP digest auth username (defaults to sip-username)")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen-addr", defaultSIPListen, "local SIP listen address")
	fs.IntVar(&cfg.SIPExpiry, "sip-expiry", defaultSIPExpiry, "SIP registration expiry in seconds")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP (auto-detected if empty)")
	fs.IntVar(&cfg.MediaPort, "media-port", defaultMediaPort, "local UDP port offered for media")

	fs.DurationVar(&cfg.SettleDelay, "settle-delay", 0, "how long the ended state stays visible before resetting to idle")
	fs.DurationVar(&cfg.EarlyFailureTimeout, "early-failure-timeout", 0, "time allowed in trying before the call is failed")
	fs.DurationVar(&cfg.SafetyResetTimeout, "safety-reset-timeout", 0, "provider silence allowed while a call is connecting")
	fs.DurationVar(&cfg.ProgressionTimeout, "progression-timeout", 0, "time allowed for a call to reach ringing or answered")
	fs.DurationVar(&cfg.ReconnectBase, "reconnect-base", 0, "base delay for reconnection backoff")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max", 0, "maximum delay for reconnection backoff")

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

	stringTargets := map[string]*string{
		"data-dir":          &cfg.DataDir,
		"log-level":         &cfg.LogLevel,
		"log-format":        &cfg.LogFormat,
		"cors-origins":      &cfg.CORSOrigins,
		"jwt-secret":        &cfg.JWTSecret,
		"archive-dsn":       &cfg.ArchiveDSN,
		"caller-id":         &cfg.CallerID,
		"sip-host":          &cfg.SIPHost,
		"sip-transport":     &cfg.SIPTransport,
		"sip-username":      &cfg.SIPUsername,
		"sip-auth-username": &cfg.SIPAuthUsername,
		"sip-password":      &cfg.SIPPassword,
		"sip-listen-addr":   &cfg.SIPListenAddr,
		"external-ip":       &cfg.ExternalIP,
	}
	intTargets := map[string]*int{
		"http-port":  &cfg.HTTPPort,
		"sip-port":   &cfg.SIPPort,
		"sip-expiry": &cfg.SIPExpiry,
		"media-port": &cfg.MediaPort,
	}
	durationTargets := map[string]*time.Duration{
		"settle-delay":          &cfg.SettleDelay,
		"early-failure-timeout": &cfg.EarlyFailureTimeout,
		"safety-reset-timeout":  &cfg.SafetyResetTimeout,
		"progression-timeout":   &cfg.ProgressionTimeout,
		"reconnect-base":        &cfg.ReconnectBase,
		"reconnect-max":         &cfg.ReconnectMax,
	}

	for flagName, target := range stringTargets {
		if set[flagName] {
			continue
		}
		if val, ok := lookupEnv(flagName); ok {
			*target = val
		}
	}
	for flagName, target := range intTargets {
		if set[flagName] {
			continue
		}
		if val, ok := lookupEnv(flagName); ok {
			if v, err := strconv.Atoi(val); err == nil {
				*target = v
			}
		}
	}
	for flagName, target := range durationTargets {
		if set[flagName] {
			continue
		}
		if val, ok := lookupEnv(flagName); ok {
			if v, err := time.ParseDuration(val); err == nil {
				*target = v
			}
		}
	}
}

// lookupEnv resolves a flag name to its SOFTDIAL_ env var value.
func lookupEnv(flagName string) (string, bool) {
	envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	val, ok := os.LookupEnv(envVar)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.MediaPort < 1024 || c.MediaPort > 65534 {
		return fmt.Errorf("media-port must be between 1024 and 65534, got %d", c.MediaPort)
	}
	if c.SIPExpiry < 60 {
		return fmt.Errorf("sip-expiry must be at least 60 seconds, got %d", c.SIPExpiry)
	}

	validTransports := map[string]bool{"udp": true, "tcp": true, "tls": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

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

	for name, d := range map[string]time.Duration{
		"settle-delay":          c.SettleDelay,
		"early-failure-timeout": c.EarlyFailureTimeout,
		"safety-reset-timeout":  c.SafetyResetTimeout,
		"progression-timeout":   c.ProgressionTimeout,
		"reconnect-base":        c.ReconnectBase,
		"reconnect-max":         c.ReconnectMax,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.ReconnectMax != 0 && c.ReconnectBase > c.ReconnectMax {
		return fmt.Errorf("reconnect-base must not exceed reconnect-max")
	}

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address to use in SDP offers. If ExternalIP is
// configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
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

// Timeouts returns the engine timing policy with configured overrides
// applied on top of the tuned defaults.
func (c *Config) Timeouts() callflow.Timeouts {
	t := callflow.DefaultTimeouts()
	if c.SettleDelay > 0 {
		t.SettleDelay = c.SettleDelay
	}
	if c.EarlyFailureTimeout > 0 {
		t.EarlyFailure = c.EarlyFailureTimeout
	}
	if c.SafetyResetTimeout > 0 {
		t.SafetyReset = c.SafetyResetTimeout
	}
	if c.ProgressionTimeout > 0 {
		t.Progression = c.ProgressionTimeout
	}
	if c.ReconnectBase > 0 {
		t.ReconnectBase = c.ReconnectBase
	}
	if c.ReconnectMax > 0 {
		t.ReconnectMax = c.ReconnectMax
	}
	return t
}
