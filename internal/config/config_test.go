package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"SOFTDIAL_DATA_DIR", "SOFTDIAL_HTTP_PORT", "SOFTDIAL_SIP_PORT",
		"SOFTDIAL_SIP_HOST", "SOFTDIAL_LOG_LEVEL", "SOFTDIAL_SETTLE_DELAY",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"softdial"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPTransport != defaultSIPTransport {
		t.Errorf("SIPTransport = %q, want %q", cfg.SIPTransport, defaultSIPTransport)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.SettleDelay != 0 {
		t.Errorf("SettleDelay = %s, want 0 (engine default)", cfg.SettleDelay)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"softdial"}
	t.Setenv("SOFTDIAL_HTTP_PORT", "9090")
	t.Setenv("SOFTDIAL_DATA_DIR", "/tmp/softdial-test")
	t.Setenv("SOFTDIAL_LOG_LEVEL", "debug")
	t.Setenv("SOFTDIAL_SIP_HOST", "sip.example.net")
	t.Setenv("SOFTDIAL_SETTLE_DELAY", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/softdial-test" {
		t.Errorf("DataDir = %q, want /tmp/softdial-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.SIPHost != "sip.example.net" {
		t.Errorf("SIPHost = %q, want sip.example.net", cfg.SIPHost)
	}
	if cfg.SettleDelay != 2*time.Second {
		t.Errorf("SettleDelay = %s, want 2s", cfg.SettleDelay)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"softdial", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("SOFTDIAL_HTTP_PORT", "9090")
	t.Setenv("SOFTDIAL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad http port", []string{"softdial", "--http-port", "0"}},
		{"bad sip port", []string{"softdial", "--sip-port", "70000"}},
		{"bad transport", []string{"softdial", "--sip-transport", "sctp"}},
		{"bad log level", []string{"softdial", "--log-level", "verbose"}},
		{"bad log format", []string{"softdial", "--log-format", "xml"}},
		{"short expiry", []string{"softdial", "--sip-expiry", "10"}},
		{"negative timeout", []string{"softdial", "--settle-delay", "-1s"}},
		{"backoff inverted", []string{"softdial", "--reconnect-base", "10s", "--reconnect-max", "1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			if _, err := Load(); err == nil {
				t.Errorf("expected validation error for %v", tt.args)
			}
		})
	}
}

func TestTimeoutsOverride(t *testing.T) {
	cfg := &Config{
		SettleDelay:        2 * time.Second,
		ProgressionTimeout: time.Minute,
	}

	timeouts := cfg.Timeouts()
	if timeouts.SettleDelay != 2*time.Second {
		t.Errorf("SettleDelay = %s, want 2s", timeouts.SettleDelay)
	}
	if timeouts.Progression != time.Minute {
		t.Errorf("Progression = %s, want 1m", timeouts.Progression)
	}
	// Unset knobs keep the engine defaults.
	if timeouts.EarlyFailure == 0 {
		t.Error("expected EarlyFailure to keep the engine default")
	}
	if timeouts.SafetyReset == 0 {
		t.Error("expected SafetyReset to keep the engine default")
	}
}

func TestJWTSecretBytes(t *testing.T) {
	t.Run("generated when empty", func(t *testing.T) {
		cfg := &Config{}
		key, err := cfg.JWTSecretBytes()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(key) != 32 {
			t.Errorf("expected 32-byte key, got %d", len(key))
		}
		if cfg.JWTSecret == "" {
			t.Error("expected generated secret to be stored back")
		}
	})

	t.Run("decodes configured secret", func(t *testing.T) {
		cfg := &Config{JWTSecret: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"}
		key, err := cfg.JWTSecretBytes()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(key) != 32 || key[1] != 0x01 {
			t.Errorf("unexpected key: %x", key)
		}
	})

	t.Run("rejects short secret", func(t *testing.T) {
		cfg := &Config{JWTSecret: "abcd"}
		if _, err := cfg.JWTSecretBytes(); err == nil {
			t.Error("expected error for short secret")
		}
	})
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
