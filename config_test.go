package authcore

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"access ttl not below refresh", func(c *Config) { c.Token.AccessTTL = c.Token.RefreshTTL }},
		{"zero session max age", func(c *Config) { c.Session.MaxAge = 0 }},
		{"idle timeout above max age", func(c *Config) { c.Session.IdleTimeout = c.Session.MaxAge + time.Hour }},
		{"zero lockout threshold", func(c *Config) { c.Lockout.Threshold = 0 }},
		{"zero lockout duration", func(c *Config) { c.Lockout.Duration = 0 }},
		{"totp period too short", func(c *Config) { c.TOTP.Period = 5 }},
		{"totp digits too few", func(c *Config) { c.TOTP.Digits = 4 }},
		{"totp skew too wide", func(c *Config) { c.TOTP.Skew = 3 }},
		{"unknown totp algorithm", func(c *Config) { c.TOTP.Algorithm = "MD5" }},
		{"zero device limit", func(c *Config) { c.Device.MaxActiveDevices = 0 }},
		{"zero reset ttl", func(c *Config) { c.Reset.TokenTTL = 0 }},
		{"backup code count out of range", func(c *Config) { c.BackupCodes.Count = 64 }},
		{"suspicion threshold too low", func(c *Config) { c.Suspicion.DistinctAddrThreshold = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AUTHCORE_ACCESS_TTL", "5m")
	t.Setenv("AUTHCORE_LOCKOUT_THRESHOLD", "3")
	t.Setenv("AUTHCORE_SIGNING_KEY", "0123456789abcdef0123456789abcdef")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}

	if cfg.Token.AccessTTL != 5*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.Token.AccessTTL)
	}
	if cfg.Lockout.Threshold != 3 {
		t.Fatalf("Threshold = %d", cfg.Lockout.Threshold)
	}
	if string(cfg.Token.SigningKey) != "0123456789abcdef0123456789abcdef" {
		t.Fatal("signing key not loaded")
	}
}

func TestCloneConfigIsolatesKeys(t *testing.T) {
	cfg := defaultConfig()
	cfg.Token.SigningKey = []byte("0123456789abcdef0123456789abcdef")

	cloned := cloneConfig(cfg)
	cfg.Token.SigningKey[0] = 'X'

	if cloned.Token.SigningKey[0] == 'X' {
		t.Fatal("clone shares key storage with original")
	}
}
