package authcore

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines a public type used by authcore APIs.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	Token        TokenConfig
	Session      SessionConfig
	Lockout      LockoutConfig
	TOTP         TOTPConfig
	Password     PasswordConfig
	Device       DeviceConfig
	Reset        ResetConfig
	Verification VerificationConfig
	Recovery     RecoveryConfig
	BackupCodes  BackupCodeConfig
	Suspicion    SuspicionConfig
	Audit        AuditConfig
	Notify       NotifyConfig
	Metrics      MetricsConfig
}

// TokenConfig defines a public type used by authcore APIs.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	SigningKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// SessionConfig defines a public type used by authcore APIs.
type SessionConfig struct {
	RedisPrefix string
	MaxAge      time.Duration
	IdleTimeout time.Duration
}

// LockoutConfig defines a public type used by authcore APIs.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// TOTPConfig defines a public type used by authcore APIs.
type TOTPConfig struct {
	Issuer    string
	Period    int
	Digits    int
	Skew      int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
}

// PasswordConfig defines a public type used by authcore APIs.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// DeviceConfig defines a public type used by authcore APIs.
type DeviceConfig struct {
	MaxActiveDevices int
	VerificationTTL  time.Duration
}

// ResetConfig defines a public type used by authcore APIs.
type ResetConfig struct {
	TokenTTL time.Duration
}

// VerificationConfig defines a public type used by authcore APIs.
type VerificationConfig struct {
	TokenTTL        time.Duration
	RequireForLogin bool
}

// RecoveryConfig defines a public type used by authcore APIs.
type RecoveryConfig struct {
	TokenTTL time.Duration
}

// BackupCodeConfig defines a public type used by authcore APIs.
type BackupCodeConfig struct {
	Count int
}

// SuspicionConfig defines a public type used by authcore APIs.
type SuspicionConfig struct {
	Enabled               bool
	Window                time.Duration
	DistinctAddrThreshold int
}

// AuditConfig defines a public type used by authcore APIs.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// NotifyConfig defines a public type used by authcore APIs.
type NotifyConfig struct {
	BufferSize    int
	RatePerSecond float64
	Burst         int
}

// MetricsConfig defines a public type used by authcore APIs.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "hs256",
			Issuer:        "authcore",
			Audience:      "authcore",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "as",
			MaxAge:      7 * 24 * time.Hour,
			IdleTimeout: 30 * time.Minute,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  30 * time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:    "authcore",
			Period:    30,
			Digits:    6,
			Skew:      1,
			Algorithm: "SHA1",
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           2,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Device: DeviceConfig{
			MaxActiveDevices: 10,
			VerificationTTL:  24 * time.Hour,
		},
		Reset: ResetConfig{
			TokenTTL: time.Hour,
		},
		Verification: VerificationConfig{
			TokenTTL:        48 * time.Hour,
			RequireForLogin: false,
		},
		Recovery: RecoveryConfig{
			TokenTTL: 48 * time.Hour,
		},
		BackupCodes: BackupCodeConfig{
			Count: 10,
		},
		Suspicion: SuspicionConfig{
			Enabled:               true,
			Window:                time.Hour,
			DistinctAddrThreshold: 4,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Notify: NotifyConfig{
			BufferSize:    256,
			RatePerSecond: 10,
			Burst:         20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate fails fast on configurations that would weaken the credential
// protocol at runtime. Engine construction refuses invalid configs rather
// than degrading silently.
func (c *Config) Validate() error {
	switch {
	case c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0:
		return errors.New("token TTLs must be positive")
	case c.Token.AccessTTL >= c.Token.RefreshTTL:
		return errors.New("access TTL must be shorter than refresh TTL")
	case c.Session.MaxAge <= 0:
		return errors.New("session max age must be positive")
	case c.Session.IdleTimeout <= 0 || c.Session.IdleTimeout > c.Session.MaxAge:
		return errors.New("session idle timeout must be positive and within max age")
	case c.Lockout.Threshold < 1:
		return errors.New("lockout threshold must be at least 1")
	case c.Lockout.Duration <= 0:
		return errors.New("lockout duration must be positive")
	case c.TOTP.Period < 15 || c.TOTP.Period > 120:
		return errors.New("totp period out of range")
	case c.TOTP.Digits < 6 || c.TOTP.Digits > 10:
		return errors.New("totp digits out of range")
	case c.TOTP.Skew < 0 || c.TOTP.Skew > 2:
		return errors.New("totp skew out of range")
	case !validTOTPAlgorithm(c.TOTP.Algorithm):
		return errors.New("unsupported totp algorithm")
	case c.Device.MaxActiveDevices < 1:
		return errors.New("device limit must be at least 1")
	case c.Device.VerificationTTL <= 0:
		return errors.New("device verification TTL must be positive")
	case c.Reset.TokenTTL <= 0:
		return errors.New("reset token TTL must be positive")
	case c.Verification.TokenTTL <= 0:
		return errors.New("verification token TTL must be positive")
	case c.Recovery.TokenTTL <= 0:
		return errors.New("recovery token TTL must be positive")
	case c.BackupCodes.Count < 1 || c.BackupCodes.Count > 32:
		return errors.New("backup code count out of range")
	}

	if c.Suspicion.Enabled {
		if c.Suspicion.Window <= 0 || c.Suspicion.DistinctAddrThreshold < 2 {
			return errors.New("invalid suspicion heuristic configuration")
		}
	}

	return nil
}

func validTOTPAlgorithm(algorithm string) bool {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
		return true
	}
	return false
}

// cloneConfig takes a defensive copy so a caller mutating its Config after
// engine construction cannot change engine behavior.
func cloneConfig(c Config) Config {
	out := c
	out.Token.SigningKey = append([]byte(nil), c.Token.SigningKey...)
	out.Token.PublicKey = append([]byte(nil), c.Token.PublicKey...)
	return out
}

// envConfig is the flat environment mapping consumed by
// [LoadConfigFromEnv]. Only deploy-time knobs are exposed; protocol
// parameters stay in code.
type envConfig struct {
	AccessTTL     time.Duration `env:"AUTHCORE_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"AUTHCORE_REFRESH_TTL" envDefault:"168h"`
	SigningMethod string        `env:"AUTHCORE_SIGNING_METHOD" envDefault:"hs256"`
	SigningKey    string        `env:"AUTHCORE_SIGNING_KEY,unset"`
	Issuer        string        `env:"AUTHCORE_ISSUER" envDefault:"authcore"`
	Audience      string        `env:"AUTHCORE_AUDIENCE" envDefault:"authcore"`

	SessionMaxAge      time.Duration `env:"AUTHCORE_SESSION_MAX_AGE" envDefault:"168h"`
	SessionIdleTimeout time.Duration `env:"AUTHCORE_SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	RedisPrefix        string        `env:"AUTHCORE_REDIS_PREFIX" envDefault:"as"`

	LockoutThreshold int           `env:"AUTHCORE_LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration  time.Duration `env:"AUTHCORE_LOCKOUT_DURATION" envDefault:"30m"`

	TOTPIssuer string `env:"AUTHCORE_TOTP_ISSUER" envDefault:"authcore"`

	MaxActiveDevices int `env:"AUTHCORE_MAX_ACTIVE_DEVICES" envDefault:"10"`

	AuditEnabled   bool `env:"AUTHCORE_AUDIT_ENABLED" envDefault:"true"`
	MetricsEnabled bool `env:"AUTHCORE_METRICS_ENABLED" envDefault:"true"`
}

// LoadConfigFromEnv builds a Config from AUTHCORE_* environment variables
// layered over the defaults. The signing key is consumed from the
// environment and unset afterwards.
func LoadConfigFromEnv() (Config, error) {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	cfg.Token.AccessTTL = e.AccessTTL
	cfg.Token.RefreshTTL = e.RefreshTTL
	cfg.Token.SigningMethod = e.SigningMethod
	cfg.Token.SigningKey = []byte(e.SigningKey)
	cfg.Token.Issuer = e.Issuer
	cfg.Token.Audience = e.Audience
	cfg.Session.MaxAge = e.SessionMaxAge
	cfg.Session.IdleTimeout = e.SessionIdleTimeout
	cfg.Session.RedisPrefix = e.RedisPrefix
	cfg.Lockout.Threshold = e.LockoutThreshold
	cfg.Lockout.Duration = e.LockoutDuration
	cfg.TOTP.Issuer = e.TOTPIssuer
	cfg.Device.MaxActiveDevices = e.MaxActiveDevices
	cfg.Audit.Enabled = e.AuditEnabled
	cfg.Metrics.Enabled = e.MetricsEnabled

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
