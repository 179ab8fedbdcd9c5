package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/driftbox/authcore/password"
	"github.com/driftbox/authcore/session"
	"github.com/driftbox/authcore/token"
)

// Builder defines a public type used by authcore APIs.
//
// Builder instances are intended to be configured during initialization
// and then treated as immutable.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	credentials CredentialStore
	devices     DeviceStore
	notifier    Notifier
	auditSink   AuditSink
	clock       Clock

	built bool
}

// New returns a builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing the session store and the
// suspicious-activity heuristic.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore sets the account database adapter.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithDeviceStore sets the device trust database adapter.
func (b *Builder) WithDeviceStore(store DeviceStore) *Builder {
	b.devices = store
	return b
}

// WithNotifier sets the out-of-band delivery collaborator.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithAuditSink sets the destination for the append-only security log.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the time source. Intended for tests.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithSigningKey sets the token signing key on the current configuration.
func (b *Builder) WithSigningKey(key []byte) *Builder {
	b.config.Token.SigningKey = append([]byte(nil), key...)
	return b
}

// Build validates the assembled dependencies and constructs the [Engine].
// A builder is single use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}
	if b.devices == nil {
		return nil, errors.New("device store required")
	}

	clock := b.clock
	if clock == nil {
		clock = SystemClock()
	}

	tokens, err := token.NewService(token.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		SigningKey:    append([]byte(nil), cfg.Token.SigningKey...),
		PublicKey:     append([]byte(nil), cfg.Token.PublicKey...),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}
	tokens.WithClock(clock.Now)

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix, session.Config{
		MaxAge:      cfg.Session.MaxAge,
		IdleTimeout: cfg.Session.IdleTimeout,
	}).WithClock(clock.Now)

	engine := &Engine{
		config:      cfg,
		credentials: b.credentials,
		devices:     b.devices,
		sessions:    sessions,
		tokens:      tokens,
		hasher:      hasher,
		totp:        newTOTPManager(cfg.TOTP),
		lockout:     newLockoutGuard(b.credentials, cfg.Lockout, clock),
		suspicion:   newSuspicionTracker(b.redis, cfg.Suspicion),
		audit:       newAuditDispatcher(cfg.Audit, b.auditSink),
		notify:      newNotifyDispatcher(cfg.Notify, b.notifier),
		metrics:     NewMetrics(cfg.Metrics),
		clock:       clock,
	}

	b.built = true

	return engine, nil
}
