package authcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/driftbox/authcore/fingerprint"
	"github.com/driftbox/authcore/internal"
	"github.com/driftbox/authcore/password"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memCredentialStore is an in-memory CredentialStore with the same
// transition semantics a SQL implementation provides.
type memCredentialStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	byEmail  map[string]string
	backup   map[string]map[[32]byte]bool
}

func newMemCredentialStore() *memCredentialStore {
	return &memCredentialStore{
		accounts: map[string]*Account{},
		byEmail:  map[string]string{},
		backup:   map[string]map[[32]byte]bool{},
	}
}

func cloneAccount(a *Account) *Account {
	out := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		out.LockedUntil = &t
	}
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		out.LastLoginAt = &t
	}
	out.TOTPSecret = append([]byte(nil), a.TOTPSecret...)
	return &out
}

func (s *memCredentialStore) CreateAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[account.Email]; ok {
		return ErrAccountExists
	}
	s.accounts[account.ID] = cloneAccount(account)
	s.byEmail[account.Email] = account.ID
	return nil
}

func (s *memCredentialStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *memCredentialStore) GetAccountByID(_ context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (s *memCredentialStore) mutate(accountID string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	fn(account)
	return nil
}

func (s *memCredentialStore) UpdatePasswordHash(_ context.Context, accountID, newHash string) error {
	return s.mutate(accountID, func(a *Account) { a.PasswordHash = newHash })
}

func (s *memCredentialStore) RecordLoginFailure(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	account.FailedAttempts++
	return account.FailedAttempts, nil
}

func (s *memCredentialStore) SetLock(_ context.Context, accountID string, until time.Time) error {
	return s.mutate(accountID, func(a *Account) { a.LockedUntil = &until })
}

func (s *memCredentialStore) RecordLoginSuccess(_ context.Context, accountID string, at time.Time) error {
	return s.mutate(accountID, func(a *Account) {
		a.FailedAttempts = 0
		a.LockedUntil = nil
		a.LastLoginAt = &at
	})
}

func (s *memCredentialStore) SetVerificationToken(_ context.Context, accountID string, hash [32]byte, until time.Time) error {
	return s.mutate(accountID, func(a *Account) {
		a.VerificationTokenHash = hash
		a.VerificationExpiry = until
	})
}

func (s *memCredentialStore) MarkEmailVerified(_ context.Context, accountID string) error {
	return s.mutate(accountID, func(a *Account) {
		a.EmailVerified = true
		a.VerificationTokenHash = [32]byte{}
	})
}

func (s *memCredentialStore) SetResetToken(_ context.Context, accountID string, hash [32]byte, until time.Time) error {
	return s.mutate(accountID, func(a *Account) {
		a.ResetTokenHash = hash
		a.ResetTokenUntil = until
	})
}

func (s *memCredentialStore) ClearResetToken(_ context.Context, accountID string) error {
	return s.mutate(accountID, func(a *Account) {
		a.ResetTokenHash = [32]byte{}
		a.ResetTokenUntil = time.Time{}
	})
}

func (s *memCredentialStore) SetTOTPSecret(_ context.Context, accountID string, secret []byte) error {
	return s.mutate(accountID, func(a *Account) {
		a.TOTPSecret = append([]byte(nil), secret...)
	})
}

func (s *memCredentialStore) SetRecoveryEmail(_ context.Context, accountID, email string, hash [32]byte, until time.Time) error {
	return s.mutate(accountID, func(a *Account) {
		a.RecoveryEmail = email
		a.RecoveryEmailVerified = false
		a.RecoveryTokenHash = hash
		a.RecoveryTokenUntil = until
	})
}

func (s *memCredentialStore) MarkRecoveryEmailVerified(_ context.Context, accountID string) error {
	return s.mutate(accountID, func(a *Account) {
		a.RecoveryEmailVerified = true
		a.RecoveryTokenHash = [32]byte{}
	})
}

func (s *memCredentialStore) ReplaceBackupCodes(_ context.Context, accountID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	set := map[[32]byte]bool{}
	for _, h := range hashes {
		set[h] = true
	}
	s.backup[accountID] = set
	return nil
}

func (s *memCredentialStore) ConsumeBackupCode(_ context.Context, accountID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.backup[accountID]
	if !set[hash] {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

// memDeviceStore is an in-memory DeviceStore.
type memDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: map[string]*Device{}}
}

func cloneDevice(d *Device) *Device {
	out := *d
	if d.RevokedAt != nil {
		t := *d.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

func (s *memDeviceStore) CreateDevice(_ context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = cloneDevice(device)
	return nil
}

func (s *memDeviceStore) GetDevice(_ context.Context, deviceID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return cloneDevice(device), nil
}

func (s *memDeviceStore) GetDeviceByFingerprint(_ context.Context, accountID string, fingerprintHash [32]byte) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *Device
	for _, device := range s.devices {
		if device.AccountID != accountID || device.FingerprintHash != fingerprintHash {
			continue
		}
		if newest == nil || device.CreatedAt.After(newest.CreatedAt) {
			newest = device
		}
	}
	if newest == nil {
		return nil, ErrDeviceNotFound
	}
	return cloneDevice(newest), nil
}

func (s *memDeviceStore) GetPrimaryDevice(_ context.Context, accountID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.devices {
		if device.AccountID == accountID && device.Primary && device.RevokedAt == nil {
			return cloneDevice(device), nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (s *memDeviceStore) ListDevices(_ context.Context, accountID string) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, device := range s.devices {
		if device.AccountID == accountID {
			out = append(out, cloneDevice(device))
		}
	}
	return out, nil
}

func (s *memDeviceStore) CountActiveDevices(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, device := range s.devices {
		if device.AccountID == accountID && device.RevokedAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *memDeviceStore) mutate(deviceID string, fn func(*Device)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	fn(device)
	return nil
}

func (s *memDeviceStore) SetDeviceVerificationToken(_ context.Context, deviceID string, hash [32]byte, until time.Time) error {
	return s.mutate(deviceID, func(d *Device) {
		d.VerificationTokenHash = hash
		d.VerificationExpiry = until
	})
}

func (s *memDeviceStore) MarkDeviceVerified(_ context.Context, deviceID string) error {
	return s.mutate(deviceID, func(d *Device) {
		d.Verified = true
		d.VerificationTokenHash = [32]byte{}
	})
}

func (s *memDeviceStore) TouchDevice(_ context.Context, deviceID string, at time.Time) error {
	return s.mutate(deviceID, func(d *Device) { d.LastUsedAt = at })
}

func (s *memDeviceStore) RevokeDevice(_ context.Context, deviceID string, at time.Time) error {
	return s.mutate(deviceID, func(d *Device) {
		if d.RevokedAt == nil {
			d.RevokedAt = &at
		}
	})
}

// captureNotifier records notifications for assertions.
type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *captureNotifier) Send(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *captureNotifier) count(kind NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, sent := range n.sent {
		if sent.Kind == kind {
			count++
		}
	}
	return count
}

func (n *captureNotifier) last(kind NotificationKind) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Kind == kind {
			return n.sent[i], true
		}
	}
	return Notification{}, false
}

type testEnv struct {
	engine   *Engine
	clock    *fakeClock
	accounts *memCredentialStore
	devices  *memDeviceStore
	notifier *captureNotifier
	hasher   *password.Hasher
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	// Minimum argon2 parameters keep the suite fast.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEnv(t *testing.T, adjust ...func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	accounts := newMemCredentialStore()
	devices := newMemDeviceStore()
	notifier := &captureNotifier{}

	cfg := testConfig()
	for _, fn := range adjust {
		fn(&cfg)
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithCredentialStore(accounts).
		WithDeviceStore(devices).
		WithNotifier(notifier).
		WithClock(clock).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	return &testEnv{
		engine:   engine,
		clock:    clock,
		accounts: accounts,
		devices:  devices,
		notifier: notifier,
		hasher:   hasher,
	}
}

// seedAccount creates a verified account directly in the store.
func (env *testEnv) seedAccount(t *testing.T, email, pass string) *Account {
	t.Helper()

	hash, err := env.hasher.Hash(pass)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	account := &Account{
		ID:            internal.NewID(),
		Email:         email,
		PasswordHash:  hash,
		Role:          "member",
		EmailVerified: true,
		CreatedAt:     env.clock.Now(),
	}
	if err := env.accounts.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return account
}

// seedTrustedDevice plants a verified primary device for the given client
// signals directly in the store, standing in for a completed bootstrap
// and verification handshake.
func (env *testEnv) seedTrustedDevice(t *testing.T, accountID, addr, signature string) *Device {
	t.Helper()

	fp := fingerprint.Derive(signature, addr)
	device := &Device{
		ID:              internal.NewID(),
		AccountID:       accountID,
		FingerprintHash: fp.Hash,
		DisplayName:     fp.DisplayName,
		Kind:            string(fp.Kind),
		Primary:         true,
		Verified:        true,
		LastUsedAt:      env.clock.Now(),
		CreatedAt:       env.clock.Now(),
	}
	if err := env.devices.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	return device
}

// waitNotification polls for an async notification of the given kind.
func (env *testEnv) waitNotification(t *testing.T, kind NotificationKind) Notification {
	t.Helper()
	return env.waitNotificationN(t, kind, 1)
}

// waitNotificationN polls until at least n notifications of the kind were
// delivered and returns the newest one.
func (env *testEnv) waitNotificationN(t *testing.T, kind NotificationKind, n int) Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.notifier.count(kind) >= n {
			latest, _ := env.notifier.last(kind)
			return latest
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %q notification delivered", kind)
	return Notification{}
}

// loginCtx attaches the client signals every login test needs.
func loginCtx(addr, signature string) context.Context {
	ctx := WithSourceAddr(context.Background(), addr)
	return WithClientSignature(ctx, signature)
}
