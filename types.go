package authcore

import (
	"context"
	"time"
)

// Account is the credential record owned by the [CredentialStore]. Counters
// and lock state change only through the named transitions on the store —
// flows never write fields directly.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string

	TOTPSecret []byte

	EmailVerified         bool
	VerificationTokenHash [32]byte
	VerificationExpiry    time.Time

	ResetTokenHash  [32]byte
	ResetTokenUntil time.Time

	RecoveryEmail         string
	RecoveryEmailVerified bool
	RecoveryTokenHash     [32]byte
	RecoveryTokenUntil    time.Time

	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	CreatedAt      time.Time
}

// Device is a trust record for one client fingerprint. A device that is
// revoked or unverified never satisfies the trusted-device predicate.
type Device struct {
	ID              string
	AccountID       string
	FingerprintHash [32]byte
	DisplayName     string
	Kind            string

	Primary  bool
	Verified bool

	VerificationTokenHash [32]byte
	VerificationExpiry    time.Time

	LastUsedAt time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// Revoked reports whether the device has been revoked as of now.
func (d *Device) Revoked() bool {
	return d != nil && d.RevokedAt != nil
}

// Trusted reports whether the device satisfies the access-control
// trusted-device predicate: verified and not revoked.
func (d *Device) Trusted() bool {
	return d != nil && d.Verified && d.RevokedAt == nil
}

// CredentialStore is the primary interface that callers must implement to
// integrate authcore with their account database. Account rows are mutated
// only through these named transitions so that counter and lock invariants
// hold under concurrent logins. RecordLoginFailure must be atomic at row
// level (read-modify-write increments are not acceptable); an overcount
// under concurrency is tolerable, a lost lock write is not.
//
// Implementations return [ErrAccountNotFound] for missing rows and
// [ErrAccountExists] for duplicate emails; infrastructure failures wrap
// [ErrStoreUnavailable].
type CredentialStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByID(ctx context.Context, accountID string) (*Account, error)

	UpdatePasswordHash(ctx context.Context, accountID, newHash string) error

	// RecordLoginFailure atomically increments the failed-attempt counter
	// and returns the new value.
	RecordLoginFailure(ctx context.Context, accountID string) (int, error)
	// SetLock writes the lock expiry. The counter is left as is; only a
	// subsequent RecordLoginSuccess clears it.
	SetLock(ctx context.Context, accountID string, until time.Time) error
	// RecordLoginSuccess resets the counter to zero, clears the lock
	// expiry, and updates the last-login timestamp.
	RecordLoginSuccess(ctx context.Context, accountID string, at time.Time) error

	SetVerificationToken(ctx context.Context, accountID string, hash [32]byte, until time.Time) error
	MarkEmailVerified(ctx context.Context, accountID string) error

	SetResetToken(ctx context.Context, accountID string, hash [32]byte, until time.Time) error
	ClearResetToken(ctx context.Context, accountID string) error

	SetTOTPSecret(ctx context.Context, accountID string, secret []byte) error

	SetRecoveryEmail(ctx context.Context, accountID, email string, hash [32]byte, until time.Time) error
	MarkRecoveryEmailVerified(ctx context.Context, accountID string) error

	ReplaceBackupCodes(ctx context.Context, accountID string, hashes [][32]byte) error
	// ConsumeBackupCode removes the matching hash and reports whether it
	// existed. A code is single use by construction.
	ConsumeBackupCode(ctx context.Context, accountID string, hash [32]byte) (bool, error)
}

// DeviceStore owns device rows. Rows are never mutated after revocation.
type DeviceStore interface {
	CreateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	// GetDeviceByFingerprint returns the device matching the fingerprint,
	// revoked rows included, or [ErrDeviceNotFound].
	GetDeviceByFingerprint(ctx context.Context, accountID string, fingerprintHash [32]byte) (*Device, error)
	// GetPrimaryDevice returns the non-revoked primary device for the
	// account, or [ErrDeviceNotFound].
	GetPrimaryDevice(ctx context.Context, accountID string) (*Device, error)
	ListDevices(ctx context.Context, accountID string) ([]*Device, error)
	CountActiveDevices(ctx context.Context, accountID string) (int, error)

	SetDeviceVerificationToken(ctx context.Context, deviceID string, hash [32]byte, until time.Time) error
	MarkDeviceVerified(ctx context.Context, deviceID string) error
	TouchDevice(ctx context.Context, deviceID string, at time.Time) error
	RevokeDevice(ctx context.Context, deviceID string, at time.Time) error
}

// LoginResult is returned by [Engine.Login]. When the evaluated device is
// still unverified, tokens are issued anyway and RequiresDeviceVerification
// is set so the caller can prompt for out-of-band confirmation.
//
// When RequiresTOTP is set, the issued pair is provisional: it cannot
// validate or refresh until [Engine.ConfirmTOTP] upgrades the session.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    string

	RequiresTOTP bool

	RequiresDeviceVerification bool
	DeviceID                   string
	DeviceVerificationToken    string
}

// TokenPair is returned by refresh and second-factor rotation operations.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
}

// AuthResult is returned by [Engine.Validate]. DeviceTrusted is false for
// device-less sessions and for sessions bound to unverified devices.
type AuthResult struct {
	AccountID string
	Email     string
	Role      string
	SessionID string

	DeviceID      string
	DeviceTrusted bool
}

// LockoutStatus is returned by [Engine.CheckLocked].
type LockoutStatus struct {
	Locked bool
	Until  time.Time
}

// NotificationKind identifies the template a [Notification] is rendered from.
type NotificationKind string

const (
	// NotifyEmailVerification is an exported constant or variable used by the account engine.
	NotifyEmailVerification NotificationKind = "email_verification"
	// NotifyPasswordReset is an exported constant or variable used by the account engine.
	NotifyPasswordReset NotificationKind = "password_reset"
	// NotifyPasswordChanged is an exported constant or variable used by the account engine.
	NotifyPasswordChanged NotificationKind = "password_changed"
	// NotifyDeviceVerification is an exported constant or variable used by the account engine.
	NotifyDeviceVerification NotificationKind = "device_verification"
	// NotifyNewDeviceAlert is an exported constant or variable used by the account engine.
	NotifyNewDeviceAlert NotificationKind = "new_device_alert"
	// NotifyAccountLocked is an exported constant or variable used by the account engine.
	NotifyAccountLocked NotificationKind = "account_locked"
	// NotifySuspiciousActivity is an exported constant or variable used by the account engine.
	NotifySuspiciousActivity NotificationKind = "suspicious_activity"
	// NotifyRecoveryEmailVerification is an exported constant or variable used by the account engine.
	NotifyRecoveryEmailVerification NotificationKind = "recovery_email_verification"
)

// Notification is the fire-and-forget payload handed to a [Notifier].
// Variants carries template inputs (tokens, unlock times, device names).
type Notification struct {
	Kind     NotificationKind
	To       string
	Subject  string
	Variants map[string]string
}

// Notifier dispatches a notification to the delivery collaborator. Send
// failures are logged and swallowed by the engine; they never abort the
// triggering flow.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NoOpNotifier discards all notifications.
type NoOpNotifier struct{}

// Send implements [Notifier].
func (NoOpNotifier) Send(context.Context, Notification) error { return nil }
