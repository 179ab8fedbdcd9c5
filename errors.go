package authcore

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is an exported constant or variable used by the account engine.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is an exported constant or variable used by the account engine.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountNotFound is an exported constant or variable used by the account engine.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is an exported constant or variable used by the account engine.
	ErrAccountExists = errors.New("account already exists")
	// ErrEmailUnverified is an exported constant or variable used by the account engine.
	ErrEmailUnverified = errors.New("email address unverified")
	// ErrEmailMalformed is an exported constant or variable used by the account engine.
	ErrEmailMalformed = errors.New("malformed email address")
	// ErrPasswordPolicy is an exported constant or variable used by the account engine.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is an exported constant or variable used by the account engine.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrSecondFactorRequired is an exported constant or variable used by the account engine.
	ErrSecondFactorRequired = errors.New("second factor confirmation required")
	// ErrInvalidTOTPCode is an exported constant or variable used by the account engine.
	ErrInvalidTOTPCode = errors.New("invalid totp code")
	// ErrTOTPNotConfigured is an exported constant or variable used by the account engine.
	ErrTOTPNotConfigured = errors.New("totp not configured")
	// ErrTOTPAlreadyEnabled is an exported constant or variable used by the account engine.
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")
	// ErrDeviceNotFound is an exported constant or variable used by the account engine.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceExists is an exported constant or variable used by the account engine.
	ErrDeviceExists = errors.New("device already registered for this fingerprint")
	// ErrDeviceRevoked is an exported constant or variable used by the account engine.
	ErrDeviceRevoked = errors.New("device revoked")
	// ErrDeviceLimitExceeded is an exported constant or variable used by the account engine.
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	// ErrPrimaryDeviceRequired is an exported constant or variable used by the account engine.
	ErrPrimaryDeviceRequired = errors.New("primary device required")
	// ErrPrimaryDeviceExists is an exported constant or variable used by the account engine.
	ErrPrimaryDeviceExists = errors.New("primary device already exists")
	// ErrDeviceUntrusted is an exported constant or variable used by the account engine.
	ErrDeviceUntrusted = errors.New("device not trusted")
	// ErrDeviceTokenInvalid is an exported constant or variable used by the account engine.
	ErrDeviceTokenInvalid = errors.New("device verification token invalid or expired")
	// ErrSessionRevokedOrExpired is an exported constant or variable used by the account engine.
	ErrSessionRevokedOrExpired = errors.New("session revoked or expired")
	// ErrMalformedToken is an exported constant or variable used by the account engine.
	ErrMalformedToken = errors.New("malformed token")
	// ErrResetTokenInvalid is an exported constant or variable used by the account engine.
	ErrResetTokenInvalid = errors.New("password reset token invalid or expired")
	// ErrVerificationTokenInvalid is an exported constant or variable used by the account engine.
	ErrVerificationTokenInvalid = errors.New("email verification token invalid or expired")
	// ErrBackupCodeInvalid is an exported constant or variable used by the account engine.
	ErrBackupCodeInvalid = errors.New("invalid backup code")
	// ErrBackupCodesNotConfigured is an exported constant or variable used by the account engine.
	ErrBackupCodesNotConfigured = errors.New("backup codes not configured")
	// ErrRecoveryEmailInvalid is an exported constant or variable used by the account engine.
	ErrRecoveryEmailInvalid = errors.New("recovery email token invalid or expired")
	// ErrStoreUnavailable is an exported constant or variable used by the account engine.
	ErrStoreUnavailable = errors.New("backing store unavailable")
	// ErrEngineNotReady is an exported constant or variable used by the account engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// AccountLockedError is the failure a login returns once the caller has
// proved the password but the account is locked. It matches
// [ErrAccountLocked] under errors.Is and carries the unlock time so the
// caller can surface it without a second call.
type AccountLockedError struct {
	Until time.Time
}

// Error implements error.
func (e *AccountLockedError) Error() string {
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

// Is reports a match against [ErrAccountLocked].
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
