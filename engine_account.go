package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/mail"
	"strings"

	"github.com/driftbox/authcore/internal"
)

// normalizeEmail lowercases and trims. Validation of shape happens only
// at registration; lookups just normalize.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// Register creates an account and kicks off email verification. The
// plaintext verification token leaves through the notifier only; the
// store sees its hash.
func (e *Engine) Register(ctx context.Context, email, pass, role string) (*Account, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrEmailMalformed
	}

	hash, err := e.hasher.Hash(pass)
	if err != nil {
		return nil, ErrPasswordPolicy
	}
	pass = ""

	now := e.now()
	account := &Account{
		ID:           internal.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
	}

	if err := e.credentials.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, ErrAccountExists) {
			e.metricInc(MetricAccountDuplicate)
		}
		return nil, err
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, AuditAccountRegistered, true, account.ID, "", "", nil, nil)

	if err := e.sendEmailVerification(ctx, account); err != nil {
		// The account exists; verification can be re-requested.
		log.Print("authcore: initial email verification issue failed")
	}

	return account, nil
}

// RequestEmailVerification re-issues the verification token for an
// unverified account. Always succeeds from the caller's perspective to
// avoid disclosing account existence.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}
	if account.EmailVerified {
		return nil
	}

	return e.sendEmailVerification(ctx, account)
}

func (e *Engine) sendEmailVerification(ctx context.Context, account *Account) error {
	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	tokenStr, err := internal.EncodeAttachedToken(account.ID, secret)
	if err != nil {
		return err
	}

	until := e.now().Add(e.config.Verification.TokenTTL)
	if err := e.credentials.SetVerificationToken(ctx, account.ID, internal.HashSecret(secret[:]), until); err != nil {
		return err
	}

	e.sendNotification(NotifyEmailVerification, account.Email, "Verify your email address", map[string]string{
		"token": tokenStr,
	})
	return nil
}

// VerifyEmail confirms ownership of the registered address. Idempotent
// for already verified accounts.
func (e *Engine) VerifyEmail(ctx context.Context, verificationToken string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	accountID, secret, err := internal.DecodeAttachedToken(verificationToken)
	if err != nil {
		return ErrVerificationTokenInvalid
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrVerificationTokenInvalid
		}
		return err
	}
	if account.EmailVerified {
		return nil
	}

	hash := internal.HashSecret(secret[:])
	if subtle.ConstantTimeCompare(hash[:], account.VerificationTokenHash[:]) != 1 {
		return ErrVerificationTokenInvalid
	}
	if !account.VerificationExpiry.After(e.now()) {
		return ErrVerificationTokenInvalid
	}

	if err := e.credentials.MarkEmailVerified(ctx, accountID); err != nil {
		return err
	}

	e.metricInc(MetricEmailVerified)
	e.emitAudit(ctx, AuditEmailVerified, true, accountID, "", "", nil, nil)
	return nil
}

// RequestPasswordReset issues a single-use reset token. The response is
// identical whether or not the email matches an account.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil
		}
		return err
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	tokenStr, err := internal.EncodeAttachedToken(account.ID, secret)
	if err != nil {
		return err
	}

	until := e.now().Add(e.config.Reset.TokenTTL)
	if err := e.credentials.SetResetToken(ctx, account.ID, internal.HashSecret(secret[:]), until); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetRequested)
	e.emitAudit(ctx, AuditPasswordResetSent, true, account.ID, "", "", nil, nil)
	e.sendNotification(NotifyPasswordReset, account.Email, "Reset your password", map[string]string{
		"token": tokenStr,
	})
	return nil
}

// ResetPassword consumes a reset token, replaces the password, and
// revokes every session of the account. The token is cleared on success;
// a failed attempt does not burn it.
func (e *Engine) ResetPassword(ctx context.Context, resetToken, newPass string) error {
	if e == nil || e.hasher == nil {
		return ErrEngineNotReady
	}

	accountID, secret, err := internal.DecodeAttachedToken(resetToken)
	if err != nil {
		return ErrResetTokenInvalid
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrResetTokenInvalid
		}
		return err
	}

	hash := internal.HashSecret(secret[:])
	if subtle.ConstantTimeCompare(hash[:], account.ResetTokenHash[:]) != 1 {
		return ErrResetTokenInvalid
	}
	if !account.ResetTokenUntil.After(e.now()) {
		return ErrResetTokenInvalid
	}

	newHash, err := e.hasher.Hash(newPass)
	if err != nil {
		return ErrPasswordPolicy
	}
	newPass = ""

	if err := e.credentials.UpdatePasswordHash(ctx, accountID, newHash); err != nil {
		return err
	}
	if err := e.credentials.ClearResetToken(ctx, accountID); err != nil {
		return err
	}
	if err := e.sessions.RevokeAllForAccount(ctx, accountID, ""); err != nil {
		log.Print("authcore: session revocation failed after password reset")
	}

	e.metricInc(MetricPasswordResetCompleted)
	e.emitAudit(ctx, AuditPasswordReset, true, accountID, "", "", nil, nil)
	e.sendNotification(NotifyPasswordChanged, account.Email, "Your password was changed", nil)
	return nil
}

// ChangePassword replaces the password for a caller who knows the current
// one. All other sessions are revoked; the caller's session, when named,
// survives.
func (e *Engine) ChangePassword(ctx context.Context, accountID, oldPass, newPass, keepSessionID string) error {
	if e == nil || e.hasher == nil {
		return ErrEngineNotReady
	}
	if oldPass == "" || newPass == "" {
		return ErrPasswordPolicy
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}

	ok, err := e.hasher.Verify(oldPass, account.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, AuditPasswordChanged, false, accountID, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "old_password_mismatch"}
		})
		return ErrInvalidCredentials
	}

	if same, err := e.hasher.Verify(newPass, account.PasswordHash); err == nil && same {
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPass)
	if err != nil {
		return ErrPasswordPolicy
	}
	oldPass = ""
	newPass = ""

	if err := e.credentials.UpdatePasswordHash(ctx, accountID, newHash); err != nil {
		return err
	}
	if err := e.sessions.RevokeAllForAccount(ctx, accountID, keepSessionID); err != nil {
		log.Print("authcore: session revocation failed after password change")
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, AuditPasswordChanged, true, accountID, "", "", nil, nil)
	e.sendNotification(NotifyPasswordChanged, account.Email, "Your password was changed", nil)
	return nil
}

// SetRecoveryEmail attaches a secondary address to the account and sends
// a confirmation token to it. The address counts for recovery only after
// [Engine.VerifyRecoveryEmail].
func (e *Engine) SetRecoveryEmail(ctx context.Context, accountID, recoveryEmail string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	recoveryEmail = normalizeEmail(recoveryEmail)
	if !validEmail(recoveryEmail) {
		return ErrEmailMalformed
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if recoveryEmail == account.Email {
		return ErrEmailMalformed
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	tokenStr, err := internal.EncodeAttachedToken(accountID, secret)
	if err != nil {
		return err
	}

	until := e.now().Add(e.config.Recovery.TokenTTL)
	if err := e.credentials.SetRecoveryEmail(ctx, accountID, recoveryEmail, internal.HashSecret(secret[:]), until); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditRecoveryEmailSet, true, accountID, "", "", nil, nil)
	e.sendNotification(NotifyRecoveryEmailVerification, recoveryEmail, "Confirm your recovery email", map[string]string{
		"token": tokenStr,
	})
	return nil
}

// VerifyRecoveryEmail confirms the secondary address.
func (e *Engine) VerifyRecoveryEmail(ctx context.Context, verificationToken string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}

	accountID, secret, err := internal.DecodeAttachedToken(verificationToken)
	if err != nil {
		return ErrRecoveryEmailInvalid
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrRecoveryEmailInvalid
		}
		return err
	}
	if account.RecoveryEmailVerified {
		return nil
	}

	hash := internal.HashSecret(secret[:])
	if subtle.ConstantTimeCompare(hash[:], account.RecoveryTokenHash[:]) != 1 {
		return ErrRecoveryEmailInvalid
	}
	if !account.RecoveryTokenUntil.After(e.now()) {
		return ErrRecoveryEmailInvalid
	}

	if err := e.credentials.MarkRecoveryEmailVerified(ctx, accountID); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditRecoveryEmailSet, true, accountID, "", "", nil, func() map[string]string {
		return map[string]string{"phase": "verified"}
	})
	return nil
}
