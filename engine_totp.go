package authcore

import (
	"context"
	"encoding/base32"
	"errors"
	"log"

	"github.com/driftbox/authcore/internal"
	"github.com/driftbox/authcore/session"
	"github.com/driftbox/authcore/token"
)

// EnrollTOTP generates fresh second-factor material for an account that
// does not have one yet. Nothing is persisted: the caller shows the
// provisioning URI to the user and proves possession via
// [Engine.ActivateTOTP], which is what commits the secret.
func (e *Engine) EnrollTOTP(ctx context.Context, accountID string) (secretBase32, provisionURI string, err error) {
	if e == nil || e.totp == nil {
		return "", "", ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return "", "", err
	}
	if len(account.TOTPSecret) > 0 {
		return "", "", ErrTOTPAlreadyEnabled
	}

	_, encoded, err := e.totp.GenerateSecret()
	if err != nil {
		return "", "", err
	}

	return encoded, e.totp.ProvisionURI(encoded, account.Email), nil
}

// ActivateTOTP commits an enrolled secret once the user proves they can
// produce a valid code from it. From the next login on, the account
// requires the second factor.
func (e *Engine) ActivateTOTP(ctx context.Context, accountID, secretBase32, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if len(account.TOTPSecret) > 0 {
		return ErrTOTPAlreadyEnabled
	}

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil || len(secret) == 0 {
		return ErrInvalidTOTPCode
	}

	ok, _, err := e.totp.VerifyCode(secret, code, e.now())
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, AuditTOTPFailed, false, accountID, "", "", ErrInvalidTOTPCode, func() map[string]string {
			return map[string]string{"phase": "activation"}
		})
		return ErrInvalidTOTPCode
	}

	if err := e.credentials.SetTOTPSecret(ctx, accountID, secret); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditTOTPEnrolled, true, accountID, "", "", nil, nil)
	return nil
}

// DisableTOTP removes the second factor after a final code proof. Backup
// codes are invalidated with it.
func (e *Engine) DisableTOTP(ctx context.Context, accountID, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if len(account.TOTPSecret) == 0 {
		return ErrTOTPNotConfigured
	}

	ok, _, err := e.totp.VerifyCode(account.TOTPSecret, code, e.now())
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		return ErrInvalidTOTPCode
	}

	if err := e.credentials.SetTOTPSecret(ctx, accountID, nil); err != nil {
		return err
	}
	if err := e.credentials.ReplaceBackupCodes(ctx, accountID, nil); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditTOTPConfirmed, true, accountID, "", "", nil, func() map[string]string {
		return map[string]string{"phase": "disabled"}
	})
	return nil
}

// ConfirmTOTP upgrades a provisional session by proving the second
// factor. The provisional pair is consumed through rotation, so the
// upgrade hands back fresh credentials and the pre-confirmation pair dies
// with it.
func (e *Engine) ConfirmTOTP(ctx context.Context, refreshToken, code string) (*TokenPair, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	sess, claims, err := e.confirmableSession(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	account, err := e.credentials.GetAccountByID(ctx, sess.AccountID)
	if err != nil {
		return nil, err
	}
	if len(account.TOTPSecret) == 0 {
		return nil, ErrTOTPNotConfigured
	}

	ok, _, err := e.totp.VerifyCode(account.TOTPSecret, code, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, AuditTOTPFailed, false, account.ID, sess.ID, sess.DeviceID, ErrInvalidTOTPCode, nil)
		return nil, ErrInvalidTOTPCode
	}

	pair, err := e.rotateSession(ctx, sess, internal.HashString(refreshToken), claims)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricTOTPSuccess)
	e.emitAudit(ctx, AuditTOTPConfirmed, true, account.ID, sess.ID, sess.DeviceID, nil, nil)
	e.confirmSessionDevice(ctx, account.ID, sess.ID, sess.DeviceID)

	return pair, nil
}

// confirmSessionDevice upgrades the session's device to verified after a
// second-factor proof. The proof is at least as strong a possession
// signal as the emailed token, so a pending device rides along.
func (e *Engine) confirmSessionDevice(ctx context.Context, accountID, sessionID, deviceID string) {
	if deviceID == "" {
		return
	}

	device, err := e.devices.GetDevice(ctx, deviceID)
	if err != nil || device.Verified || device.Revoked() {
		return
	}

	if err := e.devices.MarkDeviceVerified(ctx, deviceID); err != nil {
		log.Print("authcore: device confirmation after second factor failed")
		return
	}

	e.metricInc(MetricDeviceVerified)
	e.emitAudit(ctx, AuditDeviceVerified, true, accountID, sessionID, deviceID, nil, func() map[string]string {
		return map[string]string{"method": "totp"}
	})
}

// confirmableSession resolves a refresh credential to its live session for
// the second-factor confirmation paths. Confirming an already confirmed
// session is permitted and simply rotates the pair again.
func (e *Engine) confirmableSession(ctx context.Context, refreshToken string) (*session.Session, *token.Claims, error) {
	claims, err := e.tokens.Verify(token.KindRefresh, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, nil, ErrSessionRevokedOrExpired
		}
		return nil, nil, ErrMalformedToken
	}

	sess, err := e.sessions.FindByRefreshHash(ctx, internal.HashString(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, nil, ErrSessionRevokedOrExpired
		}
		return nil, nil, err
	}

	return sess, claims, nil
}
