package authcore

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/driftbox/authcore/fingerprint"
	"github.com/driftbox/authcore/internal"
)

// VerifyDevice confirms a device with the token that was mailed out at
// registration. Idempotent: verifying an already verified device succeeds
// without side effects. Revoked devices can never be re-verified.
func (e *Engine) VerifyDevice(ctx context.Context, verificationToken string) error {
	if e == nil || e.devices == nil {
		return ErrEngineNotReady
	}

	deviceID, secret, err := internal.DecodeAttachedToken(verificationToken)
	if err != nil {
		return ErrDeviceTokenInvalid
	}

	device, err := e.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return ErrDeviceTokenInvalid
		}
		return err
	}
	if device.Revoked() {
		return ErrDeviceRevoked
	}
	if device.Verified {
		return nil
	}

	hash := internal.HashSecret(secret[:])
	if subtle.ConstantTimeCompare(hash[:], device.VerificationTokenHash[:]) != 1 {
		e.emitAudit(ctx, AuditDeviceVerified, false, device.AccountID, "", device.ID, ErrDeviceTokenInvalid, nil)
		return ErrDeviceTokenInvalid
	}
	if !device.VerificationExpiry.After(e.now()) {
		return ErrDeviceTokenInvalid
	}

	if err := e.devices.MarkDeviceVerified(ctx, device.ID); err != nil {
		return err
	}

	e.metricInc(MetricDeviceVerified)
	e.emitAudit(ctx, AuditDeviceVerified, true, device.AccountID, "", device.ID, nil, nil)
	return nil
}

// RevokeDevice permanently distrusts a device and cascades: every session
// bound to it is revoked in the same call. The primary device cannot be
// revoked while other devices remain active — it is the account's trust
// anchor — but revoking the last device is allowed.
func (e *Engine) RevokeDevice(ctx context.Context, accountID, deviceID string) error {
	if e == nil || e.devices == nil {
		return ErrEngineNotReady
	}

	device, err := e.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.AccountID != accountID {
		return ErrDeviceNotFound
	}
	if device.Revoked() {
		return nil
	}

	if device.Primary {
		active, err := e.devices.CountActiveDevices(ctx, accountID)
		if err != nil {
			return err
		}
		if active > 1 {
			return ErrPrimaryDeviceRequired
		}
	}

	if err := e.devices.RevokeDevice(ctx, deviceID, e.now()); err != nil {
		return err
	}
	if err := e.sessions.RevokeAllForDevice(ctx, accountID, deviceID); err != nil {
		return err
	}

	e.metricInc(MetricDeviceRevoked)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, AuditDeviceRevoked, true, accountID, "", deviceID, nil, nil)
	return nil
}

// ListDevices returns all device records of an account, revoked ones
// included, for account-settings surfaces.
func (e *Engine) ListDevices(ctx context.Context, accountID string) ([]*Device, error) {
	if e == nil || e.devices == nil {
		return nil, ErrEngineNotReady
	}
	return e.devices.ListDevices(ctx, accountID)
}

// BootstrapPrimaryDevice registers the caller's current client as the
// account's primary device, the trust anchor every later device hangs
// off. The primary starts unverified: a confirmation token goes to the
// account email and only [Engine.VerifyDevice] makes it trusted. Fails
// when a non-revoked primary exists or when the fingerprint already has a
// device record.
func (e *Engine) BootstrapPrimaryDevice(ctx context.Context, accountID string) (*Device, error) {
	if e == nil || e.devices == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if _, err := e.devices.GetPrimaryDevice(ctx, accountID); err == nil {
		return nil, ErrPrimaryDeviceExists
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	fp := fingerprint.Derive(clientSignatureFromContext(ctx), sourceAddrFromContext(ctx))
	if _, err := e.devices.GetDeviceByFingerprint(ctx, accountID, fp.Hash); err == nil {
		return nil, ErrDeviceExists
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	device, err := e.registerDevice(ctx, accountID, fp, true)
	if err != nil {
		return nil, err
	}
	token, err := e.issueDeviceVerification(ctx, device)
	if err != nil {
		return nil, err
	}

	e.sendNotification(NotifyDeviceVerification, account.Email, "Confirm your primary device", map[string]string{
		"device_name": device.DisplayName,
		"token":       token,
	})

	return device, nil
}
