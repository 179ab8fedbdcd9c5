package authcore

import (
	"context"
	"errors"

	"github.com/driftbox/authcore/fingerprint"
	"github.com/driftbox/authcore/internal"
)

// deviceEvaluation is the outcome of matching a login's fingerprint
// against the account's device records.
type deviceEvaluation struct {
	device            *Device
	created           bool
	verificationToken string
}

// evaluateDevice resolves the login fingerprint to a device record. A
// known verified device has its last-used stamp refreshed; a known
// pending device gets a superseding verification token. An unknown
// fingerprint may only register once the account has a primary device —
// without one the login is refused, and [Engine.BootstrapPrimaryDevice]
// is the path that creates the anchor.
func (e *Engine) evaluateDevice(ctx context.Context, account *Account, fp fingerprint.Fingerprint) (*deviceEvaluation, error) {
	existing, err := e.devices.GetDeviceByFingerprint(ctx, account.ID, fp.Hash)
	switch {
	case err == nil:
		if existing.Revoked() {
			return nil, ErrDeviceRevoked
		}
		if existing.Verified {
			if err := e.devices.TouchDevice(ctx, existing.ID, e.now()); err != nil {
				return nil, err
			}
			return &deviceEvaluation{device: existing}, nil
		}
		token, err := e.issueDeviceVerification(ctx, existing)
		if err != nil {
			return nil, err
		}
		e.sendNotification(NotifyDeviceVerification, account.Email, "Confirm your new device", map[string]string{
			"device_name": existing.DisplayName,
			"token":       token,
		})
		return &deviceEvaluation{device: existing, verificationToken: token}, nil
	case errors.Is(err, ErrDeviceNotFound):
		// fall through to registration
	default:
		return nil, err
	}

	if _, err := e.devices.GetPrimaryDevice(ctx, account.ID); err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, ErrPrimaryDeviceRequired
		}
		return nil, err
	}

	active, err := e.devices.CountActiveDevices(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if active >= e.config.Device.MaxActiveDevices {
		return nil, ErrDeviceLimitExceeded
	}

	device, err := e.registerDevice(ctx, account.ID, fp, false)
	if err != nil {
		return nil, err
	}

	token, err := e.issueDeviceVerification(ctx, device)
	if err != nil {
		return nil, err
	}

	e.sendNotification(NotifyNewDeviceAlert, account.Email, "New device signed in", map[string]string{
		"device_name": device.DisplayName,
		"device_kind": device.Kind,
	})
	e.sendNotification(NotifyDeviceVerification, account.Email, "Confirm your new device", map[string]string{
		"device_name": device.DisplayName,
		"token":       token,
	})

	return &deviceEvaluation{device: device, created: true, verificationToken: token}, nil
}

// registerDevice creates an unverified device row. Trust is only ever
// granted through [Engine.VerifyDevice] or a second-factor proof.
func (e *Engine) registerDevice(ctx context.Context, accountID string, fp fingerprint.Fingerprint, primary bool) (*Device, error) {
	now := e.now()
	device := &Device{
		ID:              internal.NewID(),
		AccountID:       accountID,
		FingerprintHash: fp.Hash,
		DisplayName:     fp.DisplayName,
		Kind:            string(fp.Kind),
		Primary:         primary,
		LastUsedAt:      now,
		CreatedAt:       now,
	}

	if err := e.devices.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	e.metricInc(MetricDeviceRegistered)
	e.emitAudit(ctx, AuditDeviceRegistered, true, accountID, "", device.ID, nil, func() map[string]string {
		return map[string]string{
			"device_kind": device.Kind,
			"primary":     boolString(primary),
		}
	})

	return device, nil
}

// issueDeviceVerification mints a single-use confirmation token bound to
// the device record. Only the secret's hash is persisted.
func (e *Engine) issueDeviceVerification(ctx context.Context, device *Device) (string, error) {
	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}

	token, err := internal.EncodeAttachedToken(device.ID, secret)
	if err != nil {
		return "", err
	}

	until := e.now().Add(e.config.Device.VerificationTTL)
	if err := e.devices.SetDeviceVerificationToken(ctx, device.ID, internal.HashSecret(secret[:]), until); err != nil {
		return "", err
	}

	return token, nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
