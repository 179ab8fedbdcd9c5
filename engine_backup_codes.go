package authcore

import (
	"context"

	"github.com/driftbox/authcore/internal"
)

// RegenerateBackupCodes replaces the account's recovery codes with a fresh
// batch and returns the plaintext codes exactly once. Requires the second
// factor to be enabled; codes exist only as a TOTP fallback.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.credentials.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(account.TOTPSecret) == 0 {
		return nil, ErrTOTPNotConfigured
	}

	codes := make([]string, 0, e.config.BackupCodes.Count)
	hashes := make([][32]byte, 0, e.config.BackupCodes.Count)
	for i := 0; i < e.config.BackupCodes.Count; i++ {
		code, err := internal.NewBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, internal.HashString(code))
	}

	if err := e.credentials.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, AuditTOTPEnrolled, true, accountID, "", "", nil, func() map[string]string {
		return map[string]string{"phase": "backup_codes_regenerated"}
	})

	return codes, nil
}

// ConfirmBackupCode upgrades a provisional session by burning one backup
// code instead of a TOTP code — the path for users who lost their
// authenticator. Each code is consumed on use.
func (e *Engine) ConfirmBackupCode(ctx context.Context, refreshToken, code string) (*TokenPair, error) {
	if e == nil || e.credentials == nil {
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
		return nil, ErrBackupCodesNotConfigured
	}

	consumed, err := e.credentials.ConsumeBackupCode(ctx, account.ID, internal.HashString(code))
	if err != nil {
		return nil, err
	}
	if !consumed {
		e.metricInc(MetricBackupCodeFailed)
		e.emitAudit(ctx, AuditTOTPFailed, false, account.ID, sess.ID, sess.DeviceID, ErrBackupCodeInvalid, func() map[string]string {
			return map[string]string{"factor": "backup_code"}
		})
		return nil, ErrBackupCodeInvalid
	}

	pair, err := e.rotateSession(ctx, sess, internal.HashString(refreshToken), claims)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, AuditBackupCodeUsed, true, account.ID, sess.ID, sess.DeviceID, nil, nil)
	e.sendNotification(NotifySuspiciousActivity, account.Email, "A backup code was used", map[string]string{
		"signal": "backup_code_used",
	})

	return pair, nil
}
