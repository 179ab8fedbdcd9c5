package authcore

import (
	"context"
	"errors"
	"log"

	"github.com/driftbox/authcore/fingerprint"
	"github.com/driftbox/authcore/internal"
	"github.com/driftbox/authcore/session"
	"github.com/driftbox/authcore/token"
)

// decoyPasswordHash is verified against when the email resolves to no
// account, so the unknown-email path costs the same argon2 work as a real
// mismatch and the response does not reveal account existence.
const decoyPasswordHash = "$argon2id$v=19$m=65536,t=2,p=2$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Login runs the credential verification pipeline: password proof first,
// then lock state, then device and second-factor evaluation. Credential
// failures are deliberately indistinguishable — unknown email and wrong
// password both return [ErrInvalidCredentials] — and the lock state is
// only disclosed to callers who proved the password.
func (e *Engine) Login(ctx context.Context, email, pass string) (*LoginResult, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" || pass == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailed, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "empty_input"}
		})
		return nil, ErrInvalidCredentials
	}

	account, err := e.credentials.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			_, _ = e.hasher.Verify(pass, decoyPasswordHash)
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, AuditLoginFailed, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"reason": "account_not_found"}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := e.hasher.Verify(pass, account.PasswordHash)
	if err != nil || !ok {
		status, crossed, lockErr := e.lockout.OnFailure(ctx, account)
		if lockErr != nil {
			return nil, lockErr
		}
		if crossed {
			e.metricInc(MetricLockoutTriggered)
			e.emitAudit(ctx, AuditAccountLocked, false, account.ID, "", "", ErrAccountLocked, func() map[string]string {
				return map[string]string{"until": status.Until.UTC().Format("2006-01-02T15:04:05Z")}
			})
			e.sendNotification(NotifyAccountLocked, account.Email, "Your account is temporarily locked", map[string]string{
				"until": status.Until.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailed, false, account.ID, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "password_mismatch"}
		})
		return nil, ErrInvalidCredentials
	}

	// Lock state is reported only after password proof: an attacker
	// guessing passwords learns nothing about the lock, while the real
	// owner gets an actionable answer.
	if status := e.lockout.Status(account); status.Locked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, AuditLoginLocked, false, account.ID, "", "", ErrAccountLocked, nil)
		return nil, &AccountLockedError{Until: status.Until}
	}

	if e.config.Verification.RequireForLogin && !account.EmailVerified {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailed, false, account.ID, "", "", ErrEmailUnverified, func() map[string]string {
			return map[string]string{"reason": "email_unverified"}
		})
		return nil, ErrEmailUnverified
	}

	if err := e.lockout.OnSuccess(ctx, account.ID, e.now()); err != nil {
		return nil, err
	}

	if e.config.Password.UpgradeOnLogin {
		if needsUpgrade, err := e.hasher.NeedsUpgrade(account.PasswordHash); err == nil && needsUpgrade {
			if upgraded, err := e.hasher.Hash(pass); err == nil {
				// Rehash is best-effort and must not block the login.
				if err := e.credentials.UpdatePasswordHash(ctx, account.ID, upgraded); err != nil {
					log.Print("authcore: password hash upgrade failed")
				}
			}
		}
	}
	pass = ""

	// Device evaluation runs only when the caller supplied client
	// signals. Without them the login produces a device-less session,
	// which can never pass the trusted-device gate.
	var (
		deviceID                   string
		deviceVerificationToken    string
		requiresDeviceVerification bool
	)
	signature, addr := clientSignatureFromContext(ctx), sourceAddrFromContext(ctx)
	if signature != "" || addr != "" {
		eval, err := e.evaluateDevice(ctx, account, fingerprint.Derive(signature, addr))
		if err != nil {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, AuditLoginFailed, false, account.ID, "", "", err, func() map[string]string {
				return map[string]string{"reason": "device_evaluation"}
			})
			return nil, err
		}
		deviceID = eval.device.ID
		deviceVerificationToken = eval.verificationToken
		requiresDeviceVerification = !eval.device.Trusted()
	}

	e.observeLoginOrigin(ctx, account)

	totpRequired := len(account.TOTPSecret) > 0
	pair, err := e.openSession(ctx, account, deviceID, totpRequired)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailed, false, account.ID, "", deviceID, err, func() map[string]string {
			return map[string]string{"reason": "session_open_failed"}
		})
		return nil, err
	}

	if requiresDeviceVerification {
		e.metricInc(MetricDeviceVerificationRequired)
	}
	if totpRequired {
		e.metricInc(MetricTOTPRequired)
	}
	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditLoginSucceeded, true, account.ID, pair.SessionID, deviceID, nil, func() map[string]string {
		return map[string]string{
			"totp_required":       boolString(totpRequired),
			"device_verification": boolString(requiresDeviceVerification),
		}
	})

	return &LoginResult{
		AccessToken:                pair.AccessToken,
		RefreshToken:               pair.RefreshToken,
		SessionID:                  pair.SessionID,
		RequiresTOTP:               totpRequired,
		RequiresDeviceVerification: requiresDeviceVerification,
		DeviceID:                   deviceID,
		DeviceVerificationToken:    deviceVerificationToken,
	}, nil
}

// CheckLocked reports the lock state for an email. Intended for support
// tooling; the login path itself never leaks lock state before password
// proof.
func (e *Engine) CheckLocked(ctx context.Context, email string) (LockoutStatus, error) {
	account, err := e.credentials.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return LockoutStatus{}, err
	}
	return e.lockout.Status(account), nil
}

// openSession mints an access/refresh pair, stores their hashes in a new
// session record, and returns the plaintext pair. deviceID may be empty
// for a device-less session. When totpPending is set the pair is
// provisional until rotation by [Engine.ConfirmTOTP].
func (e *Engine) openSession(ctx context.Context, account *Account, deviceID string, totpPending bool) (*TokenPair, error) {
	sessionID := internal.NewID()

	access, err := e.tokens.Issue(token.KindAccess, account.ID, account.Email, account.Role)
	if err != nil {
		return nil, err
	}
	refresh, err := e.tokens.Issue(token.KindRefresh, account.ID, account.Email, account.Role)
	if err != nil {
		return nil, err
	}

	now := e.now()
	sess := &session.Session{
		ID:            sessionID,
		AccountID:     account.ID,
		DeviceID:      deviceID,
		RefreshHash:   internal.HashString(refresh),
		AccessHash:    internal.HashString(access),
		SourceAddr:    sourceAddrFromContext(ctx),
		SignatureHash: internal.HashString(clientSignatureFromContext(ctx)),
		TOTPPending:   totpPending,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(e.config.Session.MaxAge).Unix(),
	}

	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
	}, nil
}

// observeLoginOrigin feeds the suspicion heuristic. Advisory only: errors
// are logged, never surfaced.
func (e *Engine) observeLoginOrigin(ctx context.Context, account *Account) {
	flagged, err := e.suspicion.Observe(ctx, account.ID, sourceAddrFromContext(ctx))
	if err != nil {
		log.Print("authcore: suspicion tracking failed")
		return
	}
	if !flagged {
		return
	}

	e.metricInc(MetricSuspiciousActivity)
	e.emitAudit(ctx, AuditSuspiciousActivity, true, account.ID, "", "", nil, func() map[string]string {
		return map[string]string{"signal": "distinct_login_origins"}
	})
	e.sendNotification(NotifySuspiciousActivity, account.Email, "Unusual sign-in activity", map[string]string{
		"signal": "distinct_login_origins",
	})
}
