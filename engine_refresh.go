package authcore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/driftbox/authcore/internal"
	"github.com/driftbox/authcore/session"
	"github.com/driftbox/authcore/token"
)

// Refresh exchanges a refresh credential for a new pair. Rotation is
// atomic: presenting the same refresh token twice invalidates the session
// outright, because a second presentation means the credential leaked.
// Stale, unknown, and revoked credentials all fail identically.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Verify(token.KindRefresh, refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrSessionRevokedOrExpired
		}
		return nil, ErrMalformedToken
	}

	providedHash := internal.HashString(refreshToken)
	sess, err := e.sessions.FindByRefreshHash(ctx, providedHash)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrSessionRevokedOrExpired
		}
		return nil, err
	}

	if sess.TOTPPending {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrSecondFactorRequired
	}

	pair, err := e.rotateSession(ctx, sess, providedHash, claims)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditSessionRefreshed, true, sess.AccountID, sess.ID, sess.DeviceID, nil, nil)

	return pair, nil
}

// rotateSession mints a fresh pair and swaps the session's hashes via the
// store's compare-and-swap. A hash mismatch is surfaced as replay.
func (e *Engine) rotateSession(ctx context.Context, sess *session.Session, providedRefreshHash [32]byte, claims *token.Claims) (*TokenPair, error) {
	access, err := e.tokens.Issue(token.KindAccess, claims.SubjectID, claims.Email, claims.Role)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}
	refresh, err := e.tokens.Issue(token.KindRefresh, claims.SubjectID, claims.Email, claims.Role)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	_, err = e.sessions.Rotate(ctx, sess.ID, providedRefreshHash, internal.HashString(refresh), internal.HashString(access))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricSessionRevoked)
			e.emitAudit(ctx, AuditSessionReplay, false, sess.AccountID, sess.ID, sess.DeviceID, ErrSessionRevokedOrExpired, nil)
			return nil, ErrSessionRevokedOrExpired
		case errors.Is(err, session.ErrSessionNotFound):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrSessionRevokedOrExpired
		default:
			e.metricInc(MetricRefreshFailure)
			return nil, err
		}
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sess.ID,
	}, nil
}

// Validate authenticates an access credential: signature and expiry via
// the token service, liveness and idle window via the session store. The
// result carries the device trust verdict for callers gating sensitive
// operations.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.Enabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	claims, err := e.tokens.Verify(token.KindAccess, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrSessionRevokedOrExpired
		}
		return nil, ErrMalformedToken
	}

	sess, err := e.sessions.FindByAccessHash(ctx, internal.HashString(accessToken))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrSessionRevokedOrExpired
		}
		return nil, err
	}

	if sess.AccountID != claims.SubjectID {
		return nil, ErrMalformedToken
	}
	if sess.TOTPPending {
		return nil, ErrSecondFactorRequired
	}

	// Idle-window bookkeeping is best-effort; a lost write only shortens
	// the window.
	if err := e.sessions.Touch(ctx, sess.ID); err != nil {
		log.Print("authcore: session touch failed")
	}

	result := &AuthResult{
		AccountID: claims.SubjectID,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
	}

	if sess.DeviceID != "" {
		device, err := e.devices.GetDevice(ctx, sess.DeviceID)
		if err == nil {
			result.DeviceTrusted = device.Trusted()
		}
	}

	return result, nil
}

// ValidateTrustedDevice is [Engine.Validate] with the trusted-device
// predicate enforced: sessions from unverified or revoked devices are
// rejected with [ErrDeviceUntrusted].
func (e *Engine) ValidateTrustedDevice(ctx context.Context, accessToken string) (*AuthResult, error) {
	result, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !result.DeviceTrusted {
		return nil, ErrDeviceUntrusted
	}
	return result, nil
}

// Logout revokes a single session. Revoking an already dead session is a
// no-op.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	err := e.sessions.Revoke(ctx, sessionID)
	if err == nil {
		e.metricInc(MetricLogout)
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, AuditSessionRevoked, err == nil, "", sessionID, "", err, nil)
	return err
}

// LogoutAll revokes every session of an account. exceptSessionID, when
// non-empty, names one session to spare — typically the caller's own.
func (e *Engine) LogoutAll(ctx context.Context, accountID, exceptSessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	err := e.sessions.RevokeAllForAccount(ctx, accountID, exceptSessionID)
	if err == nil {
		e.metricInc(MetricLogoutAll)
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, AuditSessionRevoked, err == nil, accountID, "", "", err, func() map[string]string {
		return map[string]string{"scope": "all"}
	})
	return err
}
