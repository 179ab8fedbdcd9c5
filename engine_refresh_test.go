package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRefreshRotatesAndInvalidatesOldPair(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	pair, err := env.engine.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.SessionID != result.SessionID {
		t.Fatal("rotation changed the session identity")
	}
	if pair.RefreshToken == result.RefreshToken || pair.AccessToken == result.AccessToken {
		t.Fatal("rotation did not mint new credentials")
	}

	// The pre-rotation access token no longer resolves.
	if _, err := env.engine.Validate(ctx, result.AccessToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("old access token: got %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("new access token: %v", err)
	}
}

func TestRefreshReplayKillsSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	pair, err := env.engine.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Replaying the consumed refresh token is treated as credential theft.
	if _, err := env.engine.Refresh(ctx, result.RefreshToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("replayed refresh: got %v", err)
	}

	// The whole session died with it, current pair included.
	if _, err := env.engine.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("access after replay: got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("refresh after replay: got %v", err)
	}
}

func TestAccessExpiryDoesNotBlockRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Past access TTL and idle timeout, inside refresh TTL.
	env.clock.Advance(45 * time.Minute)

	if _, err := env.engine.Validate(ctx, result.AccessToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("expired access token: got %v", err)
	}

	pair, err := env.engine.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh after access expiry: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Validate after rotation: %v", err)
	}
}

func TestRefreshRejectsExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	env.clock.Advance(8 * 24 * time.Hour)

	if _, err := env.engine.Refresh(ctx, result.RefreshToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("refresh past session max age: got %v", err)
	}
}

func TestValidateRejectsWrongKindAndGarbage(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := env.engine.Validate(ctx, result.RefreshToken); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("refresh token as access: got %v", err)
	}
	if _, err := env.engine.Validate(ctx, "not.a.token"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("garbage token: got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, result.AccessToken); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("access token as refresh: got %v", err)
	}
}

func TestLogoutRevokesSingleSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := env.engine.Logout(ctx, result.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := env.engine.Validate(ctx, result.AccessToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("validate after logout: got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, result.RefreshToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("refresh after logout: got %v", err)
	}

	// Idempotent.
	if err := env.engine.Logout(ctx, result.SessionID); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestLogoutAllSparesNamedSession(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "alice@example.com", "correct horse battery")
	ctx := context.Background()

	first, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := env.engine.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	if err := env.engine.LogoutAll(ctx, account.ID, first.SessionID); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}

	if _, err := env.engine.Validate(ctx, first.AccessToken); err != nil {
		t.Fatalf("spared session: %v", err)
	}
	if _, err := env.engine.Validate(ctx, second.AccessToken); !errors.Is(err, ErrSessionRevokedOrExpired) {
		t.Fatalf("revoked session: got %v", err)
	}
}
