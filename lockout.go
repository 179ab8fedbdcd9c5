package authcore

import (
	"context"
	"time"
)

// lockoutGuard enforces the brute-force counter policy. It owns no state
// of its own: the counter and lock expiry live on the account row and move
// only through the atomic [CredentialStore] transitions, so concurrent
// logins against one account cannot lose a lock write.
type lockoutGuard struct {
	store  CredentialStore
	config LockoutConfig
	clock  Clock
}

func newLockoutGuard(store CredentialStore, cfg LockoutConfig, clock Clock) *lockoutGuard {
	return &lockoutGuard{store: store, config: cfg, clock: clock}
}

// Status reads the lock state from an already loaded account row. A lock
// whose expiry has passed reads as unlocked; the stale row is healed by
// the next successful login, not here.
func (g *lockoutGuard) Status(account *Account) LockoutStatus {
	if account == nil || account.LockedUntil == nil {
		return LockoutStatus{}
	}
	if !account.LockedUntil.After(g.clock.Now()) {
		return LockoutStatus{}
	}
	return LockoutStatus{Locked: true, Until: *account.LockedUntil}
}

// OnFailure records one failed credential proof. Every failure at or past
// the threshold arms the lock window, so a continuing attack stays locked
// out even after the first window lapses. crossed is true only for the
// failure that reaches the threshold: one-shot effects like the lockout
// notification key off the crossing, not the re-arm.
func (g *lockoutGuard) OnFailure(ctx context.Context, account *Account) (status LockoutStatus, crossed bool, err error) {
	count, err := g.store.RecordLoginFailure(ctx, account.ID)
	if err != nil {
		return LockoutStatus{}, false, err
	}

	if count < g.config.Threshold {
		return LockoutStatus{}, false, nil
	}

	until := g.clock.Now().Add(g.config.Duration)
	if err := g.store.SetLock(ctx, account.ID, until); err != nil {
		return LockoutStatus{}, false, err
	}

	return LockoutStatus{Locked: true, Until: until}, count == g.config.Threshold, nil
}

// OnSuccess resets the counter and clears any expired lock. Only a full
// credential proof reaches here, so an attacker cannot reset the counter.
func (g *lockoutGuard) OnSuccess(ctx context.Context, accountID string, at time.Time) error {
	return g.store.RecordLoginSuccess(ctx, accountID, at)
}
