package authcore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// suspicionTracker is a best-effort heuristic over recent login origins.
// Each account accumulates a short-lived Redis set of distinct source
// addresses; crossing the distinct-address threshold inside the window
// flags the account. The signal raises notifications and audit events
// only — it never blocks a login on its own.
type suspicionTracker struct {
	redis  redis.UniversalClient
	config SuspicionConfig
}

func newSuspicionTracker(client redis.UniversalClient, cfg SuspicionConfig) *suspicionTracker {
	if client == nil || !cfg.Enabled {
		return nil
	}
	return &suspicionTracker{redis: client, config: cfg}
}

func (t *suspicionTracker) key(accountID string) string {
	return "asp:" + accountID
}

// Observe records a login origin and reports whether the account just
// crossed the suspicion threshold. Exactly-once reporting per window: the
// crossing observation returns true, later ones in the same window false.
// Redis trouble degrades to "not suspicious" — the heuristic is advisory
// and must never fail a login.
func (t *suspicionTracker) Observe(ctx context.Context, accountID, sourceAddr string) (bool, error) {
	if t == nil || sourceAddr == "" {
		return false, nil
	}

	key := t.key(accountID)
	added, err := t.redis.SAdd(ctx, key, sourceAddr).Result()
	if err != nil {
		return false, fmt.Errorf("suspicion tracking: %w", err)
	}
	if err := t.redis.Expire(ctx, key, t.config.Window).Err(); err != nil {
		return false, fmt.Errorf("suspicion tracking: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	distinct, err := t.redis.SCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("suspicion tracking: %w", err)
	}

	return distinct == int64(t.config.DistinctAddrThreshold), nil
}
