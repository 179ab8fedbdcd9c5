package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is an exported constant or variable used by the account engine.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionCorrupt is returned when a persisted session record cannot be decoded.
var ErrSessionCorrupt = errors.New("session record corrupt")

// ErrRefreshHashMismatch is an exported constant or variable used by the account engine.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrRedisUnavailable is an exported constant or variable used by the account engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
)

// rotateScript swaps both credential hashes in one atomic step. The compare
// is against the stored refresh hash only: the refresh credential is the
// rotation capability, the access hash merely follows it. On mismatch the
// session is revoked on the spot — a stale refresh hash on a live session
// means the credential leaked and was already spent.
const rotateScript = `
local session_key = KEYS[1]
local session_id = ARGV[1]
local provided_refresh = ARGV[2]
local next_refresh = ARGV[3]
local next_access = ARGV[4]
local now_unix = tonumber(ARGV[5])
local refresh_idx_prefix = ARGV[6]
local access_idx_prefix = ARGV[7]
local account_idx_prefix = ARGV[8]

local data = redis.call("HMGET", session_key,
  "refresh_hash", "access_hash", "expires_at", "revoked_at", "account_id")
if not data[1] or data[1] == false then
  return {0}
end

local revoked_at = tonumber(data[4]) or 0
if revoked_at ~= 0 then
  return {1}
end

local expires_at = tonumber(data[3]) or 0
if expires_at <= now_unix then
  return {1}
end

local function revoke()
  redis.call("HSET", session_key, "revoked_at", now_unix)
  redis.call("DEL", refresh_idx_prefix .. data[1])
  if data[2] and data[2] ~= false and data[2] ~= "" then
    redis.call("DEL", access_idx_prefix .. data[2])
  end
  if data[5] and data[5] ~= false and data[5] ~= "" then
    redis.call("SREM", account_idx_prefix .. data[5], session_id)
  end
end

if data[1] ~= provided_refresh then
  revoke()
  return {2}
end

local ttl = redis.call("PTTL", session_key)
if ttl <= 0 then
  return {1}
end

redis.call("DEL", refresh_idx_prefix .. data[1])
if data[2] and data[2] ~= false and data[2] ~= "" then
  redis.call("DEL", access_idx_prefix .. data[2])
end

redis.call("HSET", session_key,
  "refresh_hash", next_refresh,
  "access_hash", next_access,
  "totp_pending", "0",
  "last_activity", now_unix)
redis.call("SET", refresh_idx_prefix .. next_refresh, session_id, "PX", ttl)
redis.call("SET", access_idx_prefix .. next_access, session_id, "PX", ttl)

return {3}
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript marks the session revoked and drops its lookup indexes in
// one atomic step, so no concurrent lookup can resolve a half-revoked
// session through a dangling index key.
const revokeScript = `
local session_key = KEYS[1]
local session_id = ARGV[1]
local now_unix = ARGV[2]
local refresh_idx_prefix = ARGV[3]
local access_idx_prefix = ARGV[4]
local account_idx_prefix = ARGV[5]

local data = redis.call("HMGET", session_key,
  "refresh_hash", "access_hash", "revoked_at", "account_id")
if not data[1] or data[1] == false then
  return 0
end

local revoked_at = tonumber(data[3]) or 0
if revoked_at ~= 0 then
  return 1
end

redis.call("HSET", session_key, "revoked_at", now_unix)
redis.call("DEL", refresh_idx_prefix .. data[1])
if data[2] and data[2] ~= false and data[2] ~= "" then
  redis.call("DEL", access_idx_prefix .. data[2])
end
if data[4] and data[4] ~= false and data[4] ~= "" then
  redis.call("SREM", account_idx_prefix .. data[4], session_id)
end

return 1
`

var revokeLua = redis.NewScript(revokeScript)

// Config controls session lifetime policy. IdleTimeout bounds the gap
// between consecutive uses of the access credential; MaxAge bounds total
// session lifetime regardless of activity.
type Config struct {
	MaxAge      time.Duration
	IdleTimeout time.Duration
}

// Store is a Redis-backed session store. Sessions are Redis hashes keyed by
// session ID; two secondary index keys map the current refresh-hash and
// access-hash to the session ID so validation is a point lookup, never a
// scan. Rotation and revocation run as Lua scripts to keep record and
// indexes consistent.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	config Config
	now    func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(client redis.UniversalClient, prefix string, cfg Config) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		config: cfg,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) refreshIdxPrefix() string {
	return s.prefix + ":rh:"
}

func (s *Store) accessIdxPrefix() string {
	return s.prefix + ":ah:"
}

func (s *Store) accountIdxPrefix() string {
	return s.prefix + ":acct:"
}

func (s *Store) accountKey(accountID string) string {
	return s.accountIdxPrefix() + accountID
}

// Create persists a new session together with its index keys. The Redis TTL
// of every key is the remaining absolute lifetime; expiry is additionally
// checked against the stored timestamps so a lagging TTL never extends a
// session past MaxAge.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" || sess.AccountID == "" {
		return errors.New("session id and account id are required")
	}

	now := s.now()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now.Unix()
	}
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = now.Add(s.config.MaxAge).Unix()
	}
	if sess.LastActivityAt == 0 {
		sess.LastActivityAt = sess.CreatedAt
	}

	ttl := time.Unix(sess.ExpiresAt, 0).Sub(now)
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	refreshIdx := s.refreshIdxPrefix() + hex.EncodeToString(sess.RefreshHash[:])
	accessIdx := s.accessIdxPrefix() + hex.EncodeToString(sess.AccessHash[:])

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(sess.ID), encodeFields(sess))
		pipe.PExpire(ctx, s.key(sess.ID), ttl)
		pipe.Set(ctx, refreshIdx, sess.ID, ttl)
		pipe.Set(ctx, accessIdx, sess.ID, ttl)
		pipe.SAdd(ctx, s.accountKey(sess.AccountID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Get loads a session by ID. Revoked and expired sessions are still
// returned when the record survives in Redis; callers check liveness via
// [Session.Live] so that revocation can be reported distinctly.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return decodeFields(sessionID, fields)
}

// FindByRefreshHash resolves a refresh-credential hash to its live session.
// Unknown, revoked, and expired credentials are indistinguishable: all
// return [ErrSessionNotFound].
func (s *Store) FindByRefreshHash(ctx context.Context, hash [32]byte) (*Session, error) {
	return s.findByIndex(ctx, s.refreshIdxPrefix()+hex.EncodeToString(hash[:]))
}

// FindByAccessHash resolves an access-credential hash to its live session,
// additionally enforcing the idle window: a session untouched for longer
// than IdleTimeout no longer validates even though its record survives.
func (s *Store) FindByAccessHash(ctx context.Context, hash [32]byte) (*Session, error) {
	sess, err := s.findByIndex(ctx, s.accessIdxPrefix()+hex.EncodeToString(hash[:]))
	if err != nil {
		return nil, err
	}

	if s.config.IdleTimeout > 0 {
		idleDeadline := sess.LastActivityAt + int64(s.config.IdleTimeout/time.Second)
		if idleDeadline <= s.now().Unix() {
			return nil, ErrSessionNotFound
		}
	}

	return sess, nil
}

func (s *Store) findByIndex(ctx context.Context, indexKey string) (*Session, error) {
	sessionID, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Live(s.now().Unix()) {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// Rotate atomically replaces both credential hashes using a Lua CAS script
// keyed on the provided refresh hash. A mismatch on a live session is
// treated as credential replay: the session is revoked and
// [ErrRefreshHashMismatch] is returned so the caller can raise the alarm.
func (s *Store) Rotate(
	ctx context.Context,
	sessionID string,
	providedRefreshHash, nextRefreshHash, nextAccessHash [32]byte,
) (*Session, error) {
	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		hex.EncodeToString(providedRefreshHash[:]),
		hex.EncodeToString(nextRefreshHash[:]),
		hex.EncodeToString(nextAccessHash[:]),
		s.now().Unix(),
		s.refreshIdxPrefix(),
		s.accessIdxPrefix(),
		s.accountIdxPrefix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound, rotateStatusExpired:
		return nil, ErrSessionNotFound
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusRotated:
		return s.Get(ctx, sessionID)
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Revoke marks a session revoked and removes its lookup indexes. Revoking
// an already revoked or missing session is a no-op.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.now().Unix(),
		s.refreshIdxPrefix(),
		s.accessIdxPrefix(),
		s.accountIdxPrefix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// RevokeAllForAccount revokes every tracked session of an account, except
// the one named by exceptSessionID when non-empty.
//
// ATOMICITY NOTE: the member read and the per-session revocations are
// separate round trips. A session created between the two phases is not
// captured; it expires naturally or is caught by the next call. Each
// individual revocation is still atomic.
func (s *Store) RevokeAllForAccount(ctx context.Context, accountID, exceptSessionID string) error {
	sessionIDs, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	for _, sessionID := range sessionIDs {
		if sessionID == exceptSessionID {
			continue
		}
		if err := s.Revoke(ctx, sessionID); err != nil {
			return err
		}
	}

	return nil
}

// RevokeAllForDevice revokes every tracked session of an account that is
// bound to the given device.
func (s *Store) RevokeAllForDevice(ctx context.Context, accountID, deviceID string) error {
	sessionIDs, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	for _, sessionID := range sessionIDs {
		sess, err := s.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return err
		}
		if sess.DeviceID != deviceID {
			continue
		}
		if err := s.Revoke(ctx, sessionID); err != nil {
			return err
		}
	}

	return nil
}

// Touch advances the idle window after a successful access-credential
// validation. Best effort; a lost touch only shortens the idle window.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	err := s.redis.HSet(ctx, s.key(sessionID), fieldLastActivity, s.now().Unix()).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs returns the tracked session IDs for an account.
func (s *Store) ActiveSessionIDs(ctx context.Context, accountID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// Reap scans for revoked and expired session records and deletes them.
// Index keys carry their own TTL and need no sweeping; the record hash is
// kept after revocation only so concurrent readers see a tombstone, and
// this advisory sweep reclaims it. O(n) over the keyspace — run it from a
// background ticker, never a request path.
func (s *Store) Reap(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		reaped  int
		pattern = s.prefix + ":*"
		nowUnix = s.now().Unix()
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			return reaped, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, key := range keys {
			if isIndexKey(key, s.refreshIdxPrefix(), s.accessIdxPrefix(), s.accountIdxPrefix()) {
				continue
			}

			vals, err := s.redis.HMGet(ctx, key, fieldExpiresAt, fieldRevokedAt, fieldAccountID).Result()
			if err != nil {
				return reaped, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			if len(vals) != 3 || vals[0] == nil {
				continue
			}

			expiresAt, _ := decodeUnix(stringOrEmpty(vals[0]))
			revokedAt, _ := decodeUnix(stringOrEmpty(vals[1]))
			if revokedAt == 0 && expiresAt > nowUnix {
				continue
			}

			sessionID := key[len(s.prefix)+1:]
			if accountID := stringOrEmpty(vals[2]); accountID != "" {
				_ = s.redis.SRem(ctx, s.accountKey(accountID), sessionID).Err()
			}
			if err := s.redis.Del(ctx, key).Err(); err != nil {
				return reaped, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			reaped++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return reaped, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := s.now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func isIndexKey(key string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func stringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}
