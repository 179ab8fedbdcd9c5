package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStoreTest(t *testing.T) (*Store, *redis.Client, *fakeClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(rdb, "as", Config{
		MaxAge:      7 * 24 * time.Hour,
		IdleTimeout: 30 * time.Minute,
	}).WithClock(clock.Now)
	return store, rdb, clock, func() {
		rdb.Close()
		mr.Close()
	}
}

func hashOf(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

func testSession(id string) *Session {
	return &Session{
		ID:          id,
		AccountID:   "acct-1",
		DeviceID:    "dev-1",
		RefreshHash: hashOf(id + "-refresh"),
		AccessHash:  hashOf(id + "-access"),
		SourceAddr:  "203.0.113.9",
	}
}

func TestCreateAndFindByHashes(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-1")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	byRefresh, err := store.FindByRefreshHash(ctx, sess.RefreshHash)
	if err != nil {
		t.Fatalf("find by refresh hash: %v", err)
	}
	if byRefresh.ID != sess.ID || byRefresh.AccountID != "acct-1" {
		t.Fatalf("wrong session resolved: %+v", byRefresh)
	}

	byAccess, err := store.FindByAccessHash(ctx, sess.AccessHash)
	if err != nil {
		t.Fatalf("find by access hash: %v", err)
	}
	if byAccess.ID != sess.ID || byAccess.DeviceID != "dev-1" {
		t.Fatalf("wrong session resolved: %+v", byAccess)
	}

	if _, err := store.FindByRefreshHash(ctx, hashOf("never-issued")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown hash should be not found, got %v", err)
	}
}

func TestRotateSwapsBothHashes(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-rot")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	nextRefresh := hashOf("next-refresh")
	nextAccess := hashOf("next-access")
	rotated, err := store.Rotate(ctx, sess.ID, sess.RefreshHash, nextRefresh, nextAccess)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.RefreshHash != nextRefresh || rotated.AccessHash != nextAccess {
		t.Fatalf("hashes not swapped: %+v", rotated)
	}

	// New hashes resolve, old ones do not.
	if _, err := store.FindByRefreshHash(ctx, nextRefresh); err != nil {
		t.Fatalf("new refresh hash should resolve: %v", err)
	}
	if _, err := store.FindByRefreshHash(ctx, sess.RefreshHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old refresh hash should be gone, got %v", err)
	}
	if _, err := store.FindByAccessHash(ctx, sess.AccessHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old access hash should be gone, got %v", err)
	}
}

func TestRotateClearsPendingSecondFactor(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-pending")
	sess.TOTPPending = true
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil || !got.TOTPPending {
		t.Fatalf("pending flag should persist: %+v err=%v", got, err)
	}

	rotated, err := store.Rotate(ctx, sess.ID, sess.RefreshHash, hashOf("r2"), hashOf("a2"))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.TOTPPending {
		t.Fatalf("rotation must clear the pending flag")
	}
}

func TestRotateReplayRevokesSession(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-replay")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	firstRefresh := sess.RefreshHash
	if _, err := store.Rotate(ctx, sess.ID, firstRefresh, hashOf("r2"), hashOf("a2")); err != nil {
		t.Fatalf("first rotate: %v", err)
	}

	// Replaying the spent refresh hash must be flagged and must kill the
	// session entirely, including the freshly rotated credentials.
	_, err := store.Rotate(ctx, sess.ID, firstRefresh, hashOf("r3"), hashOf("a3"))
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	if _, err := store.FindByRefreshHash(ctx, hashOf("r2")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session should be revoked after replay, got %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if !got.Revoked() {
		t.Fatalf("session record should be marked revoked")
	}
}

func TestRotateMissingSession(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()

	_, err := store.Rotate(context.Background(), "missing", hashOf("r"), hashOf("r2"), hashOf("a2"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRevokeIdempotentAndDropsIndexes(t *testing.T) {
	store, rdb, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-rev")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := store.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	if _, err := store.FindByRefreshHash(ctx, sess.RefreshHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("refresh lookup should fail after revoke, got %v", err)
	}
	if _, err := store.FindByAccessHash(ctx, sess.AccessHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("access lookup should fail after revoke, got %v", err)
	}

	members, err := rdb.SMembers(ctx, store.accountKey(sess.AccountID)).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("account index should be empty, got %v", members)
	}
}

func TestRevokeAllForAccountKeepsException(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	keep := testSession("sid-keep")
	keep.RefreshHash = hashOf("keep-refresh")
	keep.AccessHash = hashOf("keep-access")
	drop := testSession("sid-drop")
	drop.RefreshHash = hashOf("drop-refresh")
	drop.AccessHash = hashOf("drop-access")

	for _, s := range []*Session{keep, drop} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	if err := store.RevokeAllForAccount(ctx, "acct-1", keep.ID); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	if _, err := store.FindByRefreshHash(ctx, keep.RefreshHash); err != nil {
		t.Fatalf("excepted session should survive: %v", err)
	}
	if _, err := store.FindByRefreshHash(ctx, drop.RefreshHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("other session should be revoked, got %v", err)
	}
}

func TestRevokeAllForDevice(t *testing.T) {
	store, _, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	onDevice := testSession("sid-dev")
	onDevice.RefreshHash = hashOf("dev-refresh")
	onDevice.AccessHash = hashOf("dev-access")
	offDevice := testSession("sid-other")
	offDevice.DeviceID = "dev-2"
	offDevice.RefreshHash = hashOf("other-refresh")
	offDevice.AccessHash = hashOf("other-access")

	for _, s := range []*Session{onDevice, offDevice} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	if err := store.RevokeAllForDevice(ctx, "acct-1", "dev-1"); err != nil {
		t.Fatalf("revoke for device: %v", err)
	}

	if _, err := store.FindByRefreshHash(ctx, onDevice.RefreshHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("device-bound session should be revoked, got %v", err)
	}
	if _, err := store.FindByRefreshHash(ctx, offDevice.RefreshHash); err != nil {
		t.Fatalf("other device session should survive: %v", err)
	}
}

func TestAccessHashIdleWindow(t *testing.T) {
	store, _, clock, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-idle")
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(29 * time.Minute)
	if _, err := store.FindByAccessHash(ctx, sess.AccessHash); err != nil {
		t.Fatalf("inside idle window: %v", err)
	}

	// A touch restarts the window.
	if err := store.Touch(ctx, sess.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clock.Advance(29 * time.Minute)
	if _, err := store.FindByAccessHash(ctx, sess.AccessHash); err != nil {
		t.Fatalf("after touch: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := store.FindByAccessHash(ctx, sess.AccessHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("past idle window should be not found, got %v", err)
	}

	// The refresh credential is unaffected by idleness.
	if _, err := store.FindByRefreshHash(ctx, sess.RefreshHash); err != nil {
		t.Fatalf("refresh lookup past idle window: %v", err)
	}
}

func TestExpiredSessionNeverResolves(t *testing.T) {
	store, _, clock, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	sess := testSession("sid-exp")
	sess.ExpiresAt = clock.Now().Add(time.Hour).Unix()
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(61 * time.Minute)
	if _, err := store.FindByRefreshHash(ctx, sess.RefreshHash); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session should be not found, got %v", err)
	}
	if _, err := store.Rotate(ctx, sess.ID, sess.RefreshHash, hashOf("r2"), hashOf("a2")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("rotate on expired session should be not found, got %v", err)
	}
}

func TestReapRemovesRevokedRecords(t *testing.T) {
	store, rdb, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	live := testSession("sid-live")
	live.RefreshHash = hashOf("live-refresh")
	live.AccessHash = hashOf("live-access")
	dead := testSession("sid-dead")
	dead.RefreshHash = hashOf("dead-refresh")
	dead.AccessHash = hashOf("dead-access")

	for _, s := range []*Session{live, dead} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}
	if err := store.Revoke(ctx, dead.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	reaped, err := store.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 reaped record, got %d", reaped)
	}

	if n, _ := rdb.Exists(ctx, store.key(dead.ID)).Result(); n != 0 {
		t.Fatalf("revoked record should be deleted")
	}
	if n, _ := rdb.Exists(ctx, store.key(live.ID)).Result(); n != 1 {
		t.Fatalf("live record should survive")
	}
}

func TestDecodeCorruptRecord(t *testing.T) {
	store, rdb, _, done := newStoreTest(t)
	defer done()
	ctx := context.Background()

	if err := rdb.HSet(ctx, store.key("sid-bad"), map[string]interface{}{
		fieldAccountID:   "acct-1",
		fieldRefreshHash: "not-hex",
		fieldExpiresAt:   "soon",
	}).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := store.Get(ctx, "sid-bad"); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected corrupt sentinel, got %v", err)
	}
}
