package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestChallengeSaveGetDelete(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	record := &Challenge{
		AccountID:   "acct-1",
		FailureMode: true,
		ExpiresAt:   time.Now().Add(5 * time.Minute).Unix(),
	}
	if err := store.Save(ctx, "ch-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "ch-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccountID != "acct-1" || !got.FailureMode || got.Attempts != 0 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	deleted, err := store.Delete(ctx, "ch-1", "acct-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to report true")
	}

	// Second delete reports false: the consume-once signal.
	deleted, err = store.Delete(ctx, "ch-1", "acct-1")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if deleted {
		t.Fatal("expected second delete to report false")
	}

	if _, err := store.Get(ctx, "ch-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeSaveReplacesPreviousForAccount(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	mk := func() *Challenge {
		return &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(5 * time.Minute).Unix()}
	}
	if err := store.Save(ctx, "ch-1", mk(), 5*time.Minute); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := store.Save(ctx, "ch-2", mk(), 5*time.Minute); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if _, err := store.Get(ctx, "ch-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected replaced challenge gone, got %v", err)
	}
	if _, err := store.Get(ctx, "ch-2"); err != nil {
		t.Fatalf("expected current challenge alive: %v", err)
	}
}

func TestChallengeDeleteForAccount(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	// Nothing pending: quiet false.
	deleted, err := store.DeleteForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("DeleteForAccount: %v", err)
	}
	if deleted {
		t.Fatal("expected false with nothing pending")
	}

	record := &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(time.Minute).Unix()}
	if err := store.Save(ctx, "ch-1", record, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	deleted, err = store.DeleteForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("DeleteForAccount: %v", err)
	}
	if !deleted {
		t.Fatal("expected pending challenge removed")
	}
}

func TestChallengeBumpCountsAndLocksFailureMode(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	record := &Challenge{
		AccountID:   "acct-1",
		FailureMode: true,
		ExpiresAt:   time.Now().Add(5 * time.Minute).Unix(),
	}
	if err := store.Save(ctx, "ch-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for want := uint16(1); want <= 2; want++ {
		got, exceeded, err := store.Bump(ctx, "ch-1", 3)
		if err != nil {
			t.Fatalf("Bump %d: %v", want, err)
		}
		if exceeded {
			t.Fatalf("Bump %d: unexpected lockout", want)
		}
		if got.Attempts != want {
			t.Fatalf("Bump %d: expected %d attempts, got %d", want, want, got.Attempts)
		}
	}

	_, exceeded, err := store.Bump(ctx, "ch-1", 3)
	if err != nil {
		t.Fatalf("third Bump: %v", err)
	}
	if !exceeded {
		t.Fatal("expected lockout on third attempt")
	}

	// The ceiling destroys the challenge and its account pointer.
	if _, err := store.Get(ctx, "ch-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected challenge destroyed, got %v", err)
	}
	if deleted, _ := store.DeleteForAccount(ctx, "acct-1"); deleted {
		t.Fatal("expected account pointer destroyed")
	}
}

func TestChallengeBumpNoCeilingWithoutFailureMode(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	record := &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(5 * time.Minute).Unix()}
	if err := store.Save(ctx, "ch-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for i := 0; i < 10; i++ {
		got, exceeded, err := store.Bump(ctx, "ch-1", 3)
		if err != nil {
			t.Fatalf("Bump %d: %v", i+1, err)
		}
		if exceeded {
			t.Fatalf("Bump %d: ceiling must not apply without failure mode", i+1)
		}
		if got.Attempts != uint16(i+1) {
			t.Fatalf("Bump %d: expected %d attempts, got %d", i+1, i+1, got.Attempts)
		}
	}
}

func TestChallengeBumpExpired(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	// ExpiresAt in the past while the Redis key still exists.
	record := &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(-time.Minute).Unix()}
	if err := store.Save(ctx, "ch-1", record, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, _, err := store.Bump(ctx, "ch-1", 3); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if _, err := store.Get(ctx, "ch-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected lazy purge, got %v", err)
	}
}

func TestChallengeBumpUnknown(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")

	if _, _, err := store.Bump(context.Background(), "nope", 3); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestTrustSaveGetDelete(t *testing.T) {
	store := NewTrustStore(newTestRedis(t), "dtr")
	ctx := context.Background()
	now := time.Now()

	record := &TrustRecord{
		AccountID: "acct-1",
		Token:     "trust-token",
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "acct-1", now)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Token != "trust-token" {
		t.Fatalf("token mismatch: %+v", got)
	}
	// RFC 3339 storage truncates to whole seconds.
	if got.ExpiresAt.Unix() != record.ExpiresAt.Unix() {
		t.Fatalf("expiry mismatch: %v vs %v", got.ExpiresAt, record.ExpiresAt)
	}

	deleted, err := store.Delete(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to report true")
	}
	if _, err := store.Get(ctx, "acct-1", now); !errors.Is(err, ErrTrustNotFound) {
		t.Fatalf("expected ErrTrustNotFound, got %v", err)
	}
}

func TestTrustExpiryBoundaryIsInclusive(t *testing.T) {
	store := NewTrustStore(newTestRedis(t), "dtr")
	ctx := context.Background()
	now := time.Now()
	expiry := now.Add(time.Hour).Truncate(time.Second)

	record := &TrustRecord{
		AccountID: "acct-1",
		Token:     "trust-token",
		IssuedAt:  now,
		ExpiresAt: expiry,
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// One second before the boundary: live.
	if _, err := store.Get(ctx, "acct-1", expiry.Add(-time.Second)); err != nil {
		t.Fatalf("expected live record before expiry: %v", err)
	}
	// At the exact boundary: expired and purged.
	if _, err := store.Get(ctx, "acct-1", expiry); !errors.Is(err, ErrTrustExpired) {
		t.Fatalf("expected ErrTrustExpired at boundary, got %v", err)
	}
	if _, err := store.Get(ctx, "acct-1", expiry); !errors.Is(err, ErrTrustNotFound) {
		t.Fatalf("expected purge after expiry read, got %v", err)
	}
}

func TestTrustSaveRejectsExpiredRecord(t *testing.T) {
	store := NewTrustStore(newTestRedis(t), "dtr")

	record := &TrustRecord{
		AccountID: "acct-1",
		Token:     "trust-token",
		IssuedAt:  time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := store.Save(context.Background(), record); err == nil {
		t.Fatal("expected error saving an expired record")
	}
}

func TestSessionSaveGetDelete(t *testing.T) {
	store := NewSessionStore(newTestRedis(t), "ses")
	ctx := context.Background()
	now := time.Now()

	record := &Session{
		AccountID: "acct-1",
		Method:    "mfa",
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(15 * time.Minute).Unix(),
	}
	if err := store.Save(ctx, "sid-1", record, 15*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccountID != "acct-1" || got.Method != "mfa" || got.ExpiresAt != record.ExpiresAt {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	deleted, err := store.Delete(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected delete to report true")
	}
	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionLazyExpiry(t *testing.T) {
	store := NewSessionStore(newTestRedis(t), "ses")
	ctx := context.Background()

	record := &Session{
		AccountID: "acct-1",
		Method:    "password",
		CreatedAt: time.Now().Add(-time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}
	if err := store.Save(ctx, "sid-1", record, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := store.Get(ctx, "sid-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session reported missing, got %v", err)
	}
}

func TestChallengeDeleteStaleIDKeepsCurrentPointer(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	mk := func() *Challenge {
		return &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(5 * time.Minute).Unix()}
	}
	if err := store.Save(ctx, "ch-1", mk(), 5*time.Minute); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := store.Save(ctx, "ch-2", mk(), 5*time.Minute); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	// ch-1 was already replaced; deleting its stale id must not touch the
	// pointer that now names ch-2.
	deleted, err := store.Delete(ctx, "ch-1", "acct-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Fatal("expected stale delete to report false")
	}

	deleted, err = store.DeleteForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("DeleteForAccount: %v", err)
	}
	if !deleted {
		t.Fatal("expected ch-2 still reachable through the account pointer")
	}
}

func TestChallengeSaveConcurrentLeavesOneChallenge(t *testing.T) {
	client := newTestRedis(t)
	store := NewChallengeStore(client, "chl")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		id := fmt.Sprintf("ch-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			record := &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(5 * time.Minute).Unix()}
			for {
				err := store.Save(ctx, id, record, 5*time.Minute)
				if err == nil {
					return
				}
				if !errors.Is(err, ErrChallengeBackend) {
					t.Errorf("Save %s: %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	live := 0
	for i := 0; i < writers; i++ {
		if _, err := store.Get(ctx, fmt.Sprintf("ch-%d", i)); err == nil {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live challenge, got %d", live)
	}

	// The survivor is the one the account pointer names.
	deleted, err := store.DeleteForAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("DeleteForAccount: %v", err)
	}
	if !deleted {
		t.Fatal("expected the surviving challenge behind the pointer")
	}
	for i := 0; i < writers; i++ {
		if _, err := store.Get(ctx, fmt.Sprintf("ch-%d", i)); err == nil {
			t.Fatalf("challenge ch-%d still live after consume", i)
		}
	}
}

func TestChallengeBumpConcurrentAttemptAccounting(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	record := &Challenge{AccountID: "acct-1", ExpiresAt: time.Now().Add(5 * time.Minute).Unix()}
	if err := store.Save(ctx, "ch-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, exceeded, err := store.Bump(ctx, "ch-1", callers+1)
				if err == nil {
					if exceeded {
						t.Error("ceiling must not apply without failure mode")
					}
					if got.Attempts == 0 {
						t.Error("expected post-increment attempt count")
					}
					succeeded.Add(1)
					return
				}
				if !errors.Is(err, ErrChallengeBackend) {
					t.Errorf("Bump: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != callers {
		t.Fatalf("expected %d successful bumps, got %d", callers, got)
	}
	final, err := store.Get(ctx, "ch-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if int(final.Attempts) != callers {
		t.Fatalf("expected %d attempts recorded, got %d", callers, final.Attempts)
	}
}

func TestChallengeBumpConcurrentLockoutFiresOnce(t *testing.T) {
	store := NewChallengeStore(newTestRedis(t), "chl")
	ctx := context.Background()

	const maxAttempts = 3
	record := &Challenge{
		AccountID:   "acct-1",
		FailureMode: true,
		ExpiresAt:   time.Now().Add(5 * time.Minute).Unix(),
	}
	if err := store.Save(ctx, "ch-1", record, 5*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		lockouts atomic.Int64
		counted  atomic.Int64
		gone     atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, exceeded, err := store.Bump(ctx, "ch-1", maxAttempts)
				switch {
				case err == nil && exceeded:
					lockouts.Add(1)
					return
				case err == nil:
					counted.Add(1)
					return
				case errors.Is(err, ErrChallengeNotFound):
					gone.Add(1)
					return
				case errors.Is(err, ErrChallengeBackend):
					continue
				default:
					t.Errorf("Bump: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := lockouts.Load(); got != 1 {
		t.Fatalf("expected exactly one lockout, got %d", got)
	}
	if got := counted.Load(); got != maxAttempts-1 {
		t.Fatalf("expected %d counted attempts before lockout, got %d", maxAttempts-1, got)
	}
	if got := gone.Load(); got != callers-maxAttempts {
		t.Fatalf("expected %d callers to find the challenge destroyed, got %d", callers-maxAttempts, got)
	}
	if _, err := store.Get(ctx, "ch-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected challenge destroyed after lockout, got %v", err)
	}
}
