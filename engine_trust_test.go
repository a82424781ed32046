package stepauth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTrustedDeviceRequiresSession(t *testing.T) {
	cfg := testConfig(t)
	engine := newTestEngine(t, cfg, newMockProvider())

	if _, err := engine.TrustedDevice(context.Background(), "bad-token"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := engine.RevokeTrustedDevice(context.Background(), "bad-token"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestTrustedDeviceReportsGrantedRecord(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockProvider()
	seedAccount(t, cfg, provider, AccountRecord{
		AccountID:  "acct-1",
		Identifier: "user@test",
		MFAEnabled: true,
	}, "password123")
	engine := newTestEngine(t, cfg, provider)
	ctx := context.Background()

	challengeID := loginToChallenge(t, engine, "user@test", "password123")
	verify, err := engine.VerifyMFA(ctx, challengeID, "123456", true)
	if err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}

	device, err := engine.TrustedDevice(ctx, verify.AccessToken)
	if err != nil {
		t.Fatalf("TrustedDevice: %v", err)
	}
	if device.AccountID != "acct-1" {
		t.Fatalf("expected acct-1, got %s", device.AccountID)
	}
	if device.Token != verify.TrustToken {
		t.Fatal("expected the token handed out at verify time")
	}
	if device.ExpiresAt.IsZero() || device.IssuedAt.IsZero() {
		t.Fatal("expected populated timestamps")
	}

	wantExpiry := time.Now().Add(cfg.Trust.TTL)
	if diff := device.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expiry %v too far from now+TTL", device.ExpiresAt)
	}
}

func TestTrustedDeviceNoneGranted(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockProvider()
	seedAccount(t, cfg, provider, AccountRecord{AccountID: "acct-1", Identifier: "user@test"}, "password123")
	engine := newTestEngine(t, cfg, provider)
	ctx := context.Background()

	token := loginForToken(t, engine, "user@test", "password123")

	if _, err := engine.TrustedDevice(ctx, token); !errors.Is(err, ErrNoTrustedDevice) {
		t.Fatalf("expected ErrNoTrustedDevice, got %v", err)
	}
}

func TestRevokeTrustedDeviceRestoresChallengeFlow(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockProvider()
	seedAccount(t, cfg, provider, AccountRecord{
		AccountID:  "acct-1",
		Identifier: "user@test",
		MFAEnabled: true,
	}, "password123")
	engine := newTestEngine(t, cfg, provider)
	ctx := context.Background()

	challengeID := loginToChallenge(t, engine, "user@test", "password123")
	verify, err := engine.VerifyMFA(ctx, challengeID, "123456", true)
	if err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}

	if err := engine.RevokeTrustedDevice(ctx, verify.AccessToken); err != nil {
		t.Fatalf("RevokeTrustedDevice: %v", err)
	}
	if _, err := engine.TrustedDevice(ctx, verify.AccessToken); !errors.Is(err, ErrNoTrustedDevice) {
		t.Fatalf("expected ErrNoTrustedDevice after revoke, got %v", err)
	}

	// Revoking an already-revoked device is a quiet no-op.
	if err := engine.RevokeTrustedDevice(ctx, verify.AccessToken); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	// Without the trust record the next login raises a challenge again.
	result, err := engine.Login(ctx, "user@test", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("expected a challenge after revocation")
	}
}

func TestExpiredTrustRecordDoesNotShortcutLogin(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockProvider()
	seedAccount(t, cfg, provider, AccountRecord{
		AccountID:  "acct-1",
		Identifier: "user@test",
		MFAEnabled: true,
	}, "password123")

	_, client := newTestRedis(t)
	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithAccountProvider(provider).
		WithMetricsEnabled(true).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	// Plant a record whose expires_at is already in the past. The boundary
	// is equality-inclusive: a record expiring "now" is expired.
	past := time.Now().Add(-time.Second).UTC().Format(time.RFC3339)
	issued := time.Now().Add(-31 * 24 * time.Hour).UTC().Format(time.RFC3339)
	key := cfg.Trust.RedisPrefix + ":acct-1"
	if err := client.HSet(ctx, key, map[string]any{
		"token":      "stale-token",
		"expires_at": past,
		"issued_at":  issued,
	}).Err(); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	result, err := engine.Login(ctx, "user@test", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.DeviceTrusted {
		t.Fatal("expired trust must not shortcut the challenge")
	}
	if !result.MFARequired {
		t.Fatal("expected a challenge")
	}
	if got := engine.MetricsSnapshot().Counters[MetricTrustExpired]; got != 1 {
		t.Fatalf("expected 1 trust expiry, got %d", got)
	}

	// The expired record was purged on read; it never comes back.
	if n, err := client.Exists(ctx, key).Result(); err != nil || n != 0 {
		t.Fatalf("expected purged trust key, exists=%d err=%v", n, err)
	}
}

func TestTrustGrantIsNeverRenewedByUse(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockProvider()
	seedAccount(t, cfg, provider, AccountRecord{
		AccountID:  "acct-1",
		Identifier: "user@test",
		MFAEnabled: true,
	}, "password123")
	engine := newTestEngine(t, cfg, provider)
	ctx := context.Background()

	challengeID := loginToChallenge(t, engine, "user@test", "password123")
	verify, err := engine.VerifyMFA(ctx, challengeID, "123456", true)
	if err != nil {
		t.Fatalf("VerifyMFA: %v", err)
	}

	before, err := engine.TrustedDevice(ctx, verify.AccessToken)
	if err != nil {
		t.Fatalf("TrustedDevice: %v", err)
	}

	// Using the shortcut must not move the expiry.
	if _, err := engine.Login(ctx, "user@test", "password123"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	after, err := engine.TrustedDevice(ctx, verify.AccessToken)
	if err != nil {
		t.Fatalf("TrustedDevice after use: %v", err)
	}
	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatalf("trust expiry moved from %v to %v", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestRememberDeviceOverwritesPreviousGrant(t *testing.T) {
	cfg := testConfig(t)
	provider := newMockProvider()
	seedAccount(t, cfg, provider, AccountRecord{
		AccountID:  "acct-1",
		Identifier: "user@test",
		MFAEnabled: true,
	}, "password123")
	engine := newTestEngine(t, cfg, provider)
	ctx := context.Background()

	first, err := engine.VerifyMFA(ctx, loginToChallenge(t, engine, "user@test", "password123"), "123456", true)
	if err != nil {
		t.Fatalf("first VerifyMFA: %v", err)
	}

	// Revoke, fall back to the challenge flow, remember again.
	if err := engine.RevokeTrustedDevice(ctx, first.AccessToken); err != nil {
		t.Fatalf("RevokeTrustedDevice: %v", err)
	}
	second, err := engine.VerifyMFA(ctx, loginToChallenge(t, engine, "user@test", "password123"), "123456", true)
	if err != nil {
		t.Fatalf("second VerifyMFA: %v", err)
	}
	if first.TrustToken == second.TrustToken {
		t.Fatal("expected a fresh trust token")
	}

	device, err := engine.TrustedDevice(ctx, second.AccessToken)
	if err != nil {
		t.Fatalf("TrustedDevice: %v", err)
	}
	if device.Token != second.TrustToken {
		t.Fatal("expected the latest grant to win")
	}
}
