package stepauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal"
	"github.com/stepauth/stepauth/internal/audit"
	"github.com/stepauth/stepauth/internal/stores"
	"github.com/stepauth/stepauth/jwt"
	"github.com/stepauth/stepauth/password"
)

// Engine is the authentication state machine. Construct it through
// [Builder.Build]; all methods are then safe for concurrent use.
type Engine struct {
	config       Config
	challenges   *stores.ChallengeStore
	trust        *stores.TrustStore
	sessions     *stores.SessionStore
	audit        *audit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	totp         *totpManager
	jwtManager   *jwt.Manager
	accounts     AccountProvider
	sso          map[string]SSOProvider
}

// Close drains and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine's counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Validate resolves an access token to its live session. Both the token
// signature and the Redis session record must check out; a token whose
// session record is gone fails closed.
func (e *Engine) Validate(ctx context.Context, tokenStr string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	claims, err := e.jwtManager.ParseSession(tokenStr)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	sess, err := e.sessions.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, stores.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if sess.AccountID != claims.AID {
		return nil, ErrSessionNotFound
	}

	return &AuthResult{
		AccountID: sess.AccountID,
		SessionID: claims.SID,
		Method:    sess.Method,
	}, nil
}

// Logout destroys the token's session and any challenge still pending for
// its account. Logging out an already-dead session is not an error.
func (e *Engine) Logout(ctx context.Context, tokenStr string) error {
	if e == nil || e.jwtManager == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseSession(tokenStr)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, "", "", ErrTokenInvalid, nil)
		return ErrTokenInvalid
	}

	deleted, err := e.sessions.Delete(ctx, claims.SID)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, claims.AID, claims.SID, err, nil)
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if e.challenges != nil {
		_, _ = e.challenges.DeleteForAccount(ctx, claims.AID)
	}

	if deleted {
		e.metricInc(MetricLogout)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogout, true, claims.AID, claims.SID, nil, nil)
	return nil
}

// issueSession creates the Redis session record and signs its access token.
func (e *Engine) issueSession(ctx context.Context, accountID, method string) (string, string, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return "", "", err
	}
	sessionID := sid.String()

	now := time.Now()
	ttl := e.config.JWT.AccessTTL
	record := &stores.Session{
		AccountID: accountID,
		Method:    method,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	if err := e.sessions.Save(ctx, sessionID, record, ttl); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	token, err := e.jwtManager.CreateSession(accountID, sessionID, method)
	if err != nil {
		_, _ = e.sessions.Delete(ctx, sessionID)
		return "", "", err
	}

	e.metricInc(MetricSessionCreated)
	return token, sessionID, nil
}

// requireSession resolves an access token for session-scoped operations.
// Any token or lookup failure collapses to ErrNotAuthenticated.
func (e *Engine) requireSession(ctx context.Context, tokenStr string) (*stores.Session, string, error) {
	if e == nil || e.jwtManager == nil || e.sessions == nil {
		return nil, "", ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseSession(tokenStr)
	if err != nil {
		return nil, "", ErrNotAuthenticated
	}
	sess, err := e.sessions.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, stores.ErrSessionNotFound) {
			return nil, "", ErrNotAuthenticated
		}
		return nil, "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if sess.AccountID != claims.AID {
		return nil, "", ErrNotAuthenticated
	}
	return sess, claims.SID, nil
}
