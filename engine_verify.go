package stepauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stepauth/stepauth/internal"
	"github.com/stepauth/stepauth/internal/stores"
)

// VerifyMFA completes a pending challenge. The attempt counter is bumped on
// every call before the code is examined, so a failure-mode account walks a
// fixed path to lockout no matter what codes it submits. On success the
// challenge is consumed exactly once; rememberDevice additionally grants a
// device-trust record.
func (e *Engine) VerifyMFA(ctx context.Context, challengeID, code string, rememberDevice bool) (*VerifyResult, error) {
	if e == nil || e.challenges == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}
	if challengeID == "" {
		return nil, ErrNoPendingChallenge
	}

	record, exceeded, err := e.challenges.Bump(ctx, challengeID, e.config.Challenge.MaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrChallengeNotFound), errors.Is(err, stores.ErrChallengeExpired):
			e.emitAudit(ctx, auditEventMFAFailure, false, "", "", ErrNoPendingChallenge, nil)
			return nil, ErrNoPendingChallenge
		default:
			return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
		}
	}

	if exceeded {
		e.metricInc(MetricMFALockout)
		e.emitAudit(ctx, auditEventMFALockout, false, record.AccountID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{
				"attempts": strconv.Itoa(int(record.Attempts)),
			}
		})
		return nil, ErrAccountLocked
	}

	if record.FailureMode {
		// Snapshot taken at challenge creation: every code is rejected and
		// counted, regardless of the account's current flag.
		remaining := e.config.Challenge.MaxAttempts - int(record.Attempts)
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, record.AccountID, "", ErrInvalidCode, func() map[string]string {
			return map[string]string{
				"remaining": strconv.Itoa(remaining),
			}
		})
		return nil, &InvalidCodeError{RemainingAttempts: remaining, AttemptsCounted: true}
	}

	ok, err := e.verifyCode(ctx, record.AccountID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, record.AccountID, "", ErrInvalidCode, nil)
		return nil, &InvalidCodeError{}
	}

	consumed, err := e.challenges.Delete(ctx, challengeID, record.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !consumed {
		// A concurrent verify won the delete; this call loses.
		return nil, ErrNoPendingChallenge
	}

	token, sessionID, err := e.issueSession(ctx, record.AccountID, "mfa")
	if err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, record.AccountID, "", err, nil)
		return nil, err
	}

	result := &VerifyResult{AccessToken: token}
	if rememberDevice {
		trustToken, expiresAt, err := e.grantTrust(ctx, record.AccountID)
		if err != nil {
			// The caller never sees the token, so the session record must
			// not outlive this call.
			_, _ = e.sessions.Delete(ctx, sessionID)
			e.metricInc(MetricSessionInvalidated)
			e.emitAudit(ctx, auditEventMFAFailure, false, record.AccountID, sessionID, err, nil)
			return nil, err
		}
		result.TrustToken = trustToken
		result.TrustExpiresAt = expiresAt
	}

	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, record.AccountID, sessionID, nil, func() map[string]string {
		return map[string]string{
			"remembered": strconv.FormatBool(rememberDevice),
		}
	})
	return result, nil
}

// verifyCode runs the configured acceptance predicate: a digits-only shape
// check in demo mode, RFC 6238 against the enrolled secret otherwise.
func (e *Engine) verifyCode(ctx context.Context, accountID, code string) (bool, error) {
	if e.config.TOTP.InsecureAcceptAnyCode {
		return e.totp.WellFormed(code), nil
	}

	secret, err := e.accounts.GetMFASecret(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if len(secret) == 0 {
		return false, nil
	}
	return e.totp.VerifyCode(secret, code, time.Now())
}

// grantTrust overwrites the account's trust record with a fresh token and a
// full TTL.
func (e *Engine) grantTrust(ctx context.Context, accountID string) (string, time.Time, error) {
	trustToken, err := internal.NewTrustToken()
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(e.config.Trust.TTL)
	record := &stores.TrustRecord{
		AccountID: accountID,
		Token:     trustToken,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := e.trust.Save(ctx, record); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrTrustUnavailable, err)
	}

	e.metricInc(MetricTrustIssued)
	e.emitAudit(ctx, auditEventTrustGranted, true, accountID, "", nil, func() map[string]string {
		return map[string]string{
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		}
	})
	return trustToken, expiresAt, nil
}
