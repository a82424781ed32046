package stepauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal"
	"github.com/stepauth/stepauth/internal/stores"
)

// Login performs the password stage. The caller learns only that credentials
// were rejected, never which part was wrong. For accounts with MFA the
// device-trust store is consulted first; a live trust record skips the
// challenge entirely.
func (e *Engine) Login(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	if e == nil || e.passwordHash == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	if secret == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "empty_secret",
			}
		})
		return nil, ErrInvalidCredentials
	}

	account, err := e.accounts.GetAccountByIdentifier(ctx, identifier)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "account_not_found",
			}
		})
		return nil, ErrInvalidCredentials
	}

	ok, err := e.passwordHash.Verify(secret, account.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "secret_mismatch",
			}
		})
		return nil, ErrInvalidCredentials
	}
	secret = ""

	return e.finishLogin(ctx, account, "password")
}

// finishLogin runs the post-credential stage shared by password and SSO
// logins: trust shortcut, challenge creation, or direct session with the
// enrollment signal.
func (e *Engine) finishLogin(ctx context.Context, account AccountRecord, method string) (*LoginResult, error) {
	if !account.MFAEnabled {
		token, sessionID, err := e.issueSession(ctx, account.AccountID, method)
		if err != nil {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, "", err, nil)
			return nil, err
		}

		e.metricInc(MetricLoginSuccess)
		e.metricInc(MetricMFASetupRequired)
		e.emitAudit(ctx, auditEventLoginSuccess, true, account.AccountID, sessionID, nil, func() map[string]string {
			return map[string]string{
				"method":       method,
				"mfa_enrolled": "false",
			}
		})
		return &LoginResult{
			AccessToken:      token,
			MFASetupRequired: true,
			Grace:            account.Grace,
		}, nil
	}

	if trusted, err := e.trustShortcut(ctx, account.AccountID); err != nil {
		return nil, err
	} else if trusted {
		token, sessionID, err := e.issueSession(ctx, account.AccountID, "trusted_device")
		if err != nil {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, "", err, nil)
			return nil, err
		}

		e.metricInc(MetricLoginSuccess)
		e.metricInc(MetricTrustHit)
		e.emitAudit(ctx, auditEventTrustHit, true, account.AccountID, sessionID, nil, func() map[string]string {
			return map[string]string{"method": method}
		})
		return &LoginResult{
			AccessToken:   token,
			DeviceTrusted: true,
		}, nil
	}

	challengeID, err := internal.NewChallengeID()
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, "", err, nil)
		return nil, err
	}

	record := &stores.Challenge{
		AccountID:   account.AccountID,
		FailureMode: account.MFAFailureMode,
		ExpiresAt:   time.Now().Add(e.config.Challenge.TTL).Unix(),
	}
	if err := e.challenges.Save(ctx, challengeID, record, e.config.Challenge.TTL); err != nil {
		e.metricInc(MetricLoginFailure)
		wrapped := fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
		e.emitAudit(ctx, auditEventLoginFailure, false, account.AccountID, "", wrapped, nil)
		return nil, wrapped
	}

	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, account.AccountID, "", nil, func() map[string]string {
		return map[string]string{"method": method}
	})
	return &LoginResult{
		MFARequired: true,
		ChallengeID: challengeID,
	}, nil
}

// trustShortcut reports whether a live trust record covers the account.
// Expired records are purged on this read and never renewed.
func (e *Engine) trustShortcut(ctx context.Context, accountID string) (bool, error) {
	if e.trust == nil {
		return false, nil
	}

	_, err := e.trust.Get(ctx, accountID, time.Now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, stores.ErrTrustExpired):
		e.metricInc(MetricTrustExpired)
		return false, nil
	case errors.Is(err, stores.ErrTrustNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrTrustUnavailable, err)
	}
}
