package stepauth

import (
	"context"
	"fmt"
)

// SetupMFA starts enrollment for the authenticated account. Every call
// generates a fresh secret and overwrites any pending one; nothing is
// committed until EnableMFA verifies a code against it.
func (e *Engine) SetupMFA(ctx context.Context, accessToken string) (*MFASetup, error) {
	if e == nil || e.totp == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	sess, _, err := e.requireSession(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventMFASetupRequested, false, "", "", err, nil)
		return nil, err
	}

	account, err := e.accounts.GetAccountByID(ctx, sess.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if account.MFAEnabled {
		e.emitAudit(ctx, auditEventMFASetupRequested, false, account.AccountID, "", ErrMFAAlreadyEnabled, nil)
		return nil, ErrMFAAlreadyEnabled
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := e.accounts.SetMFASecret(ctx, account.AccountID, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	e.metricInc(MetricEnrollStarted)
	e.emitAudit(ctx, auditEventMFASetupRequested, true, account.AccountID, "", nil, nil)

	return &MFASetup{
		SecretBase32: secretBase32,
		ProvisionURI: e.totp.ProvisionURI(secretBase32, account.Identifier),
	}, nil
}

// EnableMFA verifies a code against the pending secret and commits the
// one-way MFAEnabled transition. Wrong codes never lock anything; the caller
// may retry indefinitely. Enabling an already-enabled account is a no-op.
func (e *Engine) EnableMFA(ctx context.Context, accessToken, code string) error {
	if e == nil || e.totp == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	sess, _, err := e.requireSession(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventMFAEnabled, false, "", "", err, nil)
		return err
	}

	account, err := e.accounts.GetAccountByID(ctx, sess.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if account.MFAEnabled {
		return nil
	}

	ok, err := e.verifyCode(ctx, account.AccountID, code)
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAEnabled, false, account.AccountID, "", ErrInvalidCode, nil)
		return &InvalidCodeError{}
	}

	if err := e.accounts.EnableMFA(ctx, account.AccountID); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	e.metricInc(MetricEnrollCompleted)
	e.emitAudit(ctx, auditEventMFAEnabled, true, account.AccountID, "", nil, nil)
	return nil
}
