package stepauth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// LoginSSO authenticates through a registered SSO provider. The provider
// already performed strong authentication, so a successful exchange issues a
// session directly: no password stage, no challenge.
func (e *Engine) LoginSSO(ctx context.Context, providerName string) (*LoginResult, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	provider, ok := e.sso[providerName]
	if !ok {
		e.metricInc(MetricSSOFailure)
		err := fmt.Errorf("%w: unknown provider %q", ErrProviderError, providerName)
		e.emitAudit(ctx, auditEventSSOFailure, false, "", "", err, func() map[string]string {
			return map[string]string{"provider": providerName}
		})
		return nil, err
	}

	identity, err := provider.Exchange(ctx)
	if err != nil {
		e.metricInc(MetricSSOFailure)
		wrapped := fmt.Errorf("%w: %s exchange: %v", ErrProviderError, providerName, err)
		e.emitAudit(ctx, auditEventSSOFailure, false, "", "", wrapped, func() map[string]string {
			return map[string]string{"provider": providerName}
		})
		return nil, wrapped
	}

	account, err := e.accounts.UpsertSSOAccount(ctx, SSOAccountInput{
		Provider:    providerName,
		Subject:     identity.Subject,
		Email:       identity.Email,
		SuggestedID: "sso-" + providerName + "-" + uuid.NewString(),
	})
	if err != nil {
		e.metricInc(MetricSSOFailure)
		wrapped := fmt.Errorf("%w: %v", ErrProviderError, err)
		e.emitAudit(ctx, auditEventSSOFailure, false, "", "", wrapped, func() map[string]string {
			return map[string]string{"provider": providerName}
		})
		return nil, wrapped
	}

	token, sessionID, err := e.issueSession(ctx, account.AccountID, "sso")
	if err != nil {
		e.metricInc(MetricSSOFailure)
		e.emitAudit(ctx, auditEventSSOFailure, false, account.AccountID, "", err, nil)
		return nil, err
	}

	result := &LoginResult{AccessToken: token}
	if !account.MFAEnabled {
		result.MFASetupRequired = true
		result.Grace = account.Grace
	}

	e.metricInc(MetricSSOSuccess)
	e.emitAudit(ctx, auditEventSSOSuccess, true, account.AccountID, sessionID, nil, func() map[string]string {
		return map[string]string{"provider": providerName}
	})
	return result, nil
}
