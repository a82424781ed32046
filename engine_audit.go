package stepauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess      = "login_success"
	auditEventLoginFailure      = "login_failure"
	auditEventMFARequired       = "mfa_required"
	auditEventMFASuccess        = "mfa_success"
	auditEventMFAFailure        = "mfa_failure"
	auditEventMFALockout        = "mfa_attempts_exceeded"
	auditEventMFASetupRequested = "mfa_setup_requested"
	auditEventMFAEnabled        = "mfa_enabled"
	auditEventTrustGranted      = "device_trust_granted"
	auditEventTrustHit          = "device_trust_hit"
	auditEventTrustRevoked      = "device_trust_revoked"
	auditEventSSOSuccess        = "sso_login_success"
	auditEventSSOFailure        = "sso_login_failure"
	auditEventLogout            = "logout_session"
)

// AuditErrorCode is the stable error label recorded on audit events in place
// of raw Go error strings.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrNoChallenge        AuditErrorCode = "no_pending_challenge"
	auditErrInvalidCode        AuditErrorCode = "invalid_code"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrNotAuthenticated   AuditErrorCode = "not_authenticated"
	auditErrProvider           AuditErrorCode = "provider_error"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrNoTrustedDevice    AuditErrorCode = "no_trusted_device"
	auditErrAlreadyEnabled     AuditErrorCode = "mfa_already_enabled"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["user_agent"] = ua
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrNoPendingChallenge):
		return auditErrNoChallenge
	case errors.Is(err, ErrInvalidCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrNotAuthenticated):
		return auditErrNotAuthenticated
	case errors.Is(err, ErrProviderError):
		return auditErrProvider
	case errors.Is(err, ErrTokenInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrNoTrustedDevice):
		return auditErrNoTrustedDevice
	case errors.Is(err, ErrMFAAlreadyEnabled):
		return auditErrAlreadyEnabled
	case errors.Is(err, ErrChallengeUnavailable),
		errors.Is(err, ErrTrustUnavailable),
		errors.Is(err, ErrSessionUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
