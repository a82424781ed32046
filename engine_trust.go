package stepauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepauth/stepauth/internal/stores"
)

// TrustedDevice returns the authenticated account's live trust record.
// Expired and missing records both report ErrNoTrustedDevice.
func (e *Engine) TrustedDevice(ctx context.Context, accessToken string) (*TrustedDevice, error) {
	if e == nil || e.trust == nil {
		return nil, ErrEngineNotReady
	}

	sess, _, err := e.requireSession(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	record, err := e.trust.Get(ctx, sess.AccountID, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrTrustExpired):
			e.metricInc(MetricTrustExpired)
			return nil, ErrNoTrustedDevice
		case errors.Is(err, stores.ErrTrustNotFound):
			return nil, ErrNoTrustedDevice
		default:
			return nil, fmt.Errorf("%w: %v", ErrTrustUnavailable, err)
		}
	}

	return &TrustedDevice{
		AccountID: record.AccountID,
		Token:     record.Token,
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// RevokeTrustedDevice removes the authenticated account's trust record.
// Revoking when none exists is not an error.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, accessToken string) error {
	if e == nil || e.trust == nil {
		return ErrEngineNotReady
	}

	sess, _, err := e.requireSession(ctx, accessToken)
	if err != nil {
		return err
	}

	deleted, err := e.trust.Delete(ctx, sess.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustUnavailable, err)
	}
	if deleted {
		e.metricInc(MetricTrustRevoked)
		e.emitAudit(ctx, auditEventTrustRevoked, true, sess.AccountID, "", nil, nil)
	}
	return nil
}
