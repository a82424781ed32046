package stepauth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned by Login when the identifier is
	// unknown, the secret is empty, or the password does not match. The
	// three cases are deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoPendingChallenge is returned by VerifyMFA when no challenge is
	// outstanding for the supplied id (never created, expired, replaced,
	// or already consumed).
	ErrNoPendingChallenge = errors.New("no pending mfa challenge")
	// ErrInvalidCode is the sentinel matched by errors.Is for rejected
	// verification codes. The concrete value is *InvalidCodeError, which
	// carries the remaining-attempt count when one applies.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrAccountLocked is returned when a challenge exhausts its attempt
	// ceiling. The challenge is destroyed; the caller must restart from
	// Login. Distinct from ErrInvalidCode.
	ErrAccountLocked = errors.New("account locked")
	// ErrNotAuthenticated is returned by session-scoped operations
	// (SetupMFA, EnableMFA, TrustedDevice, ...) when the access token is
	// invalid, expired, or its session record is gone.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrProviderError wraps failures from injected providers: unknown SSO
	// provider names, failed identity exchanges, and account backend errors.
	ErrProviderError = errors.New("provider error")
	// ErrNoTrustedDevice is returned by TrustedDevice when the account has
	// no live trust record.
	ErrNoTrustedDevice = errors.New("no trusted device")
	// ErrSessionNotFound is returned when a structurally valid token
	// references a session record that no longer exists.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenInvalid is returned for tokens that fail signature or claim
	// validation.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrChallengeUnavailable signals a challenge-store backend failure.
	ErrChallengeUnavailable = errors.New("mfa challenge backend unavailable")
	// ErrTrustUnavailable signals a trust-store backend failure.
	ErrTrustUnavailable = errors.New("device trust backend unavailable")
	// ErrSessionUnavailable signals a session-store backend failure.
	ErrSessionUnavailable = errors.New("session backend unavailable")
	// ErrMFAAlreadyEnabled is returned by SetupMFA for accounts that have
	// already completed enrollment.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrEngineNotReady is returned when an Engine method is invoked on a
	// partially constructed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// InvalidCodeError is the rejection returned for a wrong verification code
// during an outstanding challenge. RemainingAttempts is only meaningful when
// AttemptsCounted is true, which happens for accounts whose MFA provider
// enforces the attempt ceiling; for all other accounts retries are unbounded
// and RemainingAttempts is zero.
//
// errors.Is(err, ErrInvalidCode) matches.
type InvalidCodeError struct {
	RemainingAttempts int
	AttemptsCounted   bool
}

func (e *InvalidCodeError) Error() string {
	if e.AttemptsCounted {
		return fmt.Sprintf("invalid verification code (%d attempts remaining)", e.RemainingAttempts)
	}
	return "invalid verification code"
}

// Is reports sentinel identity so callers can branch with errors.Is without
// asserting the concrete type.
func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}
