package stepauth

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/stepauth/stepauth/internal/audit"
)

// EnrollmentGrace is the per-account MFA enrollment policy reported to the
// presentation layer when an account without MFA logs in.
type EnrollmentGrace uint8

const (
	// WithinGrace means the account may defer MFA enrollment and use the
	// issued session immediately.
	WithinGrace EnrollmentGrace = iota
	// NoGrace means the grace window has lapsed; the presentation layer is
	// expected to complete enrollment before letting the user proceed.
	NoGrace
)

// AccountRecord is the account state returned by [AccountProvider]. It
// carries the credential hash and the MFA posture the engine keys its
// decisions on.
type AccountRecord struct {
	AccountID    string
	Identifier   string
	PasswordHash string

	// MFAEnabled transitions false -> true exactly once, via EnableMFA.
	MFAEnabled bool
	// MFAFailureMode simulates a verification provider that rejects every
	// code and counts attempts toward a lockout. Challenges snapshot this
	// flag at creation time.
	MFAFailureMode bool
	Grace          EnrollmentGrace
}

// AccountProvider is the interface callers implement to connect stepauth to
// their account database. It covers credential lookup, pending-secret
// storage for enrollment, the one-way MFAEnabled transition, and account
// minting for SSO subjects.
type AccountProvider interface {
	GetAccountByIdentifier(ctx context.Context, identifier string) (AccountRecord, error)
	GetAccountByID(ctx context.Context, accountID string) (AccountRecord, error)

	// GetMFASecret returns the account's enrolled (or pending) TOTP secret,
	// or an empty slice when none is stored.
	GetMFASecret(ctx context.Context, accountID string) ([]byte, error)
	// SetMFASecret stores a pending TOTP secret, replacing any previous one.
	SetMFASecret(ctx context.Context, accountID string, secret []byte) error
	// EnableMFA marks the account as enrolled. Implementations must treat
	// the transition as one-way.
	EnableMFA(ctx context.Context, accountID string) error

	// UpsertSSOAccount returns the account bound to the given external
	// subject, creating it with SuggestedID when the subject is new.
	UpsertSSOAccount(ctx context.Context, input SSOAccountInput) (AccountRecord, error)
}

// SSOIdentity is the result of a provider identity exchange.
type SSOIdentity struct {
	Subject string
	Email   string
}

// SSOProvider is a pluggable single-sign-on entry point registered through
// [Builder.WithSSOProvider].
type SSOProvider interface {
	Name() string
	Exchange(ctx context.Context) (SSOIdentity, error)
}

// SSOAccountInput is the input for [AccountProvider.UpsertSSOAccount].
type SSOAccountInput struct {
	Provider    string
	Subject     string
	Email       string
	SuggestedID string
}

// LoginResult is returned by [Engine.Login] and [Engine.LoginSSO].
// Exactly one of three shapes applies: a session (AccessToken set), a
// pending challenge (MFARequired + ChallengeID), or a session plus an
// enrollment signal (AccessToken + MFASetupRequired + Grace).
type LoginResult struct {
	AccessToken string

	MFARequired bool
	ChallengeID string

	MFASetupRequired bool
	Grace            EnrollmentGrace

	// DeviceTrusted reports that the challenge stage was skipped because a
	// live trust record covered this account.
	DeviceTrusted bool
}

// VerifyResult is returned by [Engine.VerifyMFA] on success. TrustToken and
// TrustExpiresAt are populated only when the caller asked to remember the
// device.
type VerifyResult struct {
	AccessToken    string
	TrustToken     string
	TrustExpiresAt time.Time
}

// MFASetup holds the enrollment material returned by [Engine.SetupMFA]:
// the base32 secret and the otpauth:// URI an authenticator app consumes.
type MFASetup struct {
	SecretBase32 string
	ProvisionURI string
}

// AuthResult is returned by [Engine.Validate]. Method records how the
// session was established ("password", "mfa", "trusted_device", "sso").
type AuthResult struct {
	AccountID string
	SessionID string
	Method    string
}

// TrustedDevice is the view of an account's device-trust record returned by
// [Engine.TrustedDevice].
type TrustedDevice struct {
	AccountID string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
