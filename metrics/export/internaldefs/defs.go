package internaldefs

import (
	stepauth "github.com/stepauth/stepauth"
)

// CounterDef binds a [stepauth.MetricID] to its stable export name.
type CounterDef struct {
	ID   stepauth.MetricID
	Name string
	Help string
}

// HistogramDef binds a histogram [stepauth.MetricID] to its export name.
type HistogramDef struct {
	ID   stepauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in export order. Exporters render by name;
// raw ids never leave the process.
var CounterDefs = []CounterDef{
	{ID: stepauth.MetricLoginSuccess, Name: "stepauth_login_success_total", Help: "Password logins that issued a session directly."},
	{ID: stepauth.MetricLoginFailure, Name: "stepauth_login_failure_total", Help: "Logins rejected for bad credentials."},
	{ID: stepauth.MetricMFARequired, Name: "stepauth_mfa_required_total", Help: "Logins that produced a pending MFA challenge."},
	{ID: stepauth.MetricMFASetupRequired, Name: "stepauth_mfa_setup_required_total", Help: "Logins by accounts that have not enrolled in MFA."},
	{ID: stepauth.MetricMFASuccess, Name: "stepauth_mfa_success_total", Help: "Completed challenge verifications."},
	{ID: stepauth.MetricMFAFailure, Name: "stepauth_mfa_failure_total", Help: "Rejected verification codes."},
	{ID: stepauth.MetricMFALockout, Name: "stepauth_mfa_lockout_total", Help: "Challenges destroyed by the attempt ceiling."},
	{ID: stepauth.MetricTrustHit, Name: "stepauth_trust_hit_total", Help: "Logins that skipped the challenge via device trust."},
	{ID: stepauth.MetricTrustExpired, Name: "stepauth_trust_expired_total", Help: "Trust records found expired and purged."},
	{ID: stepauth.MetricTrustIssued, Name: "stepauth_trust_issued_total", Help: "Remember-device grants."},
	{ID: stepauth.MetricTrustRevoked, Name: "stepauth_trust_revoked_total", Help: "Explicit trust revocations."},
	{ID: stepauth.MetricEnrollStarted, Name: "stepauth_enroll_started_total", Help: "SetupMFA calls that produced a secret."},
	{ID: stepauth.MetricEnrollCompleted, Name: "stepauth_enroll_completed_total", Help: "Successful EnableMFA transitions."},
	{ID: stepauth.MetricSSOSuccess, Name: "stepauth_sso_success_total", Help: "SSO logins that reached a terminal result."},
	{ID: stepauth.MetricSSOFailure, Name: "stepauth_sso_failure_total", Help: "Failed SSO provider exchanges."},
	{ID: stepauth.MetricSessionCreated, Name: "stepauth_session_created_total", Help: "Issued sessions across all flows."},
	{ID: stepauth.MetricSessionInvalidated, Name: "stepauth_session_invalidated_total", Help: "Sessions removed for any reason."},
	{ID: stepauth.MetricLogout, Name: "stepauth_logout_total", Help: "Explicit logout operations."},
}

// HistogramDefs lists every histogram in export order.
var HistogramDefs = []HistogramDef{
	{ID: stepauth.MetricValidateLatency, Name: "stepauth_validate_latency_seconds", Help: "Validate latency histogram."},
}

// HistogramBounds are the upper bounds of the core histogram buckets in
// seconds, rendered as Prometheus le labels.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with characters legal in
// OpenTelemetry instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw snapshot slice to the fixed
// 8-bucket layout.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// Prometheus and OTel gauges expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
