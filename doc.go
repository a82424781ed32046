// Package stepauth provides a staged authentication engine: password login,
// a TOTP challenge step with per-challenge attempt accounting, device-trust
// shortcuts, grace-period MFA enrollment, and SSO entry points.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// stepauth is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginResult, VerifyResult, TrustedDevice, etc.). All
// internal coordination (challenge bookkeeping, session encoding, trust
// records, audit dispatch) lives under internal/ and is never exported.
//
// # State machine
//
// A caller moves through at most three stages per login: credential check,
// an optional TOTP challenge (skipped when the device carries a valid trust
// record), and session issuance. Accounts without MFA land directly in a
// session together with an enrollment signal; [Engine.SetupMFA] and
// [Engine.EnableMFA] complete enrollment from inside that session.
//
// # Performance contract
//
// Validate is the hot path. It performs one JWT parse and one Redis read.
// Login, VerifyMFA, and the trust operations are allowed a small constant
// number of Redis round-trips per call.
package stepauth
