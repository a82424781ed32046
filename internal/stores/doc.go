// Package stores implements the Redis persistence layer for stepauth:
// pending MFA challenges, device-trust records, and session records.
//
// Challenge and session records use a compact versioned binary encoding
// (version byte, big-endian fixed fields, length-prefixed strings). Trust
// records use a Redis hash with RFC 3339 timestamps so operators can
// inspect them directly.
//
// Every store treats expiry lazily: reads at or past the recorded expiry
// delete the key and report the record as gone. Backend failures are
// wrapped in the per-store *Backend sentinel.
package stores
