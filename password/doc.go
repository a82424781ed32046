// Package password provides argon2id hashing with PHC-format encoding.
//
// Hashes embed their own cost parameters, so verification always uses the
// parameters a hash was created with; NeedsUpgrade detects hashes that
// predate a cost increase.
package password
