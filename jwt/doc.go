// Package jwt wraps github.com/golang-jwt/jwt/v5 with the fixed claim shape
// and validation policy stepauth sessions use.
//
// Tokens carry only identifiers (account id, session id, auth method); all
// revocable state lives in the Redis session record. Supported algorithms
// are Ed25519 (EdDSA) and HS256.
package jwt
