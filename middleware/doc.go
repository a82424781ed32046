// Package middleware provides net/http wrappers around the stepauth engine.
//
// RequireSession extracts the bearer token, validates it through
// [stepauth.Engine.Validate], and attaches the resulting AuthResult to the
// request context for handlers to read via SessionFromContext.
package middleware
