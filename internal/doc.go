// Package internal holds shared helpers for stepauth subpackages: random
// identifier and token generation. Nothing here is part of the public API.
package internal
